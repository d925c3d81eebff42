package protocol

import (
	"arena/internal/model"

	"github.com/shopspring/decimal"
)

// Type tags every message on the agent channel.
type Type string

const (
	TypeWelcome     Type = "welcome"
	TypePriceUpdate Type = "price_update"
	TypeOrderResult Type = "order_result"
	TypeHivePatch   Type = "hive_patch"
	TypeEpochEnd    Type = "epoch_end"
	TypeState       Type = "state"
	TypeError       Type = "error"
	TypePong        Type = "pong"

	TypeOrder    Type = "order"
	TypeGetState Type = "get_state"
	TypePing     Type = "ping"
)

// ServerMessage is anything the arena sends to an agent.
type ServerMessage interface {
	MessageType() Type
}

type Welcome struct {
	AgentID string          `json:"agent_id"`
	GroupID int             `json:"group_id"`
	Balance decimal.Decimal `json:"balance"`
	Epoch   uint64          `json:"epoch"`
	Tick    uint64          `json:"tick"`
}

type PriceUpdate struct {
	Tick   uint64                 `json:"tick"`
	Prices map[string]model.Quote `json:"prices"`
}

type OrderResult struct {
	Success   bool                      `json:"success"`
	Message   string                    `json:"message"`
	Symbol    string                    `json:"symbol,omitempty"`
	Side      string                    `json:"side,omitempty"`
	Quantity  decimal.Decimal           `json:"quantity"`
	FillPrice decimal.Decimal           `json:"fill_price"`
	Balance   decimal.Decimal           `json:"balance"`
	Positions map[string]model.Position `json:"positions"`
}

type HivePatch struct {
	Epoch    uint64   `json:"epoch"`
	Penalize []string `json:"penalize"`
	Message  string   `json:"message"`
}

type EpochEnd struct {
	Epoch      uint64          `json:"epoch"`
	Rankings   []model.Ranking `json:"rankings"`
	MyRank     int             `json:"my_rank"`
	Eliminated []string        `json:"eliminated"`
	YouLost    bool            `json:"you_eliminated"`
	Commentary string          `json:"commentary,omitempty"`
}

type State struct {
	AgentID    string                    `json:"agent_id"`
	GroupID    int                       `json:"group_id"`
	Epoch      uint64                    `json:"epoch"`
	Balance    decimal.Decimal           `json:"balance"`
	Positions  map[string]model.Position `json:"positions"`
	Equity     decimal.Decimal           `json:"equity"`
	PnL        decimal.Decimal           `json:"pnl"`
	PnLPercent decimal.Decimal           `json:"pnl_percent"`
}

type Error struct {
	Message string `json:"message"`
}

type Pong struct{}

func (Welcome) MessageType() Type     { return TypeWelcome }
func (PriceUpdate) MessageType() Type { return TypePriceUpdate }
func (OrderResult) MessageType() Type { return TypeOrderResult }
func (HivePatch) MessageType() Type   { return TypeHivePatch }
func (EpochEnd) MessageType() Type    { return TypeEpochEnd }
func (State) MessageType() Type       { return TypeState }
func (Error) MessageType() Type       { return TypeError }
func (Pong) MessageType() Type        { return TypePong }

// Droppable reports whether a message may be discarded for a slow agent.
// Only price updates qualify, a newer one always follows.
func Droppable(t Type) bool {
	return t == TypePriceUpdate
}

// AgentMessage is anything an agent sends. The set is closed.
type AgentMessage interface {
	agentMessage()
}

// Order asks for a fill. Reason carries the strategy tags the hive groups
// trades by. Tags is accepted as an alias and merged with Reason.
type Order struct {
	Symbol string          `json:"symbol"`
	Side   string          `json:"side"`
	Amount decimal.Decimal `json:"amount"`
	Reason Tags            `json:"reason"`
	Tags   Tags            `json:"tags,omitempty"`
}

type GetState struct{}

type Ping struct{}

func (Order) agentMessage()    {}
func (GetState) agentMessage() {}
func (Ping) agentMessage()     {}
