package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Trade is an executed fill. Trades are append only.
type Trade struct {
	ID              uuid.UUID       `json:"id"`
	Seq             uint64          `json:"seq"`
	Epoch           uint64          `json:"epoch"`
	AgentID         string          `json:"agent_id"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	RequestedAmount decimal.Decimal `json:"requested_amount"`
	Quantity        decimal.Decimal `json:"quantity"`
	FillPrice       decimal.Decimal `json:"fill_price"`
	Cost            decimal.Decimal `json:"cost"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	Tags            []string        `json:"tags,omitempty"`
	QuoteTick       uint64          `json:"quote_tick"`
	Timestamp       time.Time       `json:"timestamp"`
}
