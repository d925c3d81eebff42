package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"arena/internal/model"
	"arena/internal/obs"
	"arena/internal/risk"
	"arena/pkg/exception"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const quantityPrecision = 16

// Ledgers resolves agent accounts. The session manager owns the set of live agents.
type Ledgers interface {
	Account(agentID string) (*Account, bool)
	Accounts() []*Account
}

// Quotes is the latest published price view.
type Quotes interface {
	Quote(symbol string) (model.Quote, bool)
}

// TradeSink receives every executed trade in sequence order per account.
type TradeSink interface {
	Append(model.Trade)
}

// Config controls order acceptance.
type Config struct {
	FreshnessBound time.Duration
	Risk           risk.Config
}

// Order is an agent's request. BUY amounts are USD notional, SELL amounts are quantity.
type Order struct {
	AgentID string
	Symbol  string
	Side    model.Side
	Amount  decimal.Decimal
	Tags    []string
}

func (o Order) validate() error {
	if o.AgentID == "" || o.Symbol == "" || !o.Amount.IsPositive() {
		return exception.ErrInvalidOrder
	}
	if !o.Side.IsValid() {
		return exception.ErrUnsupportedOrderSide
	}
	return nil
}

// Result is the outcome of a filled order.
type Result struct {
	Trade     model.Trade
	Balance   decimal.Decimal
	Positions map[string]model.Position
}

type Option func(*Engine)

func WithSink(sink TradeSink) Option {
	return func(e *Engine) { e.sink = sink }
}

func WithMetrics(m *obs.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine executes orders against the latest quotes.
//
// Executions hold the read side of gate and one account lock each, so orders from
// different agents proceed in parallel while orders of one agent serialize. Freeze
// takes the write side and waits for every in-flight execution to finish.
type Engine struct {
	cfg     Config
	ledgers Ledgers
	quotes  Quotes
	risk    *risk.Engine
	sink    TradeSink
	metrics *obs.Metrics
	now     func() time.Time
	seq     *obs.SeqGenerator

	gate   sync.RWMutex
	closed atomic.Bool
	epoch  atomic.Uint64

	logMu       sync.Mutex
	epochTrades []model.Trade
}

// New creates an engine. The engine starts in epoch 1 and accepts orders.
func New(cfg Config, ledgers Ledgers, quotes Quotes, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		ledgers: ledgers,
		quotes:  quotes,
		risk:    risk.NewEngine(cfg.Risk),
		now:     time.Now,
		seq:     obs.NewSeqGenerator(0),
	}
	e.epoch.Store(1)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute validates and fills an order at the latest quote. Rejections return
// one of the exception order errors and leave the ledger untouched.
func (e *Engine) Execute(ctx context.Context, o Order) (res Result, err error) {
	start := time.Now()
	defer func() {
		e.metrics.ObserveOrder(RejectReason(err), time.Since(start))
	}()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := o.validate(); err != nil {
		return Result{}, err
	}

	e.gate.RLock()
	defer e.gate.RUnlock()

	if e.closed.Load() {
		return Result{}, exception.ErrEpochClosed
	}

	acc, ok := e.ledgers.Account(o.AgentID)
	if !ok {
		return Result{}, exception.ErrUnknownAccount
	}

	q, ok := e.quotes.Quote(o.Symbol)
	if !ok || !q.PriceUSD.IsPositive() {
		return Result{}, exception.ErrUnknownSymbol
	}
	now := e.now()
	if e.cfg.FreshnessBound > 0 && q.Age(now) > e.cfg.FreshnessBound {
		return Result{}, exception.ErrStaleQuote
	}
	price := q.PriceUSD

	notional := o.Amount
	if o.Side == model.SideSell {
		notional = o.Amount.Mul(price)
	}
	if reason := e.risk.Evaluate(risk.Intent{AgentID: o.AgentID, Notional: notional}, now); reason != risk.ReasonNone {
		return Result{}, reason.Err()
	}

	acc.mu.Lock()
	defer acc.mu.Unlock()

	trade := model.Trade{
		ID:              uuid.New(),
		Epoch:           e.epoch.Load(),
		AgentID:         o.AgentID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		RequestedAmount: o.Amount,
		FillPrice:       price,
		RealizedPnL:     decimal.Zero,
		Tags:            model.NormalizeTags(o.Tags),
		QuoteTick:       q.Tick,
		Timestamp:       now,
	}

	switch o.Side {
	case model.SideBuy:
		qty := o.Amount.DivRound(price, quantityPrecision+4).Truncate(quantityPrecision)
		if !qty.IsPositive() {
			return Result{}, exception.ErrInvalidOrder
		}
		cost := qty.Mul(price)
		if cost.GreaterThan(acc.balance) {
			return Result{}, exception.ErrInsufficientBalance
		}
		acc.buyLocked(o.Symbol, qty, cost)
		trade.Quantity = qty
		trade.Cost = cost
	case model.SideSell:
		held := acc.positions[o.Symbol].Quantity
		if held.LessThan(o.Amount) {
			return Result{}, exception.ErrInsufficientPosition
		}
		proceeds := o.Amount.Mul(price)
		trade.RealizedPnL = acc.sellLocked(o.Symbol, o.Amount, proceeds, price)
		trade.Quantity = o.Amount
		trade.Cost = proceeds
	}

	trade.Seq = e.seq.Next()
	acc.trades = append(acc.trades, trade)
	e.record(trade)

	state := acc.stateLocked(false)
	return Result{Trade: trade, Balance: state.Balance, Positions: state.Positions}, nil
}

func (e *Engine) record(t model.Trade) {
	e.logMu.Lock()
	e.epochTrades = append(e.epochTrades, t)
	e.logMu.Unlock()
	if e.sink != nil {
		e.sink.Append(t)
	}
}

// Replay re-applies a journaled trade without pre-trade checks.
func (e *Engine) Replay(t model.Trade) error {
	e.gate.RLock()
	defer e.gate.RUnlock()

	acc, ok := e.ledgers.Account(t.AgentID)
	if !ok {
		return exception.ErrUnknownAccount
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()

	switch t.Side {
	case model.SideBuy:
		if t.Cost.GreaterThan(acc.balance) {
			return exception.ErrInsufficientBalance
		}
		acc.buyLocked(t.Symbol, t.Quantity, t.Cost)
	case model.SideSell:
		if acc.positions[t.Symbol].Quantity.LessThan(t.Quantity) {
			return exception.ErrInsufficientPosition
		}
		acc.sellLocked(t.Symbol, t.Quantity, t.Cost, t.FillPrice)
	default:
		return exception.ErrUnsupportedOrderSide
	}
	acc.trades = append(acc.trades, t)
	e.seq.Advance(t.Seq)
	if t.Epoch == e.epoch.Load() {
		e.logMu.Lock()
		e.epochTrades = append(e.epochTrades, t)
		e.logMu.Unlock()
	}
	return nil
}

// Freeze runs fn while no execution is in flight and none can start.
func (e *Engine) Freeze(fn func()) {
	e.gate.Lock()
	defer e.gate.Unlock()
	fn()
}

// Halt stops order acceptance. Call inside Freeze to also drain in-flight orders.
func (e *Engine) Halt() {
	e.closed.Store(true)
}

// Resume accepts orders again under epoch.
func (e *Engine) Resume(epoch uint64) {
	e.epoch.Store(epoch)
	e.closed.Store(false)
}

func (e *Engine) Halted() bool {
	return e.closed.Load()
}

func (e *Engine) Epoch() uint64 {
	return e.epoch.Load()
}

// SetEpoch sets the epoch number without changing acceptance, used on recovery.
func (e *Engine) SetEpoch(epoch uint64) {
	e.epoch.Store(epoch)
}

// Seq returns the last issued trade sequence.
func (e *Engine) Seq() uint64 {
	return e.seq.Current()
}

// RestoreSeq moves the trade sequence forward to at least seq.
func (e *Engine) RestoreSeq(seq uint64) {
	e.seq.Advance(seq)
}

// EpochTrades returns a copy of the trades executed in the current epoch.
func (e *Engine) EpochTrades() []model.Trade {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	return append([]model.Trade(nil), e.epochTrades...)
}

// DrainTrades returns the current epoch's trades and starts a new log.
func (e *Engine) DrainTrades() []model.Trade {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	out := e.epochTrades
	e.epochTrades = nil
	return out
}

// ResetLedgers refunds every live account to balance and clears its positions.
func (e *Engine) ResetLedgers(balance decimal.Decimal) {
	for _, acc := range e.ledgers.Accounts() {
		acc.mu.Lock()
		acc.resetLocked(balance)
		acc.mu.Unlock()
	}
}

// Forget drops per-agent risk state.
func (e *Engine) Forget(agentIDs ...string) {
	e.risk.Forget(agentIDs...)
}

// MarkToMarket values an account at the given quotes.
func MarkToMarket(acc *Account, quotes map[string]model.Quote) Valuation {
	return acc.Value(model.Marks(quotes))
}

// RejectReason names an execution outcome for metrics and logs.
func RejectReason(err error) string {
	switch {
	case err == nil:
		return "filled"
	case errors.Is(err, exception.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, exception.ErrInsufficientPosition):
		return "insufficient_position"
	case errors.Is(err, exception.ErrStaleQuote):
		return "stale_quote"
	case errors.Is(err, exception.ErrUnknownSymbol):
		return "unknown_symbol"
	case errors.Is(err, exception.ErrEpochClosed):
		return "epoch_closed"
	case errors.Is(err, exception.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, exception.ErrOrderTooLarge):
		return "order_too_large"
	case errors.Is(err, exception.ErrInvalidOrder), errors.Is(err, exception.ErrUnsupportedOrderSide):
		return "invalid_order"
	case errors.Is(err, exception.ErrUnknownAccount):
		return "unknown_account"
	default:
		return "error"
	}
}
