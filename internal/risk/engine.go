package risk

import (
	"sync"
	"time"

	"arena/pkg/exception"

	"github.com/shopspring/decimal"
)

// Reason explains why an order was denied.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonKillSwitch
	ReasonRateLimit
	ReasonMaxNotional
)

func (r Reason) String() string {
	switch r {
	case ReasonKillSwitch:
		return "kill_switch"
	case ReasonRateLimit:
		return "rate_limited"
	case ReasonMaxNotional:
		return "order_too_large"
	default:
		return "none"
	}
}

// Err maps a reason to the order rejection error.
func (r Reason) Err() error {
	switch r {
	case ReasonKillSwitch:
		return exception.ErrEpochClosed
	case ReasonRateLimit:
		return exception.ErrRateLimited
	case ReasonMaxNotional:
		return exception.ErrOrderTooLarge
	default:
		return nil
	}
}

// Config defines pre-trade limits applied to every agent.
type Config struct {
	KillSwitch      bool            `json:"killSwitch"`
	MaxOrderUSD     decimal.Decimal `json:"maxOrderUsd"`
	OrderRateLimit  int             `json:"orderRateLimit"`
	OrderRateWindow time.Duration   `json:"orderRateWindow"`
}

// Intent is the part of an order the risk checks look at.
type Intent struct {
	AgentID  string
	Notional decimal.Decimal
}

type window struct {
	start time.Time
	count int
}

// Engine evaluates risk decisions. Rate windows are tracked per agent.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	windows map[string]*window
}

// NewEngine creates a risk engine with static limits.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg, windows: make(map[string]*window)}
}

// Evaluate applies the limits to an intent at now.
func (e *Engine) Evaluate(intent Intent, now time.Time) Reason {
	if e == nil {
		return ReasonNone
	}
	if e.cfg.KillSwitch {
		return ReasonKillSwitch
	}

	if e.cfg.OrderRateLimit > 0 && e.cfg.OrderRateWindow > 0 {
		e.mu.Lock()
		w, ok := e.windows[intent.AgentID]
		if !ok {
			w = &window{}
			e.windows[intent.AgentID] = w
		}
		if w.start.IsZero() || now.Sub(w.start) >= e.cfg.OrderRateWindow {
			w.start = now
			w.count = 0
		}
		w.count++
		exceeded := w.count > e.cfg.OrderRateLimit
		e.mu.Unlock()
		if exceeded {
			return ReasonRateLimit
		}
	}

	if e.cfg.MaxOrderUSD.IsPositive() && intent.Notional.GreaterThan(e.cfg.MaxOrderUSD) {
		return ReasonMaxNotional
	}

	return ReasonNone
}

// Forget drops rate state for agents that left the arena.
func (e *Engine) Forget(agentIDs ...string) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range agentIDs {
		delete(e.windows, id)
	}
}
