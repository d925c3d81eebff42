package engine

import (
	"sort"
	"sync"

	"arena/internal/model"

	"github.com/shopspring/decimal"
)

// Account is one agent's ledger. Only the engine mutates it.
type Account struct {
	mu sync.Mutex

	agentID         string
	startingBalance decimal.Decimal
	balance         decimal.Decimal
	positions       map[string]model.Position
	trades          []model.Trade
}

// AccountState is a detached copy of an account.
type AccountState struct {
	AgentID         string                    `json:"agent_id"`
	StartingBalance decimal.Decimal           `json:"starting_balance"`
	Balance         decimal.Decimal           `json:"balance"`
	Positions       map[string]model.Position `json:"positions"`
	Trades          []model.Trade             `json:"trades,omitempty"`
}

// NewAccount opens a ledger funded with balance.
func NewAccount(agentID string, balance decimal.Decimal) *Account {
	return &Account{
		agentID:         agentID,
		startingBalance: balance,
		balance:         balance,
		positions:       make(map[string]model.Position),
	}
}

// RestoreAccount rebuilds a ledger from a saved state.
func RestoreAccount(s AccountState) *Account {
	a := &Account{
		agentID:         s.AgentID,
		startingBalance: s.StartingBalance,
		balance:         s.Balance,
		positions:       make(map[string]model.Position, len(s.Positions)),
		trades:          append([]model.Trade(nil), s.Trades...),
	}
	for sym, p := range s.Positions {
		a.positions[sym] = p
	}
	return a
}

func (a *Account) AgentID() string {
	return a.agentID
}

// State returns a copy of the ledger. withTrades controls whether the trade log is copied.
func (a *Account) State(withTrades bool) AccountState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateLocked(withTrades)
}

func (a *Account) stateLocked(withTrades bool) AccountState {
	s := AccountState{
		AgentID:         a.agentID,
		StartingBalance: a.startingBalance,
		Balance:         a.balance,
		Positions:       make(map[string]model.Position, len(a.positions)),
	}
	for sym, p := range a.positions {
		s.Positions[sym] = p
	}
	if withTrades {
		s.Trades = append([]model.Trade(nil), a.trades...)
	}
	return s
}

func (a *Account) Balance() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

// Valuation is an account marked to market.
type Valuation struct {
	Balance     decimal.Decimal
	MarketValue decimal.Decimal
	Equity      decimal.Decimal
	PnL         decimal.Decimal
	PnLPercent  decimal.Decimal // fraction of starting balance, 0.05 is +5%
}

// Value marks every position to marks. A position without a mark is valued at its average cost.
func (a *Account) Value(marks map[string]decimal.Decimal) Valuation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return valueLocked(a.startingBalance, a.balance, a.positions, marks)
}

// Snapshot returns the positions and their valuation read under one lock.
func (a *Account) Snapshot(marks map[string]decimal.Decimal) (AccountState, Valuation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateLocked(false), valueLocked(a.startingBalance, a.balance, a.positions, marks)
}

func valueLocked(starting, balance decimal.Decimal, positions map[string]model.Position, marks map[string]decimal.Decimal) Valuation {
	mv := decimal.Zero
	for sym, p := range positions {
		price, ok := marks[sym]
		if !ok || !price.IsPositive() {
			price = p.AvgCost
		}
		mv = mv.Add(p.Quantity.Mul(price))
	}
	equity := balance.Add(mv)
	pnl := equity.Sub(starting)
	pct := decimal.Zero
	if starting.IsPositive() {
		pct = pnl.Div(starting).Round(6)
	}
	return Valuation{
		Balance:     balance,
		MarketValue: mv,
		Equity:      equity,
		PnL:         pnl,
		PnLPercent:  pct,
	}
}

// Symbols returns the held symbols in sorted order.
func (a *Account) Symbols() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.positions))
	for sym := range a.positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

func (a *Account) buyLocked(symbol string, qty, cost decimal.Decimal) {
	a.balance = a.balance.Sub(cost)
	p := a.positions[symbol]
	total := p.Quantity.Add(qty)
	if total.IsPositive() {
		p.AvgCost = p.Quantity.Mul(p.AvgCost).Add(cost).DivRound(total, quantityPrecision)
	}
	p.Quantity = total
	a.positions[symbol] = p
}

// sellLocked returns the realized pnl of the sale.
func (a *Account) sellLocked(symbol string, qty, proceeds, price decimal.Decimal) decimal.Decimal {
	p := a.positions[symbol]
	realized := price.Sub(p.AvgCost).Mul(qty)
	a.balance = a.balance.Add(proceeds)
	p.Quantity = p.Quantity.Sub(qty)
	if p.Quantity.Sign() <= 0 {
		delete(a.positions, symbol)
	} else {
		a.positions[symbol] = p
	}
	return realized
}

func (a *Account) resetLocked(balance decimal.Decimal) {
	a.startingBalance = balance
	a.balance = balance
	a.positions = make(map[string]model.Position)
	a.trades = nil
}
