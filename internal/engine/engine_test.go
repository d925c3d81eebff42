package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"arena/internal/model"
	"arena/internal/risk"
	"arena/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ledgerMap map[string]*Account

func (l ledgerMap) Account(id string) (*Account, bool) {
	a, ok := l[id]
	return a, ok
}

func (l ledgerMap) Accounts() []*Account {
	out := make([]*Account, 0, len(l))
	for _, a := range l {
		out = append(out, a)
	}
	return out
}

type quoteMap struct {
	mu sync.Mutex
	m  map[string]model.Quote
}

func (q *quoteMap) Quote(sym string) (model.Quote, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	v, ok := q.m[sym]
	return v, ok
}

func (q *quoteMap) set(sym string, price string, tick uint64, ts time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.m[sym] = model.Quote{Symbol: sym, PriceUSD: decimal.RequireFromString(price), Tick: tick, Timestamp: ts}
}

type sinkSlice struct {
	mu     sync.Mutex
	trades []model.Trade
}

func (s *sinkSlice) Append(t model.Trade) {
	s.mu.Lock()
	s.trades = append(s.trades, t)
	s.mu.Unlock()
}

var t0 = time.Unix(1700000000, 0)

func newTestEngine(t *testing.T, balance string, cfg Config) (*Engine, ledgerMap, *quoteMap, *sinkSlice) {
	t.Helper()
	ledgers := ledgerMap{"alice": NewAccount("alice", decimal.RequireFromString(balance))}
	quotes := &quoteMap{m: map[string]model.Quote{}}
	sink := &sinkSlice{}
	e := New(cfg, ledgers, quotes, WithSink(sink), WithClock(func() time.Time { return t0 }))
	return e, ledgers, quotes, sink
}

func buy(agent, sym, amount string) Order {
	return Order{AgentID: agent, Symbol: sym, Side: model.SideBuy, Amount: decimal.RequireFromString(amount)}
}

func sell(agent, sym, amount string) Order {
	return Order{AgentID: agent, Symbol: sym, Side: model.SideSell, Amount: decimal.RequireFromString(amount)}
}

func TestExecuteBuyThenSellRealizesPnL(t *testing.T) {
	e, ledgers, quotes, sink := newTestEngine(t, "1000", Config{FreshnessBound: time.Minute})
	ctx := context.Background()

	quotes.set("X", "2", 1, t0)
	res, err := e.Execute(ctx, buy("alice", "X", "100"))
	require.NoError(t, err)
	assert.True(t, res.Trade.Quantity.Equal(decimal.NewFromInt(50)), res.Trade.Quantity.String())
	assert.True(t, res.Balance.Equal(decimal.NewFromInt(900)))
	assert.Equal(t, uint64(1), res.Trade.QuoteTick)

	quotes.set("X", "2.2", 2, t0)
	res, err = e.Execute(ctx, sell("alice", "X", "50"))
	require.NoError(t, err)
	assert.True(t, res.Balance.Equal(decimal.NewFromInt(1010)), res.Balance.String())
	assert.True(t, res.Trade.RealizedPnL.Equal(decimal.NewFromInt(10)), res.Trade.RealizedPnL.String())
	assert.Empty(t, res.Positions)

	v := ledgers["alice"].Value(nil)
	assert.True(t, v.PnL.Equal(decimal.NewFromInt(10)))
	assert.True(t, v.PnLPercent.Equal(decimal.RequireFromString("0.01")), v.PnLPercent.String())

	require.Len(t, sink.trades, 2)
	assert.Equal(t, uint64(1), sink.trades[0].Seq)
	assert.Equal(t, uint64(2), sink.trades[1].Seq)
	assert.Len(t, e.EpochTrades(), 2)
}

func TestExecuteRejectionsLeaveLedgerUntouched(t *testing.T) {
	e, ledgers, quotes, sink := newTestEngine(t, "100", Config{FreshnessBound: 10 * time.Second})
	ctx := context.Background()
	quotes.set("X", "2", 1, t0)
	quotes.set("OLD", "2", 1, t0.Add(-time.Minute))

	cases := []struct {
		name  string
		order Order
		want  error
	}{
		{"insufficient balance", buy("alice", "X", "100.01"), exception.ErrInsufficientBalance},
		{"insufficient position", sell("alice", "X", "1"), exception.ErrInsufficientPosition},
		{"unknown symbol", buy("alice", "NOPE", "1"), exception.ErrUnknownSymbol},
		{"stale quote", buy("alice", "OLD", "1"), exception.ErrStaleQuote},
		{"zero amount", buy("alice", "X", "0"), exception.ErrInvalidOrder},
		{"unknown side", Order{AgentID: "alice", Symbol: "X", Amount: decimal.NewFromInt(1)}, exception.ErrUnsupportedOrderSide},
		{"unknown account", buy("bob", "X", "1"), exception.ErrUnknownAccount},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Execute(ctx, tc.order)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	st := ledgers["alice"].State(true)
	assert.True(t, st.Balance.Equal(decimal.NewFromInt(100)))
	assert.Empty(t, st.Positions)
	assert.Empty(t, st.Trades)
	assert.Empty(t, sink.trades)
}

func TestExecuteRiskLimits(t *testing.T) {
	e, _, quotes, _ := newTestEngine(t, "1000", Config{Risk: risk.Config{MaxOrderUSD: decimal.NewFromInt(200)}})
	quotes.set("X", "2", 1, t0)

	_, err := e.Execute(context.Background(), buy("alice", "X", "250"))
	assert.ErrorIs(t, err, exception.ErrOrderTooLarge)
	_, err = e.Execute(context.Background(), buy("alice", "X", "200"))
	assert.NoError(t, err)
}

func TestConcurrentOrdersOnlyOneFills(t *testing.T) {
	e, ledgers, quotes, _ := newTestEngine(t, "100", Config{})
	quotes.set("X", "1", 1, t0)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.Execute(context.Background(), buy("alice", "X", "100"))
		}(i)
	}
	wg.Wait()

	filled := 0
	for _, err := range errs {
		if err == nil {
			filled++
			continue
		}
		assert.ErrorIs(t, err, exception.ErrInsufficientBalance)
	}
	assert.Equal(t, 1, filled)
	assert.True(t, ledgers["alice"].Balance().IsZero())
}

func TestRoundTripRestoresBalance(t *testing.T) {
	e, ledgers, quotes, _ := newTestEngine(t, "1000", Config{})
	quotes.set("X", "3", 1, t0)

	res, err := e.Execute(context.Background(), buy("alice", "X", "100"))
	require.NoError(t, err)
	_, err = e.Execute(context.Background(), Order{AgentID: "alice", Symbol: "X", Side: model.SideSell, Amount: res.Trade.Quantity})
	require.NoError(t, err)

	assert.True(t, ledgers["alice"].Balance().Equal(decimal.NewFromInt(1000)), ledgers["alice"].Balance().String())
}

func TestHaltRejectsUntilResume(t *testing.T) {
	e, _, quotes, _ := newTestEngine(t, "1000", Config{})
	quotes.set("X", "2", 1, t0)

	e.Freeze(e.Halt)
	_, err := e.Execute(context.Background(), buy("alice", "X", "10"))
	assert.ErrorIs(t, err, exception.ErrEpochClosed)

	e.Freeze(func() { e.Resume(2) })
	res, err := e.Execute(context.Background(), buy("alice", "X", "10"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Trade.Epoch)
}

func TestFreezeWaitsForInFlightOrders(t *testing.T) {
	e, _, quotes, _ := newTestEngine(t, "1000000", Config{})
	quotes.set("X", "1", 1, t0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = e.Execute(context.Background(), buy("alice", "X", "1"))
			}
		}()
	}

	var drained []model.Trade
	e.Freeze(func() {
		e.Halt()
		drained = e.DrainTrades()
	})
	wg.Wait()

	assert.Equal(t, uint64(len(drained)), e.Seq())
	assert.Empty(t, e.EpochTrades())
}

func TestReplayRebuildsLedger(t *testing.T) {
	e, ledgers, quotes, sink := newTestEngine(t, "1000", Config{})
	quotes.set("X", "2", 1, t0)
	_, err := e.Execute(context.Background(), buy("alice", "X", "100"))
	require.NoError(t, err)
	quotes.set("X", "4", 2, t0)
	_, err = e.Execute(context.Background(), sell("alice", "X", "20"))
	require.NoError(t, err)

	fresh := ledgerMap{"alice": NewAccount("alice", decimal.NewFromInt(1000))}
	replayer := New(Config{}, fresh, &quoteMap{m: map[string]model.Quote{}})
	for _, tr := range sink.trades {
		require.NoError(t, replayer.Replay(tr))
	}

	want := ledgers["alice"].State(false)
	got := fresh["alice"].State(false)
	assert.True(t, want.Balance.Equal(got.Balance))
	assert.True(t, want.Positions["X"].Quantity.Equal(got.Positions["X"].Quantity))
	assert.Equal(t, uint64(2), replayer.Seq())
}

func TestResetLedgers(t *testing.T) {
	e, ledgers, quotes, _ := newTestEngine(t, "1000", Config{})
	quotes.set("X", "2", 1, t0)
	_, err := e.Execute(context.Background(), buy("alice", "X", "100"))
	require.NoError(t, err)

	e.ResetLedgers(decimal.NewFromInt(500))
	st := ledgers["alice"].State(true)
	assert.True(t, st.Balance.Equal(decimal.NewFromInt(500)))
	assert.True(t, st.StartingBalance.Equal(decimal.NewFromInt(500)))
	assert.Empty(t, st.Positions)
	assert.Empty(t, st.Trades)
}

func TestMarkToMarket(t *testing.T) {
	e, ledgers, quotes, _ := newTestEngine(t, "1000", Config{})
	quotes.set("X", "2", 1, t0)
	_, err := e.Execute(context.Background(), buy("alice", "X", "100"))
	require.NoError(t, err)

	v := MarkToMarket(ledgers["alice"], map[string]model.Quote{"X": {PriceUSD: decimal.NewFromInt(3)}})
	assert.True(t, v.Equity.Equal(decimal.NewFromInt(1050)), v.Equity.String())
	assert.True(t, v.PnLPercent.Equal(decimal.RequireFromString("0.05")), v.PnLPercent.String())

	v = MarkToMarket(ledgers["alice"], nil)
	assert.True(t, v.Equity.Equal(decimal.NewFromInt(1000)), v.Equity.String())
}

func TestAccountSnapshotIsConsistent(t *testing.T) {
	e, ledgers, quotes, _ := newTestEngine(t, "1000", Config{})
	quotes.set("X", "2", 1, t0)
	marks := map[string]decimal.Decimal{"X": decimal.NewFromInt(3)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_, _ = e.Execute(context.Background(), buy("alice", "X", "10"))
			_, _ = e.Execute(context.Background(), sell("alice", "X", "5"))
		}
	}()

	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		st, v := ledgers["alice"].Snapshot(marks)
		mv := decimal.Zero
		for _, p := range st.Positions {
			mv = mv.Add(p.Quantity.Mul(marks["X"]))
		}
		require.True(t, st.Balance.Equal(v.Balance), "%s != %s", st.Balance, v.Balance)
		require.True(t, mv.Equal(v.MarketValue), "%s != %s", mv, v.MarketValue)
	}
}

func TestRejectReason(t *testing.T) {
	assert.Equal(t, "filled", RejectReason(nil))
	assert.Equal(t, "stale_quote", RejectReason(exception.ErrStaleQuote))
	assert.Equal(t, "error", RejectReason(context.Canceled))
}
