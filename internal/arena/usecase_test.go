package arena

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"arena/internal/engine"
	"arena/internal/epoch"
	"arena/internal/llm"
	"arena/internal/model"
	"arena/internal/quote"
	"arena/internal/session"
	"arena/internal/state"
	"arena/pkg/exception"
	"arena/pkg/websocket"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopConn struct{}

func (nopConn) Close() error { return nil }

func testConfig(dir string) Config {
	return Config{
		Quote: quote.Config{
			Symbols:      []string{"SOL", "BONK"},
			PollInterval: time.Hour,
			FetchTimeout: time.Second,
		},
		Session: session.Config{StartingBalance: decimal.NewFromInt(1000), GroupCount: 2},
		Engine:  engine.Config{FreshnessBound: time.Minute},
		Epoch: epoch.Config{
			Duration:            time.Hour,
			EliminationFraction: 0.5,
			MinSurvivors:        1,
			StartingBalance:     decimal.NewFromInt(1000),
			ResetLedgers:        true,
			Retry:               websocket.Backoff{Min: time.Millisecond, Max: time.Millisecond},
		},
		LLM:          llm.Config{Timeout: time.Second, Attempts: 1, Threshold: 3},
		SnapshotPath: filepath.Join(dir, "arena.json"),
	}
}

func newUsecase(t *testing.T, dir string, providers ...llm.Provider) *Usecase {
	t.Helper()
	src := quote.NewSynthetic("synthetic", 1, map[string]float64{"SOL": 2, "BONK": 0.5}, 0)
	return New(testConfig(dir), Deps{Sources: []quote.Source{src}, Providers: providers})
}

// movingSource quotes whatever price the test last set.
type movingSource struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
}

func (s *movingSource) ID() string { return "moving" }

func (s *movingSource) Fetch(ctx context.Context, symbol string) ([]quote.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prices[symbol]
	if !ok {
		return nil, nil
	}
	return []quote.Pool{{SourceID: s.ID(), PriceUSD: p, Liquidity: decimal.NewFromInt(1_000_000)}}, nil
}

func (s *movingSource) set(symbol, price string) {
	s.mu.Lock()
	s.prices[symbol] = decimal.RequireFromString(price)
	s.mu.Unlock()
}

type frame map[string]any

func drain(t *testing.T, b *session.Binding) []frame {
	t.Helper()
	var out []frame
	w := b.Writer()
	for w.Len() > 0 {
		f, ok := w.Next(context.Background())
		if !ok {
			break
		}
		var m frame
		require.NoError(t, sonic.Unmarshal(f.Data, &m))
		out = append(out, m)
	}
	return out
}

func types(frames []frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, f["type"].(string))
	}
	return out
}

func register(t *testing.T, use *Usecase, id string) string {
	t.Helper()
	reg, err := use.Register(context.Background(), id)
	require.NoError(t, err)
	require.True(t, reg.Created)
	return reg.APIKey
}

func TestTickReachesAttachedAgents(t *testing.T) {
	use := newUsecase(t, t.TempDir())
	key := register(t, use, "alpha")
	b, err := use.Attach("alpha", key, nopConn{})
	require.NoError(t, err)
	assert.Equal(t, []string{"welcome"}, types(drain(t, b)))

	require.True(t, use.Quotes().Tick(context.Background()))
	frames := drain(t, b)
	require.Equal(t, []string{"price_update"}, types(frames))
	assert.EqualValues(t, 1, frames[0]["tick"])
	prices := frames[0]["prices"].(map[string]any)
	assert.Contains(t, prices, "SOL")
	assert.Contains(t, prices, "BONK")
}

func TestTradeOverREST(t *testing.T) {
	use := newUsecase(t, t.TempDir())
	key := register(t, use, "alpha")
	require.True(t, use.Quotes().Tick(context.Background()))

	res, err := use.Trade(context.Background(), "alpha", key, TradeRequest{Symbol: "sol", Side: "buy", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	assert.True(t, res.Quantity.Equal(decimal.NewFromInt(50)))
	assert.True(t, res.Balance.Equal(decimal.NewFromInt(900)))

	res, err = use.Trade(context.Background(), "alpha", key, TradeRequest{Symbol: "SOL", Side: "SELL", Amount: decimal.NewFromInt(80)})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, exception.Explain(exception.ErrInsufficientPosition), res.Message)
	assert.True(t, res.Balance.Equal(decimal.NewFromInt(900)))

	res, err = use.Trade(context.Background(), "alpha", key, TradeRequest{Symbol: "DOGE", Side: "BUY", Amount: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, exception.Explain(exception.ErrUnknownSymbol), res.Message)

	_, err = use.Trade(context.Background(), "alpha", "wrong", TradeRequest{Symbol: "SOL", Side: "BUY", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, exception.ErrAuth)

	st, err := use.Status("alpha", key)
	require.NoError(t, err)
	assert.True(t, st.Balance.Equal(decimal.NewFromInt(900)))
	assert.True(t, st.Equity.Equal(decimal.NewFromInt(1000)))
	assert.Contains(t, st.Positions, "SOL")
}

func TestHandleAgentMessage(t *testing.T) {
	use := newUsecase(t, t.TempDir())
	key := register(t, use, "alpha")
	require.True(t, use.Quotes().Tick(context.Background()))
	b, err := use.Attach("alpha", key, nopConn{})
	require.NoError(t, err)
	drain(t, b)

	ctx := context.Background()
	require.NoError(t, use.HandleAgentMessage(ctx, "alpha", []byte(`{"type":"order","symbol":"SOL","side":"BUY","amount":"100","reason":"trend","tags":["Momentum"]}`)))
	require.NoError(t, use.HandleAgentMessage(ctx, "alpha", []byte(`{"type":"get_state"}`)))
	require.NoError(t, use.HandleAgentMessage(ctx, "alpha", []byte(`{"type":"ping"}`)))
	require.NoError(t, use.HandleAgentMessage(ctx, "alpha", []byte(`{"type":"dance"}`)))
	require.NoError(t, use.HandleAgentMessage(ctx, "alpha", []byte(`not json`)))

	frames := drain(t, b)
	require.Equal(t, []string{"order_result", "state", "pong", "error", "error"}, types(frames))
	assert.Equal(t, true, frames[0]["success"])
	assert.Equal(t, "alpha", frames[1]["agent_id"])
	assert.Equal(t, exception.Explain(exception.ErrUnknownMessageType), frames[3]["message"])

	hive := use.HiveMind()
	assert.Equal(t, uint64(1), hive.Epoch)
	require.Len(t, hive.Groups, 1)
	assert.Equal(t, 1, hive.Groups[0].Trades)
	assert.Empty(t, hive.Signals, "buys realize nothing")
}

func TestOrderReasonTagsReachHive(t *testing.T) {
	src := &movingSource{prices: map[string]decimal.Decimal{"SOL": decimal.NewFromInt(2), "BONK": decimal.RequireFromString("0.5")}}
	use := New(testConfig(t.TempDir()), Deps{Sources: []quote.Source{src}})
	key := register(t, use, "alpha")
	ctx := context.Background()
	require.True(t, use.Quotes().Tick(ctx))
	b, err := use.Attach("alpha", key, nopConn{})
	require.NoError(t, err)
	drain(t, b)

	require.NoError(t, use.HandleAgentMessage(ctx, "alpha", []byte(`{"type":"order","symbol":"SOL","side":"BUY","amount":"100","reason":["Momentum","breakout"]}`)))
	src.set("SOL", "3")
	require.True(t, use.Quotes().Tick(ctx))
	require.NoError(t, use.HandleAgentMessage(ctx, "alpha", []byte(`{"type":"order","symbol":"SOL","side":"SELL","amount":"50","reason":["momentum","breakout"]}`)))
	require.NoError(t, use.HandleAgentMessage(ctx, "alpha", []byte(`{"type":"order","symbol":"SOL","side":"BUY","amount":"10","reason":{"why":"fomo"}}`)))

	frames := drain(t, b)
	require.Equal(t, []string{"order_result", "price_update", "order_result", "error"}, types(frames))
	assert.Equal(t, true, frames[0]["success"], frames[0]["message"])
	assert.Equal(t, true, frames[2]["success"], frames[2]["message"])
	assert.Equal(t, exception.Explain(exception.ErrInvalidOrder), frames[3]["message"])

	trades := use.Engine().EpochTrades()
	require.Len(t, trades, 2)
	assert.Equal(t, []string{"momentum", "breakout"}, trades[0].Tags)
	assert.Equal(t, []string{"momentum", "breakout"}, trades[1].Tags)
	assert.True(t, trades[1].RealizedPnL.Equal(decimal.NewFromInt(50)), trades[1].RealizedPnL.String())

	hive := use.HiveMind()
	require.Len(t, hive.Signals, 2)
	for i, tag := range []string{"breakout", "momentum"} {
		sig := hive.Signals[i]
		assert.Equal(t, tag, sig.Tag)
		assert.Equal(t, model.VerdictReward, sig.Verdict)
		assert.True(t, sig.Contribution.Equal(decimal.NewFromInt(50)), sig.Contribution.String())
		assert.Equal(t, []string{"alpha"}, sig.AffectedAgents)
	}
}

func TestTradeMergesReasonAndTags(t *testing.T) {
	use := newUsecase(t, t.TempDir())
	key := register(t, use, "alpha")
	require.True(t, use.Quotes().Tick(context.Background()))

	res, err := use.Trade(context.Background(), "alpha", key, TradeRequest{
		Symbol: "SOL",
		Side:   "BUY",
		Amount: decimal.NewFromInt(10),
		Reason: []string{"dip", "Volume"},
		Tags:   []string{"volume", "news"},
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	trades := use.Engine().EpochTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, []string{"dip", "volume", "news"}, trades[0].Tags)
}

func TestEpochResultResentOnReattach(t *testing.T) {
	use := newUsecase(t, t.TempDir())
	keys := map[string]string{}
	for _, id := range []string{"alpha", "bravo"} {
		keys[id] = register(t, use, id)
	}
	require.True(t, use.Quotes().Tick(context.Background()))
	res, err := use.Trade(context.Background(), "alpha", keys["alpha"], TradeRequest{Symbol: "SOL", Side: "BUY", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.True(t, res.Success)

	closed, err := use.Epochs().Close(context.Background())
	require.NoError(t, err)
	require.Len(t, closed.Eliminated, 1)
	survivor := closed.Rankings[0].AgentID

	b, err := use.Attach(survivor, keys[survivor], nopConn{})
	require.NoError(t, err)
	frames := drain(t, b)
	require.Equal(t, []string{"welcome", "price_update", "epoch_end"}, types(frames))
	assert.EqualValues(t, 2, frames[0]["epoch"])
	assert.EqualValues(t, 1, frames[2]["my_rank"])

	loser := closed.Eliminated[0]
	_, err = use.Attach(loser, keys[loser], nopConn{})
	assert.ErrorIs(t, err, exception.ErrAgentEliminated)
	_, err = use.Register(context.Background(), loser)
	assert.ErrorIs(t, err, exception.ErrAgentEliminated)

	saved, err := use.Archive().ListEpochs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, saved, 1)
}

func TestCheckpointAndRecover(t *testing.T) {
	dir := t.TempDir()
	j, err := state.OpenJournal(filepath.Join(dir, "trades.jsonl"), 16)
	require.NoError(t, err)
	require.NoError(t, j.Start(context.Background()))

	src := quote.NewSynthetic("synthetic", 1, map[string]float64{"SOL": 2, "BONK": 0.5}, 0)
	use := New(testConfig(dir), Deps{Sources: []quote.Source{src}, Journal: j})
	key := register(t, use, "alpha")
	require.True(t, use.Quotes().Tick(context.Background()))
	for i := 0; i < 3; i++ {
		res, err := use.Trade(context.Background(), "alpha", key, TradeRequest{Symbol: "BONK", Side: "BUY", Amount: decimal.NewFromInt(10)})
		require.NoError(t, err)
		require.True(t, res.Success)
	}
	require.NoError(t, j.Close())

	j2, err := state.OpenJournal(filepath.Join(dir, "trades.jsonl"), 16)
	require.NoError(t, err)
	defer j2.Close()
	restored := New(testConfig(dir), Deps{Sources: []quote.Source{src}, Journal: j2})
	res, err := restored.Recover()
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.Equal(t, 3, res.Replayed)

	st, err := restored.Status("alpha", key)
	require.NoError(t, err)
	assert.True(t, st.Balance.Equal(decimal.NewFromInt(970)))
	assert.True(t, st.Positions["BONK"].Quantity.Equal(decimal.NewFromInt(60)))
}

func TestCouncilShare(t *testing.T) {
	provider := llm.Func{ID: "stub", Fn: func(ctx context.Context, req llm.Request) (string, error) {
		return "7 - solid reasoning", nil
	}}
	use := newUsecase(t, t.TempDir(), provider)
	key := register(t, use, "alpha")

	score, err := use.CouncilShare(context.Background(), "alpha", key, "BONK volume is rising")
	require.NoError(t, err)
	assert.Equal(t, 7, score.Value)

	_, err = use.CouncilShare(context.Background(), "alpha", key, "   ")
	assert.ErrorIs(t, err, exception.ErrInvalidArgument)
}

func TestRunStopsOnCancel(t *testing.T) {
	use := newUsecase(t, t.TempDir())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- use.Run(ctx) }()

	require.Eventually(t, func() bool { return use.Quotes().Book().Tick() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}
