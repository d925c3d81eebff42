package epoch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"arena/internal/engine"
	"arena/internal/hive"
	"arena/internal/model"
	"arena/internal/quote"
	"arena/internal/session"
	"arena/pkg/exception"
	"arena/pkg/websocket"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopConn struct{}

func (nopConn) Close() error { return nil }

type flakyRecorder struct {
	mu     sync.Mutex
	fails  int
	saved  []model.Epoch
	agents []session.Archived
}

func (r *flakyRecorder) SaveEpoch(ctx context.Context, e model.Epoch, archived []session.Archived) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("db down")
	}
	r.saved = append(r.saved, e)
	r.agents = append(r.agents, archived...)
	return nil
}

type fixture struct {
	sessions *session.Manager
	engine   *engine.Engine
	book     *quote.Book
	keys     map[string]string
	bindings map[string]*session.Binding
}

func newFixture(t *testing.T, agents ...string) *fixture {
	t.Helper()
	f := &fixture{
		sessions: session.NewManager(session.Config{StartingBalance: decimal.NewFromInt(1000), GroupCount: 2}),
		book:     quote.NewBook(),
		keys:     map[string]string{},
		bindings: map[string]*session.Binding{},
	}
	f.engine = engine.New(engine.Config{}, f.sessions, f.book)
	f.book.Publish(map[string]model.Quote{"X": {PriceUSD: decimal.NewFromInt(2)}}, time.Now())
	for _, id := range agents {
		reg, err := f.sessions.Register(id)
		require.NoError(t, err)
		f.keys[id] = reg.APIKey
		b, err := f.sessions.Attach(id, reg.APIKey, nopConn{})
		require.NoError(t, err)
		f.bindings[id] = b
	}
	return f
}

func (f *fixture) trade(t *testing.T, agent string, side model.Side, amount string, tags ...string) {
	t.Helper()
	_, err := f.engine.Execute(context.Background(), engine.Order{
		AgentID: agent, Symbol: "X", Side: side, Amount: decimal.RequireFromString(amount), Tags: tags,
	})
	require.NoError(t, err)
}

func (f *fixture) frames(agent string) []string {
	var out []string
	w := f.bindings[agent].Writer()
	for w.Len() > 0 {
		fr, ok := w.Next(context.Background())
		if !ok {
			break
		}
		out = append(out, string(fr.Data))
	}
	return out
}

func testConfig() Config {
	return Config{
		Duration:            time.Hour,
		EliminationFraction: 0.25,
		MinSurvivors:        2,
		StartingBalance:     decimal.NewFromInt(1000),
		ResetLedgers:        true,
		Retry:               websocket.Backoff{Min: time.Millisecond, Max: time.Millisecond},
		Hive:                hive.DefaultConfig(),
	}
}

func TestRankTiesBrokenByAgentID(t *testing.T) {
	r := []model.Ranking{
		{AgentID: "charlie", PnLPercent: decimal.NewFromInt(5)},
		{AgentID: "bravo", PnLPercent: decimal.NewFromInt(5)},
		{AgentID: "alpha", PnLPercent: decimal.NewFromInt(-1)},
		{AgentID: "delta", PnLPercent: decimal.NewFromInt(9)},
	}
	Rank(r)
	ids := []string{r[0].AgentID, r[1].AgentID, r[2].AgentID, r[3].AgentID}
	assert.Equal(t, []string{"delta", "bravo", "charlie", "alpha"}, ids)
	assert.Equal(t, 1, r[0].Rank)
	assert.Equal(t, 4, r[3].Rank)
}

func TestEliminate(t *testing.T) {
	ranked := make([]model.Ranking, 10)
	for i := range ranked {
		ranked[i] = model.Ranking{AgentID: string(rune('a' + i)), Rank: i + 1}
	}
	assert.Equal(t, []string{"h", "i", "j"}, Eliminate(ranked, 0.3, 1))
	assert.Equal(t, []string{"j"}, Eliminate(ranked, 0.3, 9))
	assert.Equal(t, []string{}, Eliminate(ranked, 0.3, 10))
	assert.Equal(t, []string{}, Eliminate(ranked, 0.05, 0))
	assert.Equal(t, []string{}, Eliminate(nil, 0.5, 0))
}

func TestTransitions(t *testing.T) {
	assert.NoError(t, transition(StateOpen, StateClosing))
	assert.NoError(t, transition(StateClosing, StateClosing))
	assert.NoError(t, transition(StateClosing, StateClosed))
	assert.NoError(t, transition(StateClosed, StateOpen))
	assert.ErrorIs(t, transition(StateOpen, StateClosed), exception.ErrInvalidTransition)
	assert.ErrorIs(t, transition(StateClosed, StateClosing), exception.ErrInvalidTransition)
}

func TestCloseRanksCullsAndReopens(t *testing.T) {
	f := newFixture(t, "alpha", "bravo", "charlie", "delta")
	rec := &flakyRecorder{}
	var checkpoints int
	o := New(testConfig(), f.engine, f.sessions, f.book,
		WithRecorder(rec),
		WithCheckpoint(func() error { checkpoints++; return nil }),
	)

	// alpha buys low and sells high, delta buys high and sells low
	f.trade(t, "alpha", model.SideBuy, "100", "momentum")
	f.trade(t, "delta", model.SideBuy, "100", "fomo")
	f.book.Publish(map[string]model.Quote{"X": {PriceUSD: decimal.NewFromInt(3)}}, time.Now())
	f.trade(t, "alpha", model.SideSell, "50", "momentum")
	f.book.Publish(map[string]model.Quote{"X": {PriceUSD: decimal.NewFromInt(1)}}, time.Now())
	f.trade(t, "delta", model.SideSell, "50", "fomo")

	closed, err := o.Close(context.Background())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), closed.Number)
	require.Len(t, closed.Rankings, 4)
	assert.Equal(t, "alpha", closed.Rankings[0].AgentID)
	assert.Equal(t, "bravo", closed.Rankings[1].AgentID)
	assert.Equal(t, "charlie", closed.Rankings[2].AgentID)
	assert.Equal(t, "delta", closed.Rankings[3].AgentID)
	assert.Equal(t, []string{"delta"}, closed.Eliminated)
	require.Len(t, closed.Signals, 2)
	assert.Equal(t, "fomo", closed.Signals[0].Tag)
	assert.Equal(t, model.VerdictPenalize, closed.Signals[0].Verdict)

	alpha := f.frames("alpha")
	require.Len(t, alpha, 1)
	assert.Contains(t, alpha[0], `"type":"epoch_end"`)
	assert.Contains(t, alpha[0], `"my_rank":1`)

	delta := f.frames("delta")
	require.Len(t, delta, 2)
	assert.Contains(t, delta[0], `"you_eliminated":true`)
	assert.Contains(t, delta[1], `"type":"hive_patch"`)
	assert.Contains(t, delta[1], `"fomo"`)

	_, ok := f.sessions.Account("delta")
	assert.False(t, ok)
	_, archived := f.sessions.IsArchived("delta")
	assert.True(t, archived)

	require.Len(t, rec.saved, 1)
	require.Len(t, rec.agents, 1)
	assert.Equal(t, "delta", rec.agents[0].AgentID)
	assert.Equal(t, 4, rec.agents[0].FinalRank)

	st := o.Status()
	assert.Equal(t, uint64(2), st.Number)
	assert.Equal(t, StateOpen, st.State)
	assert.Equal(t, uint64(2), f.engine.Epoch())
	assert.False(t, f.engine.Halted())
	assert.Equal(t, 1, checkpoints)

	acc, _ := f.sessions.Account("alpha")
	assert.True(t, acc.Balance().Equal(decimal.NewFromInt(1000)), "ledgers reset for the new epoch")
	assert.Empty(t, f.engine.EpochTrades())

	last, ok := o.Last()
	require.True(t, ok)
	assert.Equal(t, uint64(1), last.Number)
}

func TestCloseRetriesPersistenceWithoutRenotifying(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	rec := &flakyRecorder{fails: 2}
	o := New(testConfig(), f.engine, f.sessions, f.book, WithRecorder(rec))

	_, err := o.Close(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateClosing, o.Status().State)
	assert.True(t, f.engine.Halted())

	_, err = f.engine.Execute(context.Background(), engine.Order{AgentID: "a", Symbol: "X", Side: model.SideBuy, Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, exception.ErrEpochClosed)

	require.NoError(t, o.closeWithRetry(context.Background()))
	assert.Equal(t, StateOpen, o.Status().State)
	require.Len(t, rec.saved, 1)

	frames := f.frames("a")
	epochEnds := 0
	for _, fr := range frames {
		if strings.Contains(fr, `"epoch_end"`) {
			epochEnds++
		}
	}
	assert.Equal(t, 1, epochEnds)
}

func TestRunClosesOnTrigger(t *testing.T) {
	f := newFixture(t, "a", "b")
	o := New(testConfig(), f.engine, f.sessions, f.book)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	o.Trigger()
	require.Eventually(t, func() bool { return o.Status().Number == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("run did not stop after cancel")
	}
}

type stubNarrator struct{}

func (stubNarrator) Commentary(ctx context.Context, e model.Epoch) string {
	return "a quiet epoch"
}

func TestEpochEndCarriesCommentary(t *testing.T) {
	f := newFixture(t, "a", "b")
	o := New(testConfig(), f.engine, f.sessions, f.book, WithNarrator(stubNarrator{}))

	closed, err := o.Close(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a quiet epoch", closed.Commentary)

	msg := EpochEndFor(closed, "b")
	assert.Equal(t, 2, msg.MyRank)
	assert.Equal(t, "a quiet epoch", msg.Commentary)
	assert.False(t, msg.YouLost)
}
