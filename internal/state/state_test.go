package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"arena/internal/engine"
	"arena/internal/model"
	"arena/internal/quote"
	"arena/internal/session"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type arena struct {
	sessions *session.Manager
	engine   *engine.Engine
	book     *quote.Book
}

func newArena(opts ...engine.Option) *arena {
	a := &arena{
		sessions: session.NewManager(session.Config{StartingBalance: decimal.NewFromInt(1000), GroupCount: 3}),
		book:     quote.NewBook(),
	}
	a.engine = engine.New(engine.Config{}, a.sessions, a.book, opts...)
	a.book.Publish(map[string]model.Quote{
		"SOL":  {PriceUSD: decimal.NewFromInt(2)},
		"BONK": {PriceUSD: decimal.RequireFromString("0.5")},
	}, time.Now())
	return a
}

func (a *arena) order(t *testing.T, agent, symbol string, side model.Side, amount string) {
	t.Helper()
	_, err := a.engine.Execute(context.Background(), engine.Order{
		AgentID: agent, Symbol: symbol, Side: side, Amount: decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
}

func (a *arena) capture() Snapshot {
	var snap Snapshot
	a.engine.Freeze(func() {
		snap = Capture(a.engine, a.sessions, nil, time.Now())
	})
	return snap
}

func TestSnapshotWriteRead(t *testing.T) {
	a := newArena()
	_, err := a.sessions.Register("alpha")
	require.NoError(t, err)
	a.order(t, "alpha", "SOL", model.SideBuy, "100")

	last := &model.Epoch{Number: 3, Eliminated: []string{"ghost"}}
	snap := Capture(a.engine, a.sessions, last, time.Now())
	path := filepath.Join(t.TempDir(), "state", "arena.json")
	require.NoError(t, WriteSnapshot(path, snap))

	got, ok, err := ReadSnapshot(path)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.LastSeq, got.LastSeq)
	assert.Equal(t, uint64(1), got.LastSeq)
	require.NotNil(t, got.LastEpoch)
	assert.Equal(t, uint64(3), got.LastEpoch.Number)
	require.NoError(t, CompareSnapshots(snap, got))

	_, ok, err = ReadSnapshot(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCompareSnapshotsMismatch(t *testing.T) {
	a := newArena()
	_, err := a.sessions.Register("alpha")
	require.NoError(t, err)
	before := a.capture()
	a.order(t, "alpha", "SOL", model.SideBuy, "10")
	after := a.capture()

	assert.Error(t, CompareSnapshots(before, after))

	_, err = a.sessions.Register("bravo")
	require.NoError(t, err)
	assert.Error(t, CompareSnapshots(after, a.capture()))
}

func TestRecoverReplaysJournalTail(t *testing.T) {
	dir := t.TempDir()
	snapPath := filepath.Join(dir, "arena.json")
	journalPath := filepath.Join(dir, "trades.jsonl")

	j, err := OpenJournal(journalPath, 16)
	require.NoError(t, err)
	require.NoError(t, j.Start(context.Background()))

	live := newArena(engine.WithSink(j))
	for _, id := range []string{"alpha", "bravo"} {
		_, err := live.sessions.Register(id)
		require.NoError(t, err)
	}
	live.order(t, "alpha", "SOL", model.SideBuy, "100")
	require.NoError(t, WriteSnapshot(snapPath, live.capture()))

	live.order(t, "alpha", "SOL", model.SideSell, "20")
	live.order(t, "bravo", "BONK", model.SideBuy, "50")
	live.order(t, "bravo", "BONK", model.SideSell, "10")
	require.NoError(t, j.Close())
	assert.Zero(t, j.Lost())
	want := live.capture()

	restored := newArena()
	res, err := Recover(RecoverConfig{SnapshotPath: snapPath, JournalPath: journalPath}, restored.sessions, restored.engine)
	require.NoError(t, err)
	assert.True(t, res.Restored)
	assert.Equal(t, 3, res.Replayed)
	assert.Equal(t, uint64(4), res.LastSeq)
	assert.Equal(t, uint64(4), restored.engine.Seq())
	assert.Len(t, restored.engine.EpochTrades(), 3)

	require.NoError(t, CompareSnapshots(want, restored.capture()))
}

func TestRecoverSkipsUnknownAgentsAndClosedEpochs(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "trades.jsonl")

	j, err := OpenJournal(journalPath, 4)
	require.NoError(t, err)
	trade := func(seq, epoch uint64, agent string) model.Trade {
		return model.Trade{
			Seq: seq, Epoch: epoch, AgentID: agent, Symbol: "SOL", Side: model.SideBuy,
			Quantity: decimal.NewFromInt(1), FillPrice: decimal.NewFromInt(2), Cost: decimal.NewFromInt(2),
		}
	}
	j.Append(trade(1, 1, "alpha"))
	j.Append(trade(2, 2, "alpha"))
	j.Append(trade(3, 2, "nobody"))
	require.NoError(t, j.Close())

	a := newArena()
	_, err = a.sessions.Register("alpha")
	require.NoError(t, err)
	a.engine.SetEpoch(2)

	res, err := Recover(RecoverConfig{JournalPath: journalPath}, a.sessions, a.engine)
	require.NoError(t, err)
	assert.False(t, res.Restored)
	assert.Equal(t, 1, res.Replayed)
	assert.Equal(t, 1, res.Skipped)

	acc, ok := a.sessions.Account("alpha")
	require.True(t, ok)
	assert.True(t, acc.Balance().Equal(decimal.NewFromInt(998)))
}

func TestJournalStartTwice(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "t.jsonl"), 1)
	require.NoError(t, err)
	require.NoError(t, j.Start(context.Background()))
	assert.ErrorIs(t, j.Start(context.Background()), ErrJournalStarted)
	require.NoError(t, j.Close())
}
