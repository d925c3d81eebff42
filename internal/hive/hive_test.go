package hive

import (
	"math/rand"
	"testing"

	"arena/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sellTrade(agent, pnl string, tags ...string) model.Trade {
	return model.Trade{AgentID: agent, Side: model.SideSell, RealizedPnL: decimal.RequireFromString(pnl), Tags: tags}
}

func TestRecompute(t *testing.T) {
	trades := []model.Trade{
		sellTrade("a", "10", "Momentum"),
		sellTrade("b", "-4", "momentum ", "fomo"),
		sellTrade("c", "-7", "FOMO"),
		sellTrade("c", "0", "flat"),
		{AgentID: "d", Side: model.SideBuy, Tags: []string{"momentum"}, RealizedPnL: decimal.NewFromInt(-100)},
	}

	got := DefaultConfig().Recompute(5, trades)
	require.Len(t, got, 2)

	assert.Equal(t, "fomo", got[0].Tag)
	assert.Equal(t, model.VerdictPenalize, got[0].Verdict)
	assert.True(t, got[0].Contribution.Equal(decimal.NewFromInt(-11)))
	assert.Equal(t, []string{"b", "c"}, got[0].AffectedAgents)
	assert.Equal(t, uint64(5), got[0].Epoch)

	assert.Equal(t, "momentum", got[1].Tag)
	assert.Equal(t, model.VerdictReward, got[1].Verdict)
	assert.True(t, got[1].Contribution.Equal(decimal.NewFromInt(6)))
	assert.Equal(t, []string{"a", "b"}, got[1].AffectedAgents)
}

func TestRecomputeThresholds(t *testing.T) {
	cfg := Config{RewardThreshold: decimal.NewFromInt(5), PenaltyThreshold: decimal.NewFromInt(-5)}
	got := cfg.Recompute(1, []model.Trade{
		sellTrade("a", "5", "edge"),
		sellTrade("a", "-5", "other"),
		sellTrade("a", "5.01", "winner"),
	})
	require.Len(t, got, 1)
	assert.Equal(t, "winner", got[0].Tag)
}

func TestRecomputeIsOrderIndependent(t *testing.T) {
	trades := []model.Trade{
		sellTrade("a", "1.5", "x"),
		sellTrade("b", "-3", "y"),
		sellTrade("c", "2", "x", "z"),
		sellTrade("d", "-0.5", "z"),
		sellTrade("e", "-9", "y", "x"),
	}
	want := DefaultConfig().Recompute(2, trades)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]model.Trade(nil), trades...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := DefaultConfig().Recompute(2, shuffled)
		require.Len(t, got, len(want))
		for k := range want {
			assert.Equal(t, want[k].Tag, got[k].Tag)
			assert.Equal(t, want[k].Verdict, got[k].Verdict)
			assert.True(t, want[k].Contribution.Equal(got[k].Contribution))
			assert.Equal(t, want[k].AffectedAgents, got[k].AffectedAgents)
		}
	}
}

func TestPenalties(t *testing.T) {
	signals := []model.HiveSignal{
		{Tag: "b", Verdict: model.VerdictPenalize, AffectedAgents: []string{"x"}},
		{Tag: "a", Verdict: model.VerdictPenalize, AffectedAgents: []string{"x", "y"}},
		{Tag: "c", Verdict: model.VerdictReward, AffectedAgents: []string{"z"}},
	}
	got := Penalties(signals)
	assert.Equal(t, map[string][]string{"x": {"a", "b"}, "y": {"a"}}, got)
}

func TestGroups(t *testing.T) {
	groupOf := map[string]int{"a": 0, "b": 1, "c": 1}
	trades := []model.Trade{
		sellTrade("a", "2", "x"),
		sellTrade("b", "-1", "y"),
		sellTrade("c", "3", "y", "z"),
		sellTrade("ghost", "100", "x"),
		{AgentID: "b", Side: model.SideBuy, Tags: []string{"y"}, RealizedPnL: decimal.Zero},
	}
	got := Groups(trades, func(id string) int {
		if g, ok := groupOf[id]; ok {
			return g
		}
		return -1
	})
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].GroupID)
	assert.Equal(t, 1, got[0].Trades)
	assert.Equal(t, 1, got[1].GroupID)
	assert.Equal(t, 3, got[1].Trades)
	assert.Equal(t, 2, got[1].Agents)
	assert.True(t, got[1].RealizedPnL.Equal(decimal.NewFromInt(2)))
	assert.Equal(t, []string{"y", "z"}, got[1].TopTags)
}
