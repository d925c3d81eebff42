package hive

import (
	"sort"

	"arena/internal/model"

	"github.com/shopspring/decimal"
)

// Config sets the verdict thresholds. A tag whose realized pnl is above
// RewardThreshold is rewarded, below PenaltyThreshold it is penalized.
type Config struct {
	RewardThreshold  decimal.Decimal `json:"rewardThreshold"`
	PenaltyThreshold decimal.Decimal `json:"penaltyThreshold"`
}

// DefaultConfig rewards any net profit and penalizes any net loss.
func DefaultConfig() Config {
	return Config{RewardThreshold: decimal.Zero, PenaltyThreshold: decimal.Zero}
}

type tagAcc struct {
	sum    decimal.Decimal
	agents map[string]struct{}
}

// Recompute aggregates the realized pnl of sell trades per tag.
// The result depends only on trades and is sorted by tag.
func (c Config) Recompute(epoch uint64, trades []model.Trade) []model.HiveSignal {
	acc := make(map[string]*tagAcc)
	for _, t := range trades {
		if t.Side != model.SideSell {
			continue
		}
		for _, tag := range model.NormalizeTags(t.Tags) {
			a, ok := acc[tag]
			if !ok {
				a = &tagAcc{sum: decimal.Zero, agents: make(map[string]struct{})}
				acc[tag] = a
			}
			a.sum = a.sum.Add(t.RealizedPnL)
			a.agents[t.AgentID] = struct{}{}
		}
	}

	tags := make([]string, 0, len(acc))
	for tag := range acc {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	out := make([]model.HiveSignal, 0, len(tags))
	for _, tag := range tags {
		a := acc[tag]
		var verdict model.Verdict
		switch {
		case a.sum.GreaterThan(c.RewardThreshold):
			verdict = model.VerdictReward
		case a.sum.LessThan(c.PenaltyThreshold):
			verdict = model.VerdictPenalize
		default:
			continue
		}
		agents := make([]string, 0, len(a.agents))
		for id := range a.agents {
			agents = append(agents, id)
		}
		sort.Strings(agents)
		out = append(out, model.HiveSignal{
			Epoch:          epoch,
			Tag:            tag,
			Contribution:   a.sum,
			Verdict:        verdict,
			AffectedAgents: agents,
		})
	}
	return out
}

// Penalties maps every agent to the tags penalized for it, tags sorted.
func Penalties(signals []model.HiveSignal) map[string][]string {
	out := make(map[string][]string)
	for _, s := range signals {
		if s.Verdict != model.VerdictPenalize {
			continue
		}
		for _, id := range s.AffectedAgents {
			out[id] = append(out[id], s.Tag)
		}
	}
	for id := range out {
		sort.Strings(out[id])
	}
	return out
}

// GroupStats summarizes one group's activity.
type GroupStats struct {
	GroupID     int             `json:"group_id"`
	Trades      int             `json:"trades"`
	Agents      int             `json:"agents"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	TopTags     []string        `json:"top_tags"`
}

const topTagCount = 3

// Groups summarizes trades per agent group. groupOf returns -1 for agents without a group.
func Groups(trades []model.Trade, groupOf func(agentID string) int) []GroupStats {
	type groupAcc struct {
		trades int
		agents map[string]struct{}
		pnl    decimal.Decimal
		tags   map[string]int
	}
	groups := make(map[int]*groupAcc)
	for _, t := range trades {
		g := groupOf(t.AgentID)
		if g < 0 {
			continue
		}
		a, ok := groups[g]
		if !ok {
			a = &groupAcc{agents: make(map[string]struct{}), pnl: decimal.Zero, tags: make(map[string]int)}
			groups[g] = a
		}
		a.trades++
		a.agents[t.AgentID] = struct{}{}
		a.pnl = a.pnl.Add(t.RealizedPnL)
		for _, tag := range model.NormalizeTags(t.Tags) {
			a.tags[tag]++
		}
	}

	ids := make([]int, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]GroupStats, 0, len(ids))
	for _, id := range ids {
		a := groups[id]
		tags := make([]string, 0, len(a.tags))
		for tag := range a.tags {
			tags = append(tags, tag)
		}
		sort.Slice(tags, func(i, j int) bool {
			if a.tags[tags[i]] != a.tags[tags[j]] {
				return a.tags[tags[i]] > a.tags[tags[j]]
			}
			return tags[i] < tags[j]
		})
		if len(tags) > topTagCount {
			tags = tags[:topTagCount]
		}
		out = append(out, GroupStats{
			GroupID:     id,
			Trades:      a.trades,
			Agents:      len(a.agents),
			RealizedPnL: a.pnl,
			TopTags:     tags,
		})
	}
	return out
}
