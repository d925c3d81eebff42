package model

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
)

// Ranking is one agent's standing at the end of an epoch.
type Ranking struct {
	AgentID    string          `json:"agent_id"`
	Rank       int             `json:"rank"`
	Equity     decimal.Decimal `json:"equity"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
}

// Verdict is the hive-mind judgement of a tag.
type Verdict uint8

const (
	VerdictNone Verdict = iota
	VerdictReward
	VerdictPenalize
)

func (v Verdict) String() string {
	switch v {
	case VerdictReward:
		return "reward"
	case VerdictPenalize:
		return "penalize"
	default:
		return "none"
	}
}

func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Verdict) UnmarshalText(b []byte) error {
	switch string(b) {
	case "reward":
		*v = VerdictReward
	case "penalize":
		*v = VerdictPenalize
	case "none", "":
		*v = VerdictNone
	default:
		return errors.Errorf("unknown verdict %q", string(b))
	}
	return nil
}

// HiveSignal is the aggregated outcome of one strategy tag in an epoch.
type HiveSignal struct {
	Epoch          uint64          `json:"epoch"`
	Tag            string          `json:"tag"`
	Contribution   decimal.Decimal `json:"contribution"`
	Verdict        Verdict         `json:"verdict"`
	AffectedAgents []string        `json:"affected_agents"`
}

// Epoch is the closed record of one evaluation period.
type Epoch struct {
	Number     uint64       `json:"number"`
	StartedAt  time.Time    `json:"started_at"`
	EndedAt    time.Time    `json:"ended_at"`
	Rankings   []Ranking    `json:"rankings"`
	Eliminated []string     `json:"eliminated"`
	Signals    []HiveSignal `json:"signals"`
	Commentary string       `json:"commentary,omitempty"`
}

// RankOf returns the 1-based rank of agentID, or 0 when absent.
func (e Epoch) RankOf(agentID string) int {
	for _, r := range e.Rankings {
		if r.AgentID == agentID {
			return r.Rank
		}
	}
	return 0
}
