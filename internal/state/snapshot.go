package state

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"arena/internal/engine"
	"arena/internal/model"
	"arena/internal/session"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

// Snapshot is the durable arena state at one instant.
type Snapshot struct {
	Timestamp int64               `json:"timestamp"`
	Epoch     uint64              `json:"epoch"`
	LastSeq   uint64              `json:"lastSeq"`
	Sessions  []session.Persisted `json:"sessions"`
	Archived  []session.Archived  `json:"archived"`
	LastEpoch *model.Epoch        `json:"lastEpoch,omitempty"`
}

// Capture reads the arena state. Call it inside engine.Freeze so no trade lands
// between the ledgers and the sequence number.
func Capture(eng *engine.Engine, sessions *session.Manager, last *model.Epoch, now time.Time) Snapshot {
	live, gone := sessions.Export()
	return Snapshot{
		Timestamp: now.UTC().UnixNano(),
		Epoch:     eng.Epoch(),
		LastSeq:   eng.Seq(),
		Sessions:  live,
		Archived:  gone,
		LastEpoch: last,
	}
}

// WriteSnapshot writes snapshot to path through a temporary file and a rename,
// so readers see either the old or the new file.
func WriteSnapshot(path string, snapshot Snapshot) error {
	data, err := sonic.ConfigStd.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create snapshot dir %s", dir)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", tmp)
	}
	return os.Rename(tmp, path)
}

// ReadSnapshot loads a snapshot. ok is false when no snapshot exists yet.
func ReadSnapshot(path string) (snap Snapshot, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, errors.Wrapf(err, "read snapshot %s", path)
	}
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, errors.Wrapf(err, "decode snapshot %s", path)
	}
	return snap, true, nil
}

// CompareSnapshots checks that two snapshots hold the same epoch, agents, balances and positions.
func CompareSnapshots(expected, actual Snapshot) error {
	if expected.Epoch != actual.Epoch {
		return fmt.Errorf("snapshot epoch mismatch: expected=%d actual=%d", expected.Epoch, actual.Epoch)
	}
	if len(expected.Sessions) != len(actual.Sessions) {
		return fmt.Errorf("snapshot session count mismatch: expected=%d actual=%d", len(expected.Sessions), len(actual.Sessions))
	}
	want := make(map[string]engine.AccountState, len(expected.Sessions))
	for _, s := range expected.Sessions {
		want[s.AgentID] = s.Account
	}
	for _, s := range actual.Sessions {
		acc, ok := want[s.AgentID]
		if !ok {
			return fmt.Errorf("snapshot missing agent: %s", s.AgentID)
		}
		if !acc.Balance.Equal(s.Account.Balance) {
			return fmt.Errorf("snapshot balance mismatch: agent=%s expected=%s actual=%s", s.AgentID, acc.Balance, s.Account.Balance)
		}
		if len(acc.Positions) != len(s.Account.Positions) {
			return fmt.Errorf("snapshot position count mismatch: agent=%s expected=%d actual=%d", s.AgentID, len(acc.Positions), len(s.Account.Positions))
		}
		for sym, p := range acc.Positions {
			got, ok := s.Account.Positions[sym]
			if !ok {
				return fmt.Errorf("snapshot missing position: agent=%s symbol=%s", s.AgentID, sym)
			}
			if !p.Quantity.Equal(got.Quantity) || !p.AvgCost.Equal(got.AvgCost) {
				return fmt.Errorf("snapshot position mismatch: agent=%s symbol=%s expected=%s@%s actual=%s@%s",
					s.AgentID, sym, p.Quantity, p.AvgCost, got.Quantity, got.AvgCost)
			}
		}
	}
	return nil
}
