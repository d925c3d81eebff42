package state

import (
	"errors"

	"arena/internal/engine"
	"arena/internal/model"
	"arena/internal/session"
	"arena/pkg/exception"

	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// RecoverConfig names the durable files to rebuild from.
type RecoverConfig struct {
	SnapshotPath string
	JournalPath  string
}

// RecoverResult describes what was rebuilt.
type RecoverResult struct {
	Restored  bool
	Epoch     uint64
	LastSeq   uint64
	Replayed  int
	Skipped   int
	LastEpoch *model.Epoch
}

// Recover loads the snapshot into sessions and eng, then replays journaled
// trades newer than it. Trades of agents that are not live, or of epochs the
// snapshot already closed, are skipped.
func Recover(cfg RecoverConfig, sessions *session.Manager, eng *engine.Engine) (RecoverResult, error) {
	var res RecoverResult

	if cfg.SnapshotPath != "" {
		snap, ok, err := ReadSnapshot(cfg.SnapshotPath)
		if err != nil {
			return RecoverResult{}, err
		}
		if ok {
			if err := sessions.Restore(snap.Sessions, snap.Archived); err != nil {
				return RecoverResult{}, yerrors.Wrap(err, "restore sessions")
			}
			if snap.Epoch > 0 {
				eng.SetEpoch(snap.Epoch)
			}
			eng.RestoreSeq(snap.LastSeq)
			res.Restored = true
			res.LastSeq = snap.LastSeq
			res.LastEpoch = snap.LastEpoch
		}
	}
	res.Epoch = eng.Epoch()

	if cfg.JournalPath == "" {
		return res, nil
	}
	// concurrent agents may journal slightly out of sequence order
	base := res.LastSeq
	err := ReadTrades(cfg.JournalPath, func(t model.Trade) error {
		if t.Seq <= base || t.Epoch < res.Epoch {
			return nil
		}
		if err := eng.Replay(t); err != nil {
			if errors.Is(err, exception.ErrUnknownAccount) {
				res.Skipped++
				return nil
			}
			return yerrors.Wrapf(err, "replay trade %d of %s", t.Seq, t.AgentID)
		}
		res.Replayed++
		if t.Seq > res.LastSeq {
			res.LastSeq = t.Seq
		}
		return nil
	})
	if err != nil {
		return RecoverResult{}, err
	}
	logs.Infof("state: recovered epoch %d, replayed %d trades, skipped %d, last seq %d",
		res.Epoch, res.Replayed, res.Skipped, res.LastSeq)
	return res, nil
}
