package store

import (
	"context"
	"sort"
	"sync"

	"arena/internal/model"
	"arena/internal/session"
)

// Memory is an Archive held in process memory.
type Memory struct {
	mu         sync.RWMutex
	epochs     map[uint64]model.Epoch
	eliminated map[string]session.Archived
}

func NewMemory() *Memory {
	return &Memory{
		epochs:     make(map[uint64]model.Epoch),
		eliminated: make(map[string]session.Archived),
	}
}

func (m *Memory) SaveEpoch(ctx context.Context, e model.Epoch, archived []session.Archived) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochs[e.Number] = e
	for _, a := range archived {
		m.eliminated[a.AgentID] = a
	}
	return nil
}

func (m *Memory) ListEpochs(ctx context.Context, limit int) ([]model.Epoch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Epoch, 0, len(m.epochs))
	for _, e := range m.epochs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Eliminated(ctx context.Context, agentID string) (session.Archived, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.eliminated[agentID]
	return a, ok, nil
}
