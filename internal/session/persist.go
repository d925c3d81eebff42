package session

import (
	"sort"
	"time"

	"arena/internal/engine"
)

// Persisted is the durable form of a live session.
type Persisted struct {
	AgentID   string              `json:"agent_id"`
	GroupID   int                 `json:"group_id"`
	KeyHash   string              `json:"key_hash"`
	Account   engine.AccountState `json:"account"`
	CreatedAt int64               `json:"created_at"`
}

// Export returns every live session and every archived agent, ordered by agent id.
func (m *Manager) Export() ([]Persisted, []Archived) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	live := make([]Persisted, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, Persisted{
			AgentID:   s.agentID,
			GroupID:   s.groupID,
			KeyHash:   encodeHash(s.keyHash),
			Account:   s.account.State(true),
			CreatedAt: s.createdAt.UnixNano(),
		})
	}
	sort.Slice(live, func(i, j int) bool { return live[i].AgentID < live[j].AgentID })

	gone := make([]Archived, 0, len(m.archived))
	for _, a := range m.archived {
		gone = append(gone, a)
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i].AgentID < gone[j].AgentID })
	return live, gone
}

// Restore replaces all sessions with saved ones. Channels are not restored.
func (m *Manager) Restore(live []Persisted, gone []Archived) error {
	sessions := make(map[string]*session, len(live))
	for _, p := range live {
		hash, err := decodeHash(p.KeyHash)
		if err != nil {
			return err
		}
		s := &session{
			agentID:  p.AgentID,
			groupID:  p.GroupID,
			keyHash:  hash,
			account:  engine.RestoreAccount(p.Account),
			lastSeen: m.now(),
		}
		if p.CreatedAt > 0 {
			s.createdAt = time.Unix(0, p.CreatedAt).UTC()
		}
		sessions[p.AgentID] = s
	}
	archived := make(map[string]Archived, len(gone))
	for _, a := range gone {
		archived[a.AgentID] = a
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.binding != nil {
			s.binding.close()
		}
	}
	m.sessions = sessions
	m.archived = archived
	m.nextGroup = len(live) + len(gone)
	return nil
}
