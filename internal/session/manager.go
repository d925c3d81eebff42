package session

import (
	"crypto/sha256"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"arena/internal/engine"
	"arena/internal/model"
	"arena/internal/obs"
	"arena/internal/protocol"
	"arena/pkg/exception"
	"arena/pkg/websocket"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

const (
	DefaultOutboxSize       = 64
	DefaultCriticalWait     = 2 * time.Second
	DefaultHeartbeatTimeout = 60 * time.Second
	maxAgentIDLength        = 64
)

// Config controls session admission and delivery.
type Config struct {
	StartingBalance  decimal.Decimal
	GroupCount       int
	OutboxSize       int
	CriticalWait     time.Duration
	HeartbeatTimeout time.Duration
}

type session struct {
	agentID   string
	groupID   int
	keyHash   [sha256.Size]byte
	account   *engine.Account
	binding   *Binding
	lastSeen  time.Time
	createdAt time.Time
}

// Registration is the answer to Register. APIKey is only set when Created is true.
type Registration struct {
	AgentID string
	APIKey  string
	GroupID int
	Created bool
}

// Archived is the final record of an eliminated agent.
type Archived struct {
	AgentID    string              `json:"agent_id"`
	GroupID    int                 `json:"group_id"`
	Epoch      uint64              `json:"epoch"`
	FinalRank  int                 `json:"final_rank"`
	Final      engine.AccountState `json:"final"`
	ArchivedAt time.Time           `json:"archived_at"`
}

// View is a read-only projection of one agent.
type View struct {
	AgentID   string
	GroupID   int
	Positions map[string]model.Position
	engine.Valuation
}

// Manager owns agent sessions: identity, ledgers and the live channel.
type Manager struct {
	cfg     Config
	metrics *obs.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	sessions  map[string]*session
	archived  map[string]Archived
	nextGroup int
	bindSeq   uint64
}

type Option func(*Manager)

func WithMetrics(m *obs.Metrics) Option {
	return func(mg *Manager) { mg.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(mg *Manager) { mg.now = now }
}

func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.GroupCount <= 0 {
		cfg.GroupCount = 1
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = DefaultOutboxSize
	}
	if cfg.CriticalWait <= 0 {
		cfg.CriticalWait = DefaultCriticalWait
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	m := &Manager{
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[string]*session),
		archived: make(map[string]Archived),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func validAgentID(id string) bool {
	if id == "" || len(id) > maxAgentIDLength || strings.TrimSpace(id) != id {
		return false
	}
	for _, r := range id {
		if r < 0x21 || r > 0x7e {
			return false
		}
	}
	return true
}

// Register creates a session for a new agent and returns its API key once.
// Registering an existing agent returns the existing association without a key.
func (m *Manager) Register(agentID string) (Registration, error) {
	if !validAgentID(agentID) {
		return Registration{}, exception.ErrInvalidArgument
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.archived[agentID]; ok {
		return Registration{}, exception.ErrAgentEliminated
	}
	if s, ok := m.sessions[agentID]; ok {
		return Registration{AgentID: agentID, GroupID: s.groupID}, nil
	}

	key, hash, err := newAPIKey()
	if err != nil {
		return Registration{}, err
	}
	s := &session{
		agentID:   agentID,
		groupID:   m.nextGroup % m.cfg.GroupCount,
		keyHash:   hash,
		account:   engine.NewAccount(agentID, m.cfg.StartingBalance),
		lastSeen:  m.now(),
		createdAt: m.now(),
	}
	m.nextGroup++
	m.sessions[agentID] = s
	logs.Infof("session: registered agent %s in group %d", agentID, s.groupID)
	return Registration{AgentID: agentID, APIKey: key, GroupID: s.groupID, Created: true}, nil
}

// Rotate issues a new API key to an authenticated agent. The old key stops working.
func (m *Manager) Rotate(agentID, apiKey string) (Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.authenticateLocked(agentID, apiKey)
	if err != nil {
		return Registration{}, err
	}
	key, hash, err := newAPIKey()
	if err != nil {
		return Registration{}, err
	}
	s.keyHash = hash
	return Registration{AgentID: agentID, APIKey: key, GroupID: s.groupID}, nil
}

// Authenticate checks an agent's credentials.
func (m *Manager) Authenticate(agentID, apiKey string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, err := m.authenticateLocked(agentID, apiKey)
	return err
}

func (m *Manager) authenticateLocked(agentID, apiKey string) (*session, error) {
	s, ok := m.sessions[agentID]
	if !ok {
		if _, gone := m.archived[agentID]; gone {
			return nil, exception.ErrAgentEliminated
		}
		return nil, exception.ErrAuth
	}
	if apiKey == "" || !keyMatches(s.keyHash, apiKey) {
		return nil, exception.ErrAuth
	}
	return s, nil
}

// Attach authenticates and binds conn as the agent's live channel. A previous
// binding is superseded and closed.
func (m *Manager) Attach(agentID, apiKey string, conn io.Closer) (*Binding, error) {
	m.mu.Lock()
	s, err := m.authenticateLocked(agentID, apiKey)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.bindSeq++
	b := &Binding{
		id:      m.bindSeq,
		agentID: agentID,
		writer:  websocket.NewWriter(m.cfg.OutboxSize, websocket.OverflowDropOldest),
		conn:    conn,
	}
	old := s.binding
	s.binding = b
	s.lastSeen = m.now()
	live := m.liveLocked()
	m.mu.Unlock()

	if old != nil {
		logs.Infof("session: agent %s reconnected, superseding binding %d", agentID, old.id)
		old.close()
	}
	m.metrics.SetLiveAgents(live)
	return b, nil
}

// Detach removes b if it is still the agent's current binding and closes it.
func (m *Manager) Detach(b *Binding) {
	if b == nil {
		return
	}
	m.mu.Lock()
	if s, ok := m.sessions[b.agentID]; ok && s.binding == b {
		s.binding = nil
	}
	live := m.liveLocked()
	m.mu.Unlock()
	b.close()
	m.metrics.SetLiveAgents(live)
}

func (m *Manager) liveLocked() int {
	n := 0
	for _, s := range m.sessions {
		if s.binding != nil {
			n++
		}
	}
	return n
}

// Send delivers msg to one agent's live channel.
func (m *Manager) Send(agentID string, msg protocol.ServerMessage) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	m.mu.RLock()
	s, ok := m.sessions[agentID]
	var b *Binding
	if ok {
		b = s.binding
	}
	m.mu.RUnlock()
	if !ok {
		return exception.ErrUnknownAgent
	}
	if b == nil {
		return exception.ErrNotAttached
	}
	return m.deliver(b, frame)
}

// Broadcast delivers msg to every live channel.
func (m *Manager) Broadcast(msg protocol.ServerMessage) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		logs.Errorf("session: encode broadcast %s, err: %+v", msg.MessageType(), err)
		return
	}
	bindings := m.bindings()
	if protocol.Droppable(frame.Type) {
		for _, b := range bindings {
			_ = m.deliver(b, frame)
		}
		return
	}
	frames := make(map[*Binding]protocol.Frame, len(bindings))
	for _, b := range bindings {
		frames[b] = frame
	}
	m.deliverAll(frames)
}

// SendEach delivers a per-agent message to every live channel; build returns nil to skip an agent.
func (m *Manager) SendEach(build func(agentID string) protocol.ServerMessage) {
	bindings := m.bindings()
	frames := make(map[*Binding]protocol.Frame, len(bindings))
	for _, b := range bindings {
		msg := build(b.agentID)
		if msg == nil {
			continue
		}
		frame, err := protocol.Encode(msg)
		if err != nil {
			logs.Errorf("session: encode %s for %s, err: %+v", msg.MessageType(), b.agentID, err)
			continue
		}
		frames[b] = frame
	}
	m.deliverAll(frames)
}

// deliverAll sends concurrently so one full outbox does not hold up the others.
func (m *Manager) deliverAll(frames map[*Binding]protocol.Frame) {
	var wg sync.WaitGroup
	for b, f := range frames {
		wg.Add(1)
		go func(b *Binding, f protocol.Frame) {
			defer wg.Done()
			_ = m.deliver(b, f)
		}(b, f)
	}
	wg.Wait()
}

func (m *Manager) deliver(b *Binding, frame protocol.Frame) error {
	dropped, err := b.writer.Enqueue(websocket.Frame{Data: frame.Data, Droppable: protocol.Droppable(frame.Type)}, m.cfg.CriticalWait)
	if dropped {
		m.metrics.IncDropped()
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, websocket.ErrQueueFull):
		logs.Errorf("session: agent %s outbox stayed full for %s, disconnecting", b.agentID, m.cfg.CriticalWait)
		m.metrics.IncDisconnect()
		m.Detach(b)
		return exception.ErrSlowConsumer
	default:
		return exception.ErrOutboxClosed
	}
}

func (m *Manager) bindings() []*Binding {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Binding, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.binding != nil {
			out = append(out, s.binding)
		}
	}
	return out
}

// Snapshot projects an agent's ledger valued at marks.
func (m *Manager) Snapshot(agentID string, marks map[string]decimal.Decimal) (View, error) {
	m.mu.RLock()
	s, ok := m.sessions[agentID]
	m.mu.RUnlock()
	if !ok {
		return View{}, exception.ErrUnknownAgent
	}
	st, val := s.account.Snapshot(marks)
	return View{
		AgentID:   agentID,
		GroupID:   s.groupID,
		Positions: st.Positions,
		Valuation: val,
	}, nil
}

// Touch records a heartbeat from the agent.
func (m *Manager) Touch(agentID string) {
	m.mu.Lock()
	if s, ok := m.sessions[agentID]; ok {
		s.lastSeen = m.now()
	}
	m.mu.Unlock()
}

// ReapIdle detaches channels silent for longer than the heartbeat timeout.
// Sessions and ledgers stay; the agent may reattach.
func (m *Manager) ReapIdle(now time.Time) []string {
	m.mu.RLock()
	var idle []*Binding
	for _, s := range m.sessions {
		if s.binding != nil && now.Sub(s.lastSeen) > m.cfg.HeartbeatTimeout {
			idle = append(idle, s.binding)
		}
	}
	m.mu.RUnlock()

	ids := make([]string, 0, len(idle))
	for _, b := range idle {
		logs.Infof("session: agent %s missed heartbeats, detaching", b.agentID)
		m.Detach(b)
		ids = append(ids, b.agentID)
	}
	sort.Strings(ids)
	return ids
}

// Archive moves eliminated agents out of the live set and returns their records.
// Their channels are sealed so messages already queued, such as the epoch result, still go out.
func (m *Manager) Archive(epoch uint64, finalRanks map[string]int) []Archived {
	ids := make([]string, 0, len(finalRanks))
	for id := range finalRanks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	now := m.now()
	var closing []*Binding
	out := make([]Archived, 0, len(ids))

	m.mu.Lock()
	for _, id := range ids {
		s, ok := m.sessions[id]
		if !ok {
			continue
		}
		rec := Archived{
			AgentID:    id,
			GroupID:    s.groupID,
			Epoch:      epoch,
			FinalRank:  finalRanks[id],
			Final:      s.account.State(false),
			ArchivedAt: now,
		}
		m.archived[id] = rec
		delete(m.sessions, id)
		if s.binding != nil {
			closing = append(closing, s.binding)
		}
		out = append(out, rec)
	}
	live := m.liveLocked()
	m.mu.Unlock()

	for _, b := range closing {
		b.seal()
	}
	m.metrics.SetLiveAgents(live)
	return out
}

// IsArchived reports whether agentID was eliminated.
func (m *Manager) IsArchived(agentID string) (Archived, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.archived[agentID]
	return a, ok
}

// Account implements engine.Ledgers.
func (m *Manager) Account(agentID string) (*engine.Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[agentID]
	if !ok {
		return nil, false
	}
	return s.account, true
}

// Accounts implements engine.Ledgers. Accounts are ordered by agent id.
func (m *Manager) Accounts() []*engine.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*engine.Account, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID() < out[j].AgentID() })
	return out
}

// GroupOf returns the agent's group, or -1 when unknown.
func (m *Manager) GroupOf(agentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[agentID]; ok {
		return s.groupID
	}
	if a, ok := m.archived[agentID]; ok {
		return a.GroupID
	}
	return -1
}

// Attached reports whether the agent has a live channel.
func (m *Manager) Attached(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[agentID]
	return ok && s.binding != nil
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
