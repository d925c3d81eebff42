package epoch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"arena/internal/engine"
	"arena/internal/hive"
	"arena/internal/model"
	"arena/internal/obs"
	"arena/internal/protocol"
	"arena/internal/quote"
	"arena/internal/session"
	"arena/pkg/exception"
	"arena/pkg/websocket"

	"github.com/shopspring/decimal"
	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	DefaultDuration          = 10 * time.Minute
	DefaultCommentaryTimeout = 15 * time.Second
)

// Config controls epoch length and the culling rule.
type Config struct {
	Duration time.Duration
	// EliminationFraction of the ranked agents is removed each epoch, rounded down.
	EliminationFraction float64
	// MinSurvivors is never culled below.
	MinSurvivors      int
	StartingBalance   decimal.Decimal
	ResetLedgers      bool
	CommentaryTimeout time.Duration
	Retry             websocket.Backoff
	Hive              hive.Config
}

// Quotes provides the marks used for ranking.
type Quotes interface {
	Current() quote.Snapshot
}

// Narrator writes optional commentary for a closed epoch.
type Narrator interface {
	Commentary(ctx context.Context, e model.Epoch) string
}

// Recorder persists closed epochs and eliminated agents.
type Recorder interface {
	SaveEpoch(ctx context.Context, e model.Epoch, archived []session.Archived) error
}

// Checkpointer saves arena state. It runs at the epoch boundary while order flow is frozen.
type Checkpointer func() error

type pending struct {
	epoch        model.Epoch
	commented    bool
	notified     bool
	archivedDone bool
	archived     []session.Archived
}

// Orchestrator runs the epoch cycle: drain, rank, cull, notify, persist, reopen.
type Orchestrator struct {
	cfg        Config
	engine     *engine.Engine
	sessions   *session.Manager
	quotes     Quotes
	narrator   Narrator
	recorder   Recorder
	checkpoint Checkpointer
	metrics    *obs.Metrics
	now        func() time.Time

	closeMu sync.Mutex
	trigger chan struct{}

	mu        sync.RWMutex
	state     State
	number    uint64
	startedAt time.Time
	last      *model.Epoch
	pending   *pending
}

type Option func(*Orchestrator)

func WithNarrator(n Narrator) Option {
	return func(o *Orchestrator) { o.narrator = n }
}

func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithCheckpoint(c Checkpointer) Option {
	return func(o *Orchestrator) { o.checkpoint = c }
}

func WithMetrics(m *obs.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator whose current epoch is the engine's.
func New(cfg Config, eng *engine.Engine, sessions *session.Manager, quotes Quotes, opts ...Option) *Orchestrator {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultDuration
	}
	if cfg.CommentaryTimeout <= 0 {
		cfg.CommentaryTimeout = DefaultCommentaryTimeout
	}
	if cfg.Retry == (websocket.Backoff{}) {
		cfg.Retry = websocket.DefaultBackoff()
	}
	o := &Orchestrator{
		cfg:      cfg,
		engine:   eng,
		sessions: sessions,
		quotes:   quotes,
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
		state:    StateOpen,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.number = eng.Epoch()
	o.startedAt = o.now()
	return o
}

// Restore sets the current epoch number and the last closed epoch after recovery.
func (o *Orchestrator) Restore(number uint64, last *model.Epoch) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.number = number
	o.last = last
	o.engine.SetEpoch(number)
}

// Status is the current epoch as seen by clients.
type Status struct {
	Number    uint64    `json:"number"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	EndsAt    time.Time `json:"ends_at"`
}

func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Status{
		Number:    o.number,
		State:     o.state,
		StartedAt: o.startedAt,
		EndsAt:    o.startedAt.Add(o.cfg.Duration),
	}
}

// Last returns the most recently closed epoch.
func (o *Orchestrator) Last() (model.Epoch, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return model.Epoch{}, false
	}
	return *o.last, true
}

// Trigger asks Run to close the current epoch now.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// Run closes an epoch every Duration or on Trigger until ctx is done. A failed
// close is retried with backoff. It returns an error only when the next epoch
// cannot be opened.
func (o *Orchestrator) Run(ctx context.Context) error {
	timer := time.NewTimer(o.cfg.Duration)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-o.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		if err := o.closeWithRetry(ctx); err != nil {
			return err
		}
		timer.Reset(o.cfg.Duration)
	}
}

func (o *Orchestrator) closeWithRetry(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		_, err := o.Close(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, exception.ErrEpochOpen) {
			return err
		}
		logs.Errorf("epoch: close attempt %d failed, epoch stays closing, err: %+v", attempt, err)
		if o.cfg.Retry.Sleep(ctx, attempt) != nil {
			return nil
		}
	}
}

// Close ends the current epoch and opens the next one. Steps already done by a
// previous failed attempt are not repeated.
func (o *Orchestrator) Close(ctx context.Context) (model.Epoch, error) {
	o.closeMu.Lock()
	defer o.closeMu.Unlock()

	o.mu.Lock()
	if err := transition(o.state, StateClosing); err != nil {
		o.mu.Unlock()
		return model.Epoch{}, err
	}
	o.state = StateClosing
	p := o.pending
	o.mu.Unlock()

	if p == nil {
		p = o.drain()
		o.mu.Lock()
		o.pending = p
		o.mu.Unlock()
	}

	if !p.commented {
		if o.narrator != nil {
			cctx, cancel := context.WithTimeout(ctx, o.cfg.CommentaryTimeout)
			p.epoch.Commentary = o.narrator.Commentary(cctx, p.epoch)
			cancel()
		}
		p.commented = true
	}

	if !p.notified {
		o.notify(p.epoch)
		p.notified = true
	}

	if !p.archivedDone {
		ranks := make(map[string]int, len(p.epoch.Eliminated))
		for _, id := range p.epoch.Eliminated {
			ranks[id] = p.epoch.RankOf(id)
		}
		p.archived = o.sessions.Archive(p.epoch.Number, ranks)
		o.engine.Forget(p.epoch.Eliminated...)
		p.archivedDone = true
	}

	if o.recorder != nil {
		if err := o.recorder.SaveEpoch(ctx, p.epoch, p.archived); err != nil {
			return model.Epoch{}, yerrors.Wrap(err, "save epoch")
		}
	}

	o.mu.Lock()
	if err := transition(o.state, StateClosed); err != nil {
		o.mu.Unlock()
		return model.Epoch{}, err
	}
	o.state = StateClosed
	closed := p.epoch
	o.last = &closed
	o.pending = nil
	o.mu.Unlock()
	o.metrics.IncEpoch()
	logs.Infof("epoch: %d closed, eliminated %d", closed.Number, len(closed.Eliminated))

	if err := o.open(); err != nil {
		return closed, err
	}
	return closed, nil
}

// drain freezes order flow, collects the epoch's trades and ranks every agent.
func (o *Orchestrator) drain() *pending {
	o.mu.RLock()
	number, startedAt := o.number, o.startedAt
	o.mu.RUnlock()

	var (
		trades   []model.Trade
		rankings []model.Ranking
	)
	o.engine.Freeze(func() {
		o.engine.Halt()
		trades = o.engine.DrainTrades()
		marks := model.Marks(o.quotes.Current().Quotes)
		for _, acc := range o.sessions.Accounts() {
			v := acc.Value(marks)
			rankings = append(rankings, model.Ranking{
				AgentID:    acc.AgentID(),
				Equity:     v.Equity,
				PnLPercent: v.PnLPercent,
			})
		}
	})

	Rank(rankings)
	logs.Infof("epoch: %d closing, ranked %d agents over %d trades", number, len(rankings), len(trades))
	return &pending{
		epoch: model.Epoch{
			Number:     number,
			StartedAt:  startedAt,
			EndedAt:    o.now(),
			Rankings:   rankings,
			Eliminated: Eliminate(rankings, o.cfg.EliminationFraction, o.cfg.MinSurvivors),
			Signals:    o.cfg.Hive.Recompute(number, trades),
		},
	}
}

// Rank orders rankings by pnl percent descending, ties by agent id, and numbers them from 1.
func Rank(rankings []model.Ranking) {
	sort.Slice(rankings, func(i, j int) bool {
		if c := rankings[i].PnLPercent.Cmp(rankings[j].PnLPercent); c != 0 {
			return c > 0
		}
		return rankings[i].AgentID < rankings[j].AgentID
	})
	for i := range rankings {
		rankings[i].Rank = i + 1
	}
}

// Eliminate picks the bottom floor(fraction*n) ranked agents, keeping at least minSurvivors.
func Eliminate(ranked []model.Ranking, fraction float64, minSurvivors int) []string {
	n := len(ranked)
	if n == 0 || fraction <= 0 {
		return []string{}
	}
	k := int(math.Floor(fraction * float64(n)))
	if minSurvivors < 0 {
		minSurvivors = 0
	}
	if n-k < minSurvivors {
		k = n - minSurvivors
	}
	if k <= 0 {
		return []string{}
	}
	out := make([]string, 0, k)
	for _, r := range ranked[n-k:] {
		out = append(out, r.AgentID)
	}
	return out
}

// EpochEndFor builds the epoch result message for one agent.
func EpochEndFor(e model.Epoch, agentID string) protocol.EpochEnd {
	lost := false
	for _, id := range e.Eliminated {
		if id == agentID {
			lost = true
			break
		}
	}
	return protocol.EpochEnd{
		Epoch:      e.Number,
		Rankings:   e.Rankings,
		MyRank:     e.RankOf(agentID),
		Eliminated: e.Eliminated,
		YouLost:    lost,
		Commentary: e.Commentary,
	}
}

func (o *Orchestrator) notify(e model.Epoch) {
	o.sessions.SendEach(func(agentID string) protocol.ServerMessage {
		return EpochEndFor(e, agentID)
	})

	penalties := hive.Penalties(e.Signals)
	if len(penalties) == 0 {
		return
	}
	o.sessions.SendEach(func(agentID string) protocol.ServerMessage {
		tags, ok := penalties[agentID]
		if !ok {
			return nil
		}
		return protocol.HivePatch{
			Epoch:    e.Number,
			Penalize: tags,
			Message:  fmt.Sprintf("strategies tagged %s lost money across the hive this epoch", strings.Join(tags, ", ")),
		}
	})
}

// open resets ledgers and starts the next epoch. Failing here is fatal.
func (o *Orchestrator) open() error {
	o.mu.Lock()
	if err := transition(o.state, StateOpen); err != nil {
		o.mu.Unlock()
		return yerrors.Wrap(exception.ErrEpochOpen, err.Error())
	}
	next := o.number + 1
	o.mu.Unlock()

	var cpErr error
	o.engine.Freeze(func() {
		if o.cfg.ResetLedgers {
			o.engine.ResetLedgers(o.cfg.StartingBalance)
		}
		o.engine.SetEpoch(next)
		if o.checkpoint != nil {
			cpErr = o.checkpoint()
		}
		o.engine.Resume(next)
	})
	if cpErr != nil {
		logs.Errorf("epoch: checkpoint at epoch %d boundary, err: %+v", next, cpErr)
	}

	o.mu.Lock()
	o.state = StateOpen
	o.number = next
	o.startedAt = o.now()
	o.mu.Unlock()
	logs.Infof("epoch: %d open", next)
	return nil
}
