package arena

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"arena/internal/council"
	"arena/internal/engine"
	"arena/internal/epoch"
	"arena/internal/hive"
	"arena/internal/llm"
	"arena/internal/model"
	"arena/internal/obs"
	"arena/internal/protocol"
	"arena/internal/quote"
	"arena/internal/session"
	"arena/internal/state"
	"arena/internal/store"
	"arena/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Config collects the settings of every component.
type Config struct {
	Quote        quote.Config
	Session      session.Config
	Engine       engine.Config
	Epoch        epoch.Config
	LLM          llm.Config
	SnapshotPath string
}

// Deps are the collaborators built outside the arena. Only Sources is required.
type Deps struct {
	Sources   []quote.Source
	Providers []llm.Provider
	Archive   store.Archive
	Journal   *state.Journal
	Metrics   *obs.Metrics
}

// Usecase is the arena: every transport calls into it.
type Usecase struct {
	cfg Config

	metrics  *obs.Metrics
	quotes   *quote.Aggregator
	sessions *session.Manager
	engine   *engine.Engine
	gateway  *llm.Gateway
	council  *council.Council
	epochs   *epoch.Orchestrator
	archive  store.Archive
	journal  *state.Journal

	snapMu      sync.Mutex
	captured    atomic.Uint64
	snapWritten uint64
}

// New builds the arena from cfg and deps.
func New(cfg Config, deps Deps) *Usecase {
	use := &Usecase{
		cfg:     cfg,
		metrics: deps.Metrics,
		archive: deps.Archive,
		journal: deps.Journal,
	}
	if use.metrics == nil {
		use.metrics = obs.NewMetrics()
	}
	if use.archive == nil {
		use.archive = store.NewMemory()
	}

	use.sessions = session.NewManager(cfg.Session, session.WithMetrics(use.metrics))
	use.quotes = quote.NewAggregator(cfg.Quote, deps.Sources, quote.WithMetrics(use.metrics))

	engineOpts := []engine.Option{engine.WithMetrics(use.metrics)}
	if use.journal != nil {
		engineOpts = append(engineOpts, engine.WithSink(use.journal))
	}
	use.engine = engine.New(cfg.Engine, use.sessions, use.quotes.Book(), engineOpts...)

	use.gateway = llm.NewGateway(cfg.LLM, deps.Providers, use.metrics)
	use.council = council.New(use.gateway)
	use.epochs = epoch.New(cfg.Epoch, use.engine, use.sessions, use.quotes.Book(),
		epoch.WithNarrator(use.council),
		epoch.WithRecorder(use.archive),
		epoch.WithCheckpoint(use.checkpointFrozen),
		epoch.WithMetrics(use.metrics),
	)
	use.quotes.SetPublisher(use.PublishTick)
	return use
}

func (use *Usecase) Metrics() *obs.Metrics           { return use.metrics }
func (use *Usecase) Sessions() *session.Manager      { return use.sessions }
func (use *Usecase) Engine() *engine.Engine          { return use.engine }
func (use *Usecase) Epochs() *epoch.Orchestrator     { return use.epochs }
func (use *Usecase) Quotes() *quote.Aggregator       { return use.quotes }
func (use *Usecase) Archive() store.Archive          { return use.archive }
func (use *Usecase) Providers() []llm.ProviderStatus { return use.gateway.Status() }

// Recover rebuilds sessions, ledgers and the epoch counter from the snapshot and trade journal.
func (use *Usecase) Recover() (state.RecoverResult, error) {
	cfg := state.RecoverConfig{SnapshotPath: use.cfg.SnapshotPath}
	if use.journal != nil {
		cfg.JournalPath = use.journal.Path()
	}
	res, err := state.Recover(cfg, use.sessions, use.engine)
	if err != nil {
		return state.RecoverResult{}, err
	}
	use.epochs.Restore(res.Epoch, res.LastEpoch)
	return res, nil
}

// Run starts the quote loop, the heartbeat reaper and the epoch loop, and
// blocks until ctx is done or the next epoch cannot be opened.
func (use *Usecase) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		use.quotes.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		use.reap(ctx)
	}()

	err := use.epochs.Run(ctx)
	cancel()
	wg.Wait()
	return err
}

func (use *Usecase) reap(ctx context.Context) {
	interval := use.cfg.Session.HeartbeatTimeout / 2
	if interval <= 0 {
		interval = session.DefaultHeartbeatTimeout / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			use.sessions.ReapIdle(now)
		}
	}
}

// PublishTick commits a poll to the book and queues it to every agent while
// order flow is frozen, so no order fills against a tick an agent has not been sent.
func (use *Usecase) PublishTick(fresh map[string]model.Quote) {
	use.engine.Freeze(func() {
		snap := use.quotes.Commit(fresh)
		use.sessions.Broadcast(protocol.PriceUpdate{Tick: snap.Tick, Prices: snap.Quotes})
	})
}

// Register creates an agent, or returns the existing association without a key.
func (use *Usecase) Register(ctx context.Context, agentID string) (session.Registration, error) {
	if _, ok, err := use.archive.Eliminated(ctx, agentID); err != nil {
		logs.Errorf("arena: check elimination of %s, err: %+v", agentID, err)
	} else if ok {
		return session.Registration{}, exception.ErrAgentEliminated
	}
	reg, err := use.sessions.Register(agentID)
	if err != nil {
		return session.Registration{}, err
	}
	if reg.Created {
		logs.Infof("arena: agent %s registered in group %d", reg.AgentID, reg.GroupID)
		if err := use.Checkpoint(); err != nil {
			logs.Errorf("arena: checkpoint after registering %s, err: %+v", agentID, err)
		}
	}
	return reg, nil
}

// Authenticate checks an agent's credentials without touching its channel.
func (use *Usecase) Authenticate(agentID, apiKey string) error {
	return use.sessions.Authenticate(agentID, apiKey)
}

// RotateKey issues a new API key to an authenticated agent.
func (use *Usecase) RotateKey(agentID, apiKey string) (session.Registration, error) {
	reg, err := use.sessions.Rotate(agentID, apiKey)
	if err != nil {
		return session.Registration{}, err
	}
	if err := use.Checkpoint(); err != nil {
		logs.Errorf("arena: checkpoint after rotating key of %s, err: %+v", agentID, err)
	}
	return reg, nil
}

// TradeRequest is an order as agents submit it. Reason and Tags are both
// strategy tags.
type TradeRequest struct {
	Symbol string
	Side   string
	Amount decimal.Decimal
	Reason []string
	Tags   []string
}

// Trade authenticates and executes an order. A rejected order is not an
// error: the result carries Success false and the explanation.
func (use *Usecase) Trade(ctx context.Context, agentID, apiKey string, req TradeRequest) (protocol.OrderResult, error) {
	if err := use.sessions.Authenticate(agentID, apiKey); err != nil {
		return protocol.OrderResult{}, err
	}
	use.sessions.Touch(agentID)
	return use.execute(ctx, agentID, req), nil
}

func (use *Usecase) execute(ctx context.Context, agentID string, req TradeRequest) protocol.OrderResult {
	side := model.ParseSide(req.Side)
	res, err := use.engine.Execute(ctx, engine.Order{
		AgentID: agentID,
		Symbol:  normalizeSymbol(req.Symbol),
		Side:    side,
		Amount:  req.Amount,
		Tags:    append(append([]string(nil), req.Reason...), req.Tags...),
	})
	if err != nil {
		out := protocol.OrderResult{Success: false, Message: exception.Explain(err), Symbol: normalizeSymbol(req.Symbol)}
		if side.IsValid() {
			out.Side = side.String()
		}
		if acc, ok := use.sessions.Account(agentID); ok {
			st := acc.State(false)
			out.Balance = st.Balance
			out.Positions = st.Positions
		}
		return out
	}
	t := res.Trade
	return protocol.OrderResult{
		Success:   true,
		Message:   fillMessage(t),
		Symbol:    t.Symbol,
		Side:      t.Side.String(),
		Quantity:  t.Quantity,
		FillPrice: t.FillPrice,
		Balance:   res.Balance,
		Positions: res.Positions,
	}
}

func fillMessage(t model.Trade) string {
	return t.Side.String() + " " + t.Quantity.String() + " " + t.Symbol + " @ " + t.FillPrice.String()
}

// Status authenticates and returns the agent's valued ledger.
func (use *Usecase) Status(agentID, apiKey string) (protocol.State, error) {
	if err := use.sessions.Authenticate(agentID, apiKey); err != nil {
		return protocol.State{}, err
	}
	use.sessions.Touch(agentID)
	return use.state(agentID)
}

func (use *Usecase) state(agentID string) (protocol.State, error) {
	view, err := use.sessions.Snapshot(agentID, model.Marks(use.quotes.Book().Current().Quotes))
	if err != nil {
		return protocol.State{}, err
	}
	return protocol.State{
		AgentID:    view.AgentID,
		GroupID:    view.GroupID,
		Epoch:      use.engine.Epoch(),
		Balance:    view.Balance,
		Positions:  view.Positions,
		Equity:     view.Equity,
		PnL:        view.PnL,
		PnLPercent: view.PnLPercent,
	}, nil
}

// CouncilShare authenticates and scores an insight the agent shares.
func (use *Usecase) CouncilShare(ctx context.Context, agentID, apiKey, text string) (council.Score, error) {
	if err := use.sessions.Authenticate(agentID, apiKey); err != nil {
		return council.Score{}, err
	}
	use.sessions.Touch(agentID)
	return use.council.Share(ctx, agentID, text)
}

// HiveView is the public hive mind summary.
type HiveView struct {
	Epoch    uint64             `json:"epoch"`
	Groups   []hive.GroupStats  `json:"groups"`
	Signals  []model.HiveSignal `json:"signals"`
	Previous []model.HiveSignal `json:"previous"`
}

// HiveMind summarizes the running epoch per group and per tag, plus the verdicts of the last closed epoch.
func (use *Usecase) HiveMind() HiveView {
	number := use.engine.Epoch()
	trades := use.engine.EpochTrades()
	view := HiveView{
		Epoch:    number,
		Groups:   hive.Groups(trades, use.sessions.GroupOf),
		Signals:  use.cfg.Epoch.Hive.Recompute(number, trades),
		Previous: []model.HiveSignal{},
	}
	if last, ok := use.epochs.Last(); ok && last.Signals != nil {
		view.Previous = last.Signals
	}
	return view
}

// Attach binds conn as the agent's live channel and queues the welcome, the
// latest prices and the result of the last closed epoch.
func (use *Usecase) Attach(agentID, apiKey string, conn io.Closer) (*session.Binding, error) {
	b, err := use.sessions.Attach(agentID, apiKey, conn)
	if err != nil {
		return nil, err
	}
	acc, ok := use.sessions.Account(agentID)
	if !ok {
		use.sessions.Detach(b)
		return nil, exception.ErrUnknownAgent
	}
	snap := use.quotes.Book().Current()
	msgs := []protocol.ServerMessage{protocol.Welcome{
		AgentID: agentID,
		GroupID: use.sessions.GroupOf(agentID),
		Balance: acc.Balance(),
		Epoch:   use.engine.Epoch(),
		Tick:    snap.Tick,
	}}
	if snap.Tick > 0 {
		msgs = append(msgs, protocol.PriceUpdate{Tick: snap.Tick, Prices: snap.Quotes})
	}
	if last, ok := use.epochs.Last(); ok && last.RankOf(agentID) > 0 {
		msgs = append(msgs, epoch.EpochEndFor(last, agentID))
	}
	for _, msg := range msgs {
		if err := use.sessions.Send(agentID, msg); err != nil {
			logs.Errorf("arena: send %s to %s on attach, err: %+v", msg.MessageType(), agentID, err)
			break
		}
	}
	logs.Infof("arena: agent %s attached", agentID)
	return b, nil
}

// Detach releases a binding once its transport is gone.
func (use *Usecase) Detach(b *session.Binding) {
	use.sessions.Detach(b)
}

// Touch records agent activity seen by a transport.
func (use *Usecase) Touch(agentID string) {
	use.sessions.Touch(agentID)
}

// TriggerEpoch asks the epoch loop to close the current epoch now.
func (use *Usecase) TriggerEpoch() {
	use.epochs.Trigger()
}

// ResetProvider closes the circuit of an LLM provider.
func (use *Usecase) ResetProvider(name string) error {
	return use.gateway.Reset(name)
}

// Checkpoint writes the arena snapshot. A snapshot older than one already written is discarded.
func (use *Usecase) Checkpoint() error {
	if use.cfg.SnapshotPath == "" {
		return nil
	}
	var (
		snap state.Snapshot
		seq  uint64
	)
	use.engine.Freeze(func() {
		snap, seq = use.capture()
	})
	return use.writeSnapshot(snap, seq)
}

// checkpointFrozen runs inside engine.Freeze at the epoch boundary.
func (use *Usecase) checkpointFrozen() error {
	if use.cfg.SnapshotPath == "" {
		return nil
	}
	snap, seq := use.capture()
	return use.writeSnapshot(snap, seq)
}

func (use *Usecase) capture() (state.Snapshot, uint64) {
	var last *model.Epoch
	if e, ok := use.epochs.Last(); ok {
		last = &e
	}
	return state.Capture(use.engine, use.sessions, last, time.Now()), use.captured.Add(1)
}

func (use *Usecase) writeSnapshot(snap state.Snapshot, seq uint64) error {
	use.snapMu.Lock()
	defer use.snapMu.Unlock()
	if seq <= use.snapWritten {
		return nil
	}
	if err := state.WriteSnapshot(use.cfg.SnapshotPath, snap); err != nil {
		return errors.Wrap(err, "write arena snapshot")
	}
	use.snapWritten = seq
	return nil
}
