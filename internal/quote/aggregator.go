package quote

import (
	"context"
	"sync"
	"time"

	"arena/internal/model"
	"arena/internal/obs"
	"arena/pkg/exception"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultFetchTimeout = 2 * time.Second
)

// Config controls polling.
type Config struct {
	Symbols      []string
	PollInterval time.Duration
	FetchTimeout time.Duration
	HistorySize  int
}

// PublishFunc hands a polled set of quotes to the fan-out. It must end up calling Commit.
type PublishFunc func(fresh map[string]model.Quote)

// Aggregator polls every source for every symbol and publishes the best pool per symbol.
type Aggregator struct {
	cfg     Config
	sources []Source
	book    *Book
	history *History
	metrics *obs.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	publish PublishFunc
}

type Option func(*Aggregator)

func WithMetrics(m *obs.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func NewAggregator(cfg Config, sources []Source, opts ...Option) *Aggregator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	a := &Aggregator{
		cfg:     cfg,
		sources: sources,
		book:    NewBook(),
		history: NewHistory(cfg.HistorySize),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Aggregator) Book() *Book {
	return a.book
}

func (a *Aggregator) History() *History {
	return a.history
}

func (a *Aggregator) Symbols() []string {
	return append([]string(nil), a.cfg.Symbols...)
}

// SetPublisher replaces the publish hook. Without one, Run commits directly to the book.
func (a *Aggregator) SetPublisher(fn PublishFunc) {
	a.mu.Lock()
	a.publish = fn
	a.mu.Unlock()
}

type fetchResult struct {
	symbol string
	source int
	pools  []Pool
}

// Poll fetches every symbol from every source concurrently and keeps the most
// liquid pool per symbol. Failed fetches are logged and skipped; a symbol with
// no pool at all is absent from the result.
func (a *Aggregator) Poll(ctx context.Context) map[string]model.Quote {
	results := make(chan fetchResult, len(a.cfg.Symbols)*len(a.sources))
	var wg sync.WaitGroup
	for _, sym := range a.cfg.Symbols {
		for idx, src := range a.sources {
			wg.Add(1)
			go func(sym string, idx int, src Source) {
				defer wg.Done()
				pools, err := a.fetch(ctx, src, sym)
				if err != nil {
					if ctx.Err() == nil {
						logs.Errorf("quote: skip symbol this tick, err: %+v", err)
					}
					return
				}
				results <- fetchResult{symbol: sym, source: idx, pools: pools}
			}(sym, idx, src)
		}
	}
	wg.Wait()
	close(results)

	type candidate struct {
		pool   Pool
		source int
	}
	best := make(map[string]candidate, len(a.cfg.Symbols))
	for r := range results {
		for _, p := range r.pools {
			if !p.PriceUSD.IsPositive() {
				continue
			}
			cur, ok := best[r.symbol]
			if !ok || better(p, r.source, cur.pool, cur.source) {
				best[r.symbol] = candidate{pool: p, source: r.source}
			}
		}
	}

	now := a.now()
	out := make(map[string]model.Quote, len(best))
	for sym, c := range best {
		out[sym] = model.Quote{
			Symbol:         sym,
			PriceUSD:       c.pool.PriceUSD,
			PriceChange24h: c.pool.PriceChange24h,
			Volume24h:      c.pool.Volume24h,
			Liquidity:      c.pool.Liquidity,
			SourceID:       c.pool.SourceID,
			Timestamp:      now,
		}
	}
	return out
}

// better reports whether pool p from source ps beats cur from cs: higher
// liquidity wins, equal liquidity goes to the earlier source.
func better(p Pool, ps int, cur Pool, cs int) bool {
	switch p.Liquidity.Cmp(cur.Liquidity) {
	case 1:
		return true
	case 0:
		return ps < cs
	default:
		return false
	}
}

func (a *Aggregator) fetch(ctx context.Context, src Source, symbol string) ([]Pool, error) {
	fctx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	defer cancel()
	pools, err := src.Fetch(fctx, symbol)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s from %s", symbol, src.ID())
	}
	if len(pools) == 0 {
		return nil, exception.ErrNoPool
	}
	for i := range pools {
		if pools[i].SourceID == "" {
			pools[i].SourceID = src.ID()
		}
	}
	return pools, nil
}

// Commit publishes fresh quotes into the book and history.
func (a *Aggregator) Commit(fresh map[string]model.Quote) Snapshot {
	snap := a.book.Publish(fresh, a.now())
	for sym := range fresh {
		a.history.Add(snap.Quotes[sym])
	}
	return snap
}

// Tick runs one poll and publish cycle. It reports whether anything was published.
func (a *Aggregator) Tick(ctx context.Context) bool {
	start := time.Now()
	fresh := a.Poll(ctx)
	if len(fresh) == 0 {
		if ctx.Err() == nil {
			logs.Errorf("quote: no symbol could be priced this tick, keep previous snapshot")
		}
		return false
	}

	a.mu.RLock()
	publish := a.publish
	a.mu.RUnlock()
	if publish != nil {
		publish(fresh)
	} else {
		a.Commit(fresh)
	}
	a.metrics.ObserveTick(time.Since(start))
	return true
}

// Run polls on PollInterval until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	a.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}
