package quote

import (
	"sync"
	"sync/atomic"
	"time"

	"arena/internal/model"
)

// Snapshot is one published tick. It is never mutated after publication.
type Snapshot struct {
	Tick        uint64
	PublishedAt time.Time
	Quotes      map[string]model.Quote
}

// Book holds the latest snapshot. Readers load it with a single atomic read and
// never observe a partially published tick.
type Book struct {
	writeMu sync.Mutex
	cur     atomic.Pointer[Snapshot]
}

func NewBook() *Book {
	b := &Book{}
	b.cur.Store(&Snapshot{Quotes: map[string]model.Quote{}})
	return b
}

// Publish stamps fresh quotes with the next tick and swaps in a new snapshot.
// Symbols missing from fresh carry their previous quote unchanged.
func (b *Book) Publish(fresh map[string]model.Quote, now time.Time) Snapshot {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	prev := b.cur.Load()
	next := &Snapshot{
		Tick:        prev.Tick + 1,
		PublishedAt: now,
		Quotes:      make(map[string]model.Quote, len(prev.Quotes)+len(fresh)),
	}
	for sym, q := range prev.Quotes {
		next.Quotes[sym] = q
	}
	for sym, q := range fresh {
		q.Symbol = sym
		q.Tick = next.Tick
		if q.Timestamp.IsZero() {
			q.Timestamp = now
		}
		next.Quotes[sym] = q
	}
	b.cur.Store(next)
	return *next
}

// Current returns the latest snapshot. The returned map must not be modified.
func (b *Book) Current() Snapshot {
	return *b.cur.Load()
}

// Quote returns the latest quote of symbol.
func (b *Book) Quote(symbol string) (model.Quote, bool) {
	q, ok := b.cur.Load().Quotes[symbol]
	return q, ok
}

func (b *Book) Tick() uint64 {
	return b.cur.Load().Tick
}
