package obs

import (
	"sync/atomic"
)

// SeqGenerator hands out monotonically increasing sequence numbers.
type SeqGenerator struct {
	next uint64
}

// NewSeqGenerator returns a generator whose first Next is start+1.
func NewSeqGenerator(start uint64) *SeqGenerator {
	return &SeqGenerator{next: start}
}

// Next returns the next sequence number.
func (g *SeqGenerator) Next() uint64 {
	if g == nil {
		return 0
	}
	return atomic.AddUint64(&g.next, 1)
}

// Current returns the last issued sequence number.
func (g *SeqGenerator) Current() uint64 {
	if g == nil {
		return 0
	}
	return atomic.LoadUint64(&g.next)
}

// Advance moves the generator forward to at least seq.
func (g *SeqGenerator) Advance(seq uint64) {
	if g == nil {
		return
	}
	for {
		cur := atomic.LoadUint64(&g.next)
		if seq <= cur || atomic.CompareAndSwapUint64(&g.next, cur, seq) {
			return
		}
	}
}
