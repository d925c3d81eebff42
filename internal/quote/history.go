package quote

import (
	"sync"

	"arena/internal/model"
)

const DefaultHistorySize = 120

type ring struct {
	buf  []model.Quote
	next int
	full bool
}

func (r *ring) add(q model.Quote) {
	r.buf[r.next] = q
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// History keeps the last few quotes of every symbol.
type History struct {
	mu    sync.RWMutex
	size  int
	rings map[string]*ring
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{size: size, rings: make(map[string]*ring)}
}

func (h *History) Add(q model.Quote) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rings[q.Symbol]
	if !ok {
		r = &ring{buf: make([]model.Quote, h.size)}
		h.rings[q.Symbol] = r
	}
	r.add(q)
}

// Recent returns up to n quotes of symbol, oldest first.
func (h *History) Recent(symbol string, n int) []model.Quote {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rings[symbol]
	if !ok || n <= 0 {
		return nil
	}
	l := r.len()
	if n > l {
		n = l
	}
	out := make([]model.Quote, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
