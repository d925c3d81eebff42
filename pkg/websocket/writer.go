package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/errors"
)

var (
	// ErrClosed is returned when enqueuing to a closed writer.
	ErrClosed = errors.New("websocket: writer closed")
	// ErrQueueFull is returned when a frame could not be queued in time.
	ErrQueueFull = errors.New("websocket: outbound queue full")
)

// Writer is a bounded outbound queue for one connection.
//
// Droppable frames never wait: when the queue is full the oldest droppable
// frame is evicted, and if there is none the new frame is discarded. Other
// frames first evict a droppable frame, then wait for space.
type Writer struct {
	capacity int
	policy   OverflowPolicy

	mu     sync.Mutex
	items  []Frame
	closed bool
	sealed bool

	ready chan struct{}
	space chan struct{}
	done  chan struct{}
}

// NewWriter creates a Writer with a bounded queue.
func NewWriter(capacity int, policy OverflowPolicy) *Writer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Writer{
		capacity: capacity,
		policy:   policy,
		items:    make([]Frame, 0, capacity),
		ready:    make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue queues frame. dropped reports that a droppable frame, either an older
// one or frame itself, was discarded. Non droppable frames wait up to wait for
// space and fail with ErrQueueFull afterwards.
func (w *Writer) Enqueue(frame Frame, wait time.Duration) (dropped bool, err error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		w.mu.Lock()
		if w.closed || w.sealed {
			w.mu.Unlock()
			return false, ErrClosed
		}
		if len(w.items) < w.capacity {
			w.items = append(w.items, frame)
			roomLeft := len(w.items) < w.capacity
			w.mu.Unlock()
			w.signal(w.ready)
			if roomLeft {
				// pass the wakeup on to another waiting sender
				w.signal(w.space)
			}
			return dropped, nil
		}
		if w.policy == OverflowDropOldest || !frame.Droppable {
			if w.evictDroppableLocked() {
				w.items = append(w.items, frame)
				w.mu.Unlock()
				w.signal(w.ready)
				return true, nil
			}
		}
		w.mu.Unlock()

		if frame.Droppable || w.policy == OverflowDropNewest {
			return true, nil
		}
		if wait <= 0 {
			return dropped, ErrQueueFull
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		}
		select {
		case <-w.space:
		case <-w.done:
			return false, ErrClosed
		case <-timer.C:
			return dropped, ErrQueueFull
		}
	}
}

func (w *Writer) evictDroppableLocked() bool {
	for i, it := range w.items {
		if it.Droppable {
			copy(w.items[i:], w.items[i+1:])
			w.items[len(w.items)-1] = Frame{}
			w.items = w.items[:len(w.items)-1]
			return true
		}
	}
	return false
}

func (w *Writer) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Next waits for the next outbound frame. It returns false once ctx is done or
// the writer is closed.
func (w *Writer) Next(ctx context.Context) (Frame, bool) {
	for {
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return Frame{}, false
		}
		if len(w.items) > 0 {
			f := w.items[0]
			copy(w.items, w.items[1:])
			w.items[len(w.items)-1] = Frame{}
			w.items = w.items[:len(w.items)-1]
			more := len(w.items) > 0
			if !more && w.sealed {
				w.closeLocked()
			}
			w.mu.Unlock()
			w.signal(w.space)
			if more {
				w.signal(w.ready)
			}
			return f, true
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return Frame{}, false
		case <-w.done:
			return Frame{}, false
		case <-w.ready:
		}
	}
}

// Len returns the number of queued frames.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// Close stops the writer and discards queued frames. It is safe to call more than once.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closeLocked()
}

// Seal rejects new frames and closes the writer once the queued ones are consumed.
func (w *Writer) Seal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.sealed = true
	if len(w.items) == 0 {
		w.closeLocked()
	}
}

func (w *Writer) closeLocked() {
	if w.closed {
		return
	}
	w.closed = true
	w.items = nil
	close(w.done)
}

// Done is closed once the writer is closed.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}
