package websocket

import "time"

// Frame is one encoded outbound message.
type Frame struct {
	Data []byte
	// Droppable frames may be discarded when the queue is full.
	Droppable bool
}

// OverflowPolicy defines queue behavior when full.
type OverflowPolicy uint8

const (
	// OverflowWait blocks until space is available or the wait bound expires.
	OverflowWait OverflowPolicy = iota
	// OverflowDropNewest drops the incoming frame if the queue is full.
	OverflowDropNewest
	// OverflowDropOldest evicts the oldest droppable frame to make room.
	OverflowDropOldest
)

// Backoff defines retry backoff behavior.
type Backoff struct {
	// Min is the minimum backoff duration.
	Min time.Duration
	// Max is the maximum backoff duration.
	Max time.Duration
	// Factor multiplies the delay for each retry attempt.
	Factor float64
	// Jitter adds randomization as a fraction of the delay (0-1).
	Jitter float64
}

// Option configures a connection pump.
type Option struct {
	// PingInterval is how often a ping control frame is written.
	PingInterval time.Duration
	// ReadTimeout closes the connection when nothing, not even a pong, arrives in time.
	ReadTimeout time.Duration
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// MaxMessageSize limits inbound frames.
	MaxMessageSize int64
}

func (o Option) withDefaults() Option {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.ReadTimeout {
		o.PingInterval = o.ReadTimeout * 9 / 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 << 10
	}
	return o
}
