package session

import (
	"io"
	"sync"

	"arena/pkg/websocket"
)

// Binding is one live channel of an agent. At most one binding per agent is current.
type Binding struct {
	id      uint64
	agentID string
	writer  *websocket.Writer
	conn    io.Closer

	closeOnce sync.Once
}

func (b *Binding) AgentID() string {
	return b.agentID
}

// Writer is the outbox the transport drains.
func (b *Binding) Writer() *websocket.Writer {
	return b.writer
}

// Closed is closed once the binding has been detached or superseded.
func (b *Binding) Closed() <-chan struct{} {
	return b.writer.Done()
}

func (b *Binding) close() {
	b.closeOnce.Do(func() {
		b.writer.Close()
		if b.conn != nil {
			_ = b.conn.Close()
		}
	})
}

// seal lets queued frames drain and then ends the binding; the transport closes the connection.
func (b *Binding) seal() {
	b.writer.Seal()
}
