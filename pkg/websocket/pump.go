package websocket

import (
	"context"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/yanun0323/errors"
)

// Handler receives inbound traffic of a pumped connection.
type Handler struct {
	// OnMessage is called for every inbound text or binary frame, in order.
	OnMessage func(data []byte)
	// OnActivity is called whenever the peer shows it is alive.
	OnActivity func()
}

// Serve pumps frames from w to conn and inbound frames to h until either side
// stops. It closes conn before returning. The returned error is the read error
// that ended the connection, if any.
func Serve(ctx context.Context, conn *gorilla.Conn, w *Writer, opt Option, h Handler) error {
	opt = opt.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	alive := func() {
		_ = conn.SetReadDeadline(time.Now().Add(opt.ReadTimeout))
		if h.OnActivity != nil {
			h.OnActivity()
		}
	}
	conn.SetReadLimit(opt.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(opt.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		alive()
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer conn.Close()
		writeLoop(ctx, conn, w, opt)
	}()

	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
				readErr = errors.Wrap(err, "read message")
			}
			break
		}
		alive()
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	}
	cancel()
	wg.Wait()
	return readErr
}

func writeLoop(ctx context.Context, conn *gorilla.Conn, w *Writer, opt Option) {
	ping := time.NewTicker(opt.PingInterval)
	defer ping.Stop()

	frames := make(chan Frame)
	go func() {
		defer close(frames)
		for {
			f, ok := w.Next(ctx)
			if !ok {
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				deadline := time.Now().Add(opt.WriteTimeout)
				_ = conn.WriteControl(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseGoingAway, "closed"), deadline)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(opt.WriteTimeout))
			if err := conn.WriteMessage(gorilla.TextMessage, f.Data); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(gorilla.PingMessage, nil, time.Now().Add(opt.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
