package exception

import "github.com/yanun0323/errors"

var (
	ErrAuth               = errors.New("session: invalid agent id or api key")
	ErrAgentEliminated    = errors.New("session: agent was eliminated")
	ErrUnknownAgent       = errors.New("session: unknown agent")
	ErrOutboxClosed       = errors.New("session: outbox closed")
	ErrSlowConsumer       = errors.New("session: slow consumer")
	ErrNotAttached        = errors.New("session: agent has no live channel")
	ErrConnectionClose    = errors.New("connection closed")
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
)
