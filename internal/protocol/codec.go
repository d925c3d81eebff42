package protocol

import (
	"bytes"

	"arena/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"
)

// Frame is an encoded server message ready for the wire.
type Frame struct {
	Type Type
	Data []byte
}

// Encode renders msg as {"type": ..., fields...}.
func Encode(msg ServerMessage) (Frame, error) {
	body, err := sonic.Marshal(msg)
	if err != nil {
		return Frame{}, errors.Wrapf(err, "marshal %s", msg.MessageType())
	}
	t := msg.MessageType()
	var buf bytes.Buffer
	buf.Grow(len(body) + len(t) + 12)
	buf.WriteString(`{"type":"`)
	buf.WriteString(string(t))
	buf.WriteByte('"')
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 2 {
		buf.WriteByte(',')
		buf.Write(trimmed[1:])
	} else {
		buf.WriteByte('}')
	}
	return Frame{Type: t, Data: buf.Bytes()}, nil
}

type envelope struct {
	Type Type `json:"type"`
}

// DecodeAgentMessage parses a frame sent by an agent.
func DecodeAgentMessage(data []byte) (AgentMessage, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, errors.Wrapf(exception.ErrInvalidArgument, "unmarshal envelope: %v", err)
	}
	switch env.Type {
	case TypeOrder:
		var o Order
		if err := sonic.Unmarshal(data, &o); err != nil {
			return nil, errors.Wrapf(exception.ErrInvalidOrder, "unmarshal order: %v", err)
		}
		return o, nil
	case TypeGetState:
		return GetState{}, nil
	case TypePing:
		return Ping{}, nil
	default:
		return nil, errors.Wrapf(exception.ErrUnknownMessageType, "type %q", env.Type)
	}
}

// Tags is a list of strategy labels. A bare string decodes as a one-element list.
type Tags []string

func (t *Tags) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*t = nil
		return nil
	case data[0] == '"':
		var s string
		if err := sonic.Unmarshal(data, &s); err != nil {
			return errors.Wrap(err, "unmarshal tag")
		}
		if s == "" {
			*t = nil
			return nil
		}
		*t = Tags{s}
		return nil
	}
	var list []string
	if err := sonic.Unmarshal(data, &list); err != nil {
		return errors.Wrap(err, "unmarshal tags")
	}
	*t = list
	return nil
}
