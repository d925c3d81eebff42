package arena

import (
	"context"
	"strings"

	"arena/internal/protocol"
	"arena/pkg/exception"

	"github.com/yanun0323/logs"
)

// HandleAgentMessage processes one inbound frame from an attached agent and
// queues the reply on its channel. Malformed frames get an error message; the
// returned error is set only when the reply could not be queued.
func (use *Usecase) HandleAgentMessage(ctx context.Context, agentID string, data []byte) error {
	use.sessions.Touch(agentID)

	msg, err := protocol.DecodeAgentMessage(data)
	if err != nil {
		logs.Infof("arena: bad frame from %s, err: %+v", agentID, err)
		return use.sessions.Send(agentID, protocol.Error{Message: exception.Explain(err)})
	}

	var reply protocol.ServerMessage
	switch m := msg.(type) {
	case protocol.Order:
		reply = use.execute(ctx, agentID, TradeRequest{
			Symbol: m.Symbol,
			Side:   m.Side,
			Amount: m.Amount,
			Reason: m.Reason,
			Tags:   m.Tags,
		})
	case protocol.GetState:
		st, err := use.state(agentID)
		if err != nil {
			reply = protocol.Error{Message: exception.Explain(err)}
		} else {
			reply = st
		}
	case protocol.Ping:
		reply = protocol.Pong{}
	default:
		reply = protocol.Error{Message: exception.Explain(exception.ErrUnknownMessageType)}
	}
	return use.sessions.Send(agentID, reply)
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
