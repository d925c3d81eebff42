package server

import (
	"net/http"
	"time"

	"arena/pkg/exception"
	"arena/pkg/websocket"

	gorilla "github.com/gorilla/websocket"
	"github.com/yanun0323/logs"
)

// handleWS authenticates, upgrades and pumps the agent channel until either side goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	agentID, apiKey := credentials(r)
	if err := s.use.Authenticate(agentID, apiKey); err != nil {
		writeFailure(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Errorf("server: upgrade %s, err: %+v", agentID, err)
		return
	}
	b, err := s.use.Attach(agentID, apiKey, conn)
	if err != nil {
		msg := gorilla.FormatCloseMessage(gorilla.ClosePolicyViolation, exception.Explain(err))
		_ = conn.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	ctx := r.Context()
	err = websocket.Serve(ctx, conn, b.Writer(), s.cfg.WS, websocket.Handler{
		OnMessage: func(data []byte) {
			if err := s.use.HandleAgentMessage(ctx, agentID, data); err != nil {
				logs.Errorf("server: reply to %s, err: %+v", agentID, err)
			}
		},
		OnActivity: func() { s.use.Touch(agentID) },
	})
	s.use.Detach(b)
	if err != nil {
		logs.Infof("server: agent %s channel ended, err: %+v", agentID, err)
	}
}
