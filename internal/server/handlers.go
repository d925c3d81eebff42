package server

import (
	"net/http"
	"strconv"

	"arena/internal/arena"
	"arena/internal/model"
	"arena/internal/protocol"

	"github.com/shopspring/decimal"
)

type registerRequest struct {
	AgentID string `json:"agent_id" validate:"required,max=64,printascii"`
}

type registerResponse struct {
	AgentID string `json:"agent_id"`
	APIKey  string `json:"api_key,omitempty"`
	GroupID int    `json:"group_id"`
	Created bool   `json:"created"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !s.decode(w, r, &req) {
		return
	}
	reg, err := s.use.Register(r.Context(), req.AgentID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	status := http.StatusOK
	if reg.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, registerResponse{
		AgentID: reg.AgentID,
		APIKey:  reg.APIKey,
		GroupID: reg.GroupID,
		Created: reg.Created,
	})
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	agentID, apiKey := credentials(r)
	reg, err := s.use.RotateKey(agentID, apiKey)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, registerResponse{
		AgentID: reg.AgentID,
		APIKey:  reg.APIKey,
		GroupID: reg.GroupID,
	})
}

type tradeRequest struct {
	Symbol          string          `json:"symbol" validate:"required,max=32"`
	Side            string          `json:"side" validate:"required,oneof=BUY SELL buy sell"`
	Amount          decimal.Decimal `json:"amount"`
	Reason          protocol.Tags   `json:"reason" validate:"max=8,dive,max=64"`
	Tags            protocol.Tags   `json:"tags" validate:"max=8,dive,max=32"`
	Chain           string          `json:"chain" validate:"max=32"`
	ContractAddress string          `json:"contract_address" validate:"max=128"`
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	agentID, apiKey := credentials(r)
	if err := s.use.Authenticate(agentID, apiKey); err != nil {
		writeFailure(w, err)
		return
	}
	var req tradeRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.use.Trade(r.Context(), agentID, apiKey, arena.TradeRequest{
		Symbol: req.Symbol,
		Side:   req.Side,
		Amount: req.Amount,
		Reason: req.Reason,
		Tags:   req.Tags,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agentID, apiKey := credentials(r)
	st, err := s.use.Status(agentID, apiKey)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type shareRequest struct {
	Text string `json:"text" validate:"required,max=4000"`
}

type shareResponse struct {
	Success bool   `json:"success"`
	Score   int    `json:"score"`
	Message string `json:"message"`
}

func (s *Server) handleCouncilShare(w http.ResponseWriter, r *http.Request) {
	agentID, apiKey := credentials(r)
	if err := s.use.Authenticate(agentID, apiKey); err != nil {
		writeFailure(w, err)
		return
	}
	var req shareRequest
	if !s.decode(w, r, &req) {
		return
	}
	score, err := s.use.CouncilShare(r.Context(), agentID, apiKey, req.Text)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, shareResponse{Success: true, Score: score.Value, Message: score.Message})
}

func (s *Server) handleHiveMind(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.use.HiveMind())
}

func (s *Server) handleEpoch(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"current": s.use.Epochs().Status()}
	if last, ok := s.use.Epochs().Last(); ok {
		resp["last"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

const defaultEpochList = 20

func (s *Server) handleEpochs(w http.ResponseWriter, r *http.Request) {
	limit := defaultEpochList
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	epochs, err := s.use.Archive().ListEpochs(r.Context(), limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if epochs == nil {
		epochs = []model.Epoch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"epochs": epochs})
}

func (s *Server) handleAdminCloseEpoch(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	s.use.TriggerEpoch()
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "epoch": s.use.Epochs().Status().Number})
}

func (s *Server) handleAdminProviders(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.use.Providers()})
}

func (s *Server) handleAdminResetProvider(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuth(w, r) {
		return
	}
	if err := s.use.ResetProvider(r.PathValue("provider")); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
