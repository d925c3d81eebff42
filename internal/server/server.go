package server

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"arena/internal/arena"
	"arena/pkg/exception"
	"arena/pkg/websocket"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	gorilla "github.com/gorilla/websocket"
	"github.com/yanun0323/logs"
)

const maxBodyBytes = 64 * 1024

// Config holds transport settings.
type Config struct {
	// AdminSecret enables the admin routes when set.
	AdminSecret string
	WS          websocket.Option
}

// Server exposes the arena over REST and websocket.
type Server struct {
	use      *arena.Usecase
	cfg      Config
	mux      *http.ServeMux
	validate *validator.Validate
	upgrader gorilla.Upgrader
}

// New creates a Server with all routes registered.
func New(use *arena.Usecase, cfg Config) *Server {
	s := &Server{
		use:      use,
		cfg:      cfg,
		mux:      http.NewServeMux(),
		validate: validator.New(),
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.use.Metrics().Handler())

	// Agents
	s.mux.HandleFunc("POST /api/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/rotate-key", s.handleRotateKey)
	s.mux.HandleFunc("POST /api/trade", s.handleTrade)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/council/share", s.handleCouncilShare)
	s.mux.HandleFunc("GET /ws", s.handleWS)

	// Public
	s.mux.HandleFunc("GET /api/hive-mind", s.handleHiveMind)
	s.mux.HandleFunc("GET /api/epoch", s.handleEpoch)
	s.mux.HandleFunc("GET /api/epochs", s.handleEpochs)

	// Operators
	s.mux.HandleFunc("POST /api/admin/epoch/close", s.handleAdminCloseEpoch)
	s.mux.HandleFunc("GET /api/admin/llm", s.handleAdminProviders)
	s.mux.HandleFunc("POST /api/admin/llm/{provider}/reset", s.handleAdminResetProvider)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.use.Epochs().Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"epoch":   st.Number,
		"state":   st.State,
		"agents":  s.use.Sessions().Len(),
		"tick":    s.use.Quotes().Book().Tick(),
		"service": "arena",
	})
}

// credentials reads the agent id and key from headers, falling back to the query string.
func credentials(r *http.Request) (agentID, apiKey string) {
	agentID = r.Header.Get("X-Agent-ID")
	apiKey = r.Header.Get("X-API-Key")
	if agentID == "" {
		agentID = r.URL.Query().Get("agent_id")
	}
	if apiKey == "" {
		apiKey = r.URL.Query().Get("api_key")
	}
	return agentID, apiKey
}

// adminAuth writes the error response and returns false unless the request carries the admin secret.
func (s *Server) adminAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.cfg.AdminSecret == "" {
		writeError(w, http.StatusForbidden, "admin routes are disabled")
		return false
	}
	got := r.Header.Get("X-Admin-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "invalid admin secret")
		return false
	}
	return true
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := sonic.ConfigDefault.NewDecoder(body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, "invalid field "+verrs[0].Field()+": "+verrs[0].Tag())
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

// statusOf maps arena errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, exception.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, exception.ErrAgentEliminated):
		return http.StatusForbidden
	case errors.Is(err, exception.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, exception.ErrUnknownAgent), errors.Is(err, exception.ErrUnknownProvider):
		return http.StatusNotFound
	case errors.Is(err, exception.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeFailure(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logs.Errorf("server: request failed, err: %+v", err)
	}
	writeError(w, status, exception.Explain(err))
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := sonic.ConfigDefault.NewEncoder(w).Encode(data); err != nil {
		logs.Errorf("server: encode response, err: %+v", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
