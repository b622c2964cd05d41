package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"grid-trader-go/infrastructure/logger"
	"grid-trader-go/internal/engine"
	"grid-trader-go/order"
)

// Engine 运维接口依赖的引擎操作
type Engine interface {
	Status() engine.Status
	SetTradingEnabled(enabled bool, source string) error
	SetBotState(state string, source string) error
	ResetSymbol(symbol string) (int, error)
	SetSymbolEnabled(symbol string, enabled bool) error
	RemoveOrder(ctx context.Context, id string) error
}

// Server 运维 HTTP 接口：状态查询、交易开关、运行状态、交易对重置与订单删除。
type Server struct {
	engine  Engine
	metrics http.Handler
	health  func() error
	logger  *logger.Logger
	mux     *http.ServeMux
}

const source = "api"

// NewServer 创建运维接口；metrics 为 nil 时不挂载 /metrics，health 为 nil 时 /healthz 恒为 ok。
func NewServer(eng Engine, metrics http.Handler, health func() error, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewNop()
	}
	s := &Server{
		engine:  eng,
		metrics: metrics,
		health:  health,
		logger:  log,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler 返回路由
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /kill-switch", s.handleKillSwitch)
	s.mux.HandleFunc("POST /state", s.handleState)
	s.mux.HandleFunc("POST /symbols/{symbol}/reset", s.handleResetSymbol)
	s.mux.HandleFunc("POST /symbols/{symbol}/enabled", s.handleSymbolEnabled)
	s.mux.HandleFunc("DELETE /orders/{id}", s.handleRemoveOrder)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

type stateRequest struct {
	State string `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.health != nil {
		if err := s.health(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		s.fail(w, r, http.StatusBadRequest, errors.New("field enabled is required"))
		return
	}
	if err := s.engine.SetTradingEnabled(*req.Enabled, source); err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"tradingEnabled": *req.Enabled})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	var req stateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.engine.SetBotState(req.State, source); err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"botState": strings.ToUpper(req.State)})
}

func (s *Server) handleResetSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	n, err := s.engine.ResetSymbol(symbol)
	if err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbol": symbol, "clearedLevels": n})
}

func (s *Server) handleSymbolEnabled(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	var req enabledRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		s.fail(w, r, http.StatusBadRequest, errors.New("field enabled is required"))
		return
	}
	if err := s.engine.SetSymbolEnabled(symbol, *req.Enabled); err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbol": symbol, "enabled": *req.Enabled})
}

func (s *Server) handleRemoveOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.RemoveOrder(r.Context(), id); err != nil {
		s.fail(w, r, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"removed": id})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, code int, err error) {
	s.logger.Warn("Operator request failed",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", code),
		zap.Error(err))
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownSymbol), errors.Is(err, order.ErrUnknownOrder):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidState):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
