// Package api exposes the queue engine's operation contracts over HTTP
// plus the websocket event stream and the dashboard log view.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/qdesk-io/qdesk/internal/dispatch"
	"github.com/qdesk-io/qdesk/internal/logbuf"
	"github.com/qdesk-io/qdesk/internal/store"
	"github.com/qdesk-io/qdesk/pkg/protocol"
)

// LogQuerier abstracts log entry querying.
type LogQuerier interface {
	Query(since time.Time, minLevel slog.Level, limit int) []logbuf.Entry
}

// WindowView is one row of the staffing dashboard: the window, whoever
// holds it this shift, and the ticket it is serving.
type WindowView struct {
	Window     *protocol.Window     `json:"window"`
	Assignment *protocol.Assignment `json:"assignment,omitempty"`
	Ticket     *protocol.Ticket     `json:"ticket,omitempty"`
}

// Service is the interface the API server needs from the engine.
type Service interface {
	ClaimWindow(windowID, staffID string, shift protocol.ShiftTag) (*protocol.Assignment, error)
	ReleaseWindow(windowID, staffID string, shift protocol.ShiftTag) (*store.Release, error)
	Heartbeat(windowID, staffID string) error
	CallNext(windowID, staffID string) (*protocol.Ticket, error)
	CreateTicket(t protocol.TicketType, services []string) (*protocol.Ticket, error)
	SetRequestStatus(ticketID, requestID string, status protocol.RequestStatus, windowID, staffID string) (*protocol.ServiceRequest, error)
	FinalizeTicket(ticketID, windowID string) (*protocol.Ticket, error)
	ReopenTicket(ticketID, windowID, staffID string) (*protocol.Ticket, error)
	GetTicket(id string) (*protocol.Ticket, error)
	WaitingQueue() ([]*protocol.Ticket, error)
	DeferredQueue() ([]*protocol.Ticket, error)
	Windows() ([]WindowView, error)
	OpenSession(date string) (*protocol.Session, error)
	CloseSession() (*protocol.Session, error)
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Server is the qdesk HTTP server.
type Server struct {
	svc    Service
	cfg    Config
	logger *slog.Logger
	logs   LogQuerier
	srv    *http.Server
}

// NewServer creates the server. ws handles GET /api/ws (may be nil in
// tests); logs may be nil.
func NewServer(svc Service, cfg Config, ws http.HandlerFunc, logger *slog.Logger, logs LogQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, cfg: cfg, logger: logger, logs: logs}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/queue", s.requireAuth(s.handleQueue))
	mux.HandleFunc("GET /api/queue/deferred", s.requireAuth(s.handleDeferred))
	mux.HandleFunc("GET /api/windows", s.requireAuth(s.handleWindows))
	mux.HandleFunc("GET /api/tickets/{id}", s.requireAuth(s.handleGetTicket))
	mux.HandleFunc("POST /api/tickets", s.requireAuth(s.handleCreateTicket))
	mux.HandleFunc("POST /api/windows/{id}/claim", s.requireAuth(s.handleClaim))
	mux.HandleFunc("POST /api/windows/{id}/release", s.requireAuth(s.handleRelease))
	mux.HandleFunc("POST /api/windows/{id}/heartbeat", s.requireAuth(s.handleHeartbeat))
	mux.HandleFunc("POST /api/windows/{id}/next", s.requireAuth(s.handleNext))
	mux.HandleFunc("POST /api/tickets/{id}/requests/{rid}", s.requireAuth(s.handleRequestStatus))
	mux.HandleFunc("POST /api/tickets/{id}/finalize", s.requireAuth(s.handleFinalize))
	mux.HandleFunc("POST /api/tickets/{id}/reopen", s.requireAuth(s.handleReopen))
	mux.HandleFunc("POST /api/sessions/open", s.requireAuth(s.handleOpenSession))
	mux.HandleFunc("POST /api/sessions/close", s.requireAuth(s.handleCloseSession))
	mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))
	if ws != nil {
		mux.HandleFunc("GET /api/ws", s.requireAuth(ws))
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	tickets, err := s.svc.WaitingQueue()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tickets == nil {
		tickets = []*protocol.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleDeferred(w http.ResponseWriter, _ *http.Request) {
	tickets, err := s.svc.DeferredQueue()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tickets == nil {
		tickets = []*protocol.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleWindows(w http.ResponseWriter, _ *http.Request) {
	views, err := s.svc.Windows()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTicket(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type createTicketRequest struct {
	Type     protocol.TicketType `json:"type"`
	Services []string            `json:"services"`
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Type != protocol.TypePriority && req.Type != protocol.TypeRegular {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type must be priority or regular"})
		return
	}
	if len(req.Services) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at least one service is required"})
		return
	}
	t, err := s.svc.CreateTicket(req.Type, req.Services)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type windowRequest struct {
	StaffID string            `json:"staff_id"`
	Shift   protocol.ShiftTag `json:"shift,omitempty"`
}

func decodeWindowRequest(r *http.Request) (windowRequest, error) {
	var req windowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid JSON")
	}
	if req.StaffID == "" {
		return req, fmt.Errorf("staff_id is required")
	}
	if req.Shift == "" {
		req.Shift = protocol.CurrentShift(time.Now())
	}
	return req, nil
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	req, err := decodeWindowRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	a, err := s.svc.ClaimWindow(r.PathValue("id"), req.StaffID, req.Shift)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	req, err := decodeWindowRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	rel, err := s.svc.ReleaseWindow(r.PathValue("id"), req.StaffID, req.Shift)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeWindowRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.svc.Heartbeat(r.PathValue("id"), req.StaffID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	req, err := decodeWindowRequest(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	t, err := s.svc.CallNext(r.PathValue("id"), req.StaffID)
	if errors.Is(err, dispatch.ErrEmptyQueue) {
		// An empty queue is a result, not an error.
		writeJSON(w, http.StatusOK, map[string]string{"status": "empty"})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type requestStatusRequest struct {
	Status   protocol.RequestStatus `json:"status"`
	WindowID string                 `json:"window_id"`
	StaffID  string                 `json:"staff_id"`
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	var req requestStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	sr, err := s.svc.SetRequestStatus(r.PathValue("id"), r.PathValue("rid"), req.Status, req.WindowID, req.StaffID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sr)
}

type ticketWindowRequest struct {
	WindowID string `json:"window_id"`
	StaffID  string `json:"staff_id,omitempty"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req ticketWindowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	t, err := s.svc.FinalizeTicket(r.PathValue("id"), req.WindowID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleReopen(w http.ResponseWriter, r *http.Request) {
	var req ticketWindowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	t, err := s.svc.ReopenTicket(r.PathValue("id"), req.WindowID, req.StaffID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type openSessionRequest struct {
	Date string `json:"date"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if req.Date == "" {
		req.Date = time.Now().Format("2006-01-02")
	}
	sess, err := s.svc.OpenSession(req.Date)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, _ *http.Request) {
	sess, err := s.svc.CloseSession()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	limit := 200
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	minLevel := slog.LevelDebug
	switch strings.ToLower(r.URL.Query().Get("level")) {
	case "info":
		minLevel = slog.LevelInfo
	case "warn":
		minLevel = slog.LevelWarn
	case "error":
		minLevel = slog.LevelError
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(since, minLevel, limit)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- helpers ---

// writeError maps the engine's error taxonomy onto HTTP statuses so
// callers can tell "retry" apart from "denied" and "no longer exists".
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrOwnership):
		status = http.StatusForbidden
	case errors.Is(err, dispatch.ErrContended):
		status = http.StatusConflict
	case errors.Is(err, store.ErrSessionActive):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrUnfinalized),
		errors.Is(err, dispatch.ErrNotServing),
		errors.Is(err, store.ErrNotAccepting),
		errors.Is(err, store.ErrNoSession):
		status = http.StatusPreconditionFailed
	case errors.Is(err, dispatch.ErrBadTransition):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
