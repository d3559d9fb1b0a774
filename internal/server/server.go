// Package server exposes the kiosk status, Prometheus metrics and the
// administrative ticket hooks over HTTP for the UI and operators.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andresmejia3/checkpoint/internal/audit"
	"github.com/andresmejia3/checkpoint/internal/checkin"
	"github.com/andresmejia3/checkpoint/internal/gate"
	"github.com/andresmejia3/checkpoint/internal/store"
	"github.com/andresmejia3/checkpoint/internal/types"
)

// AdminPinHeader carries the operator pin on admin routes.
const AdminPinHeader = "X-Admin-Pin"

// GateStatus is the read-only view of the gate channel.
type GateStatus interface {
	Status() gate.StatusSnapshot
}

// Kiosk is the part of the orchestrator the HTTP surface drives.
type Kiosk interface {
	State() checkin.State
	ResetCheckIn(ctx context.Context, number string) (types.Ticket, error)
	CheckInByTicket(ctx context.Context, number string) (checkin.Result, error)
}

// Pinger reports backend health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	logger     *slog.Logger

	gate     GateStatus
	kiosk    Kiosk
	adminPin string
	gatherer prometheus.Gatherer
	health   Pinger
	audit    *audit.Recorder
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithGatherer sets the registry served on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithHealthCheck(p Pinger) Option {
	return func(s *Server) { s.health = p }
}

// WithAudit records every admin pin check as an ADMIN_ACCESS event.
func WithAudit(r *audit.Recorder) Option {
	return func(s *Server) { s.audit = r }
}

// WithAdminPin enables the admin routes. Without a pin they answer 404.
func WithAdminPin(pin string) Option {
	return func(s *Server) { s.adminPin = pin }
}

func New(addr string, g GateStatus, k Kiosk, opts ...Option) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		logger:   slog.Default(),
		gate:     g,
		kiosk:    k,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := s.router
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requirePin)
		r.Post("/tickets/{number}/reset", s.handleReset)
		r.Post("/tickets/{number}/checkin", s.handleManualCheckIn)
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      35 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type statusResponse struct {
	gate.StatusSnapshot
	CheckIn checkin.State `json:"checkin"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{CheckIn: checkin.Idle}
	if s.gate != nil {
		resp.StatusSnapshot = s.gate.Status()
	}
	if s.kiosk != nil {
		resp.CheckIn = s.kiosk.State()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			respondError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) requirePin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminPin == "" || s.kiosk == nil {
			http.NotFound(w, r)
			return
		}
		got := r.Header.Get(AdminPinHeader)
		detail := r.Method + " " + r.URL.Path
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminPin)) != 1 {
			s.logger.Warn("admin request rejected", "path", r.URL.Path, "remote", r.RemoteAddr)
			s.audit.Event(r.Context(), types.EventAdminAccess, "", "", "denied", detail)
			respondError(w, http.StatusUnauthorized, "invalid admin pin")
			return
		}
		s.audit.Event(r.Context(), types.EventAdminAccess, "", "", "granted", detail)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	t, err := s.kiosk.ResetCheckIn(r.Context(), number)
	if err != nil {
		s.respondStoreError(w, number, err)
		return
	}
	respondJSON(w, http.StatusOK, ticketResponse(t))
}

func (s *Server) handleManualCheckIn(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	res, err := s.kiosk.CheckInByTicket(r.Context(), number)
	if err != nil {
		s.respondStoreError(w, number, err)
		return
	}
	status := http.StatusOK
	if res.State != checkin.Success {
		status = http.StatusConflict
	}
	respondJSON(w, status, map[string]any{
		"state":  res.State,
		"reason": res.Reason,
		"ticket": ticketResponse(res.Ticket),
	})
}

func (s *Server) respondStoreError(w http.ResponseWriter, number string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "ticket not found")
	case errors.Is(err, store.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("admin request failed", "ticket", number, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func ticketResponse(t types.Ticket) map[string]any {
	return map[string]any{
		"ticketNumber": t.TicketNumber,
		"status":       t.Status,
		"seat":         t.Seat,
		"gate":         t.Gate,
		"checkedInAt":  t.CheckedInAt,
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
