// Package api provides the HTTP API and middleware for the planner.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/sproutplan/sproutplan/internal/auth"
	"github.com/sproutplan/sproutplan/internal/config"
	"github.com/sproutplan/sproutplan/internal/eventbus"
	"github.com/sproutplan/sproutplan/internal/planner"
	"github.com/sproutplan/sproutplan/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	planner      *planner.Planner
	tokens       *auth.Service
	bus          *eventbus.Bus
	logger       *slog.Logger
	mux          *chi.Mux
	upgrader     websocket.Upgrader
	startTime    time.Time
	maxBodyBytes int64
	lookahead    int
	expandOnRead bool
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, p *planner.Planner, tokens *auth.Service, bus *eventbus.Bus, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		planner:      p,
		tokens:       tokens,
		bus:          bus,
		logger:       logger.With("component", "api"),
		upgrader:     makeUpgrader(cfg.Server.AllowedOrigins),
		startTime:    time.Now(),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		lookahead:    cfg.Planning.LookaheadDays,
		expandOnRead: cfg.ExpandOnRead(),
		rl:           newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Change stream (auth handled inside, browsers cannot set headers)
	mux.Get("/ws/changes", srv.handleChanges)

	mux.Route("/api", func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))
		r.Use(srv.writeAccessMiddleware)

		r.Route("/customers", func(r chi.Router) {
			r.Get("/", srv.handleListCustomers)
			r.Post("/", srv.handleCreateCustomer)
			r.Get("/{customerID}", srv.handleGetCustomer)
			r.Put("/{customerID}", srv.handleUpdateCustomer)
			r.Delete("/{customerID}", srv.handleDeleteCustomer)
		})
		r.Route("/items", func(r chi.Router) {
			r.Get("/", srv.handleListItems)
			r.Post("/", srv.handleCreateItem)
			r.Get("/{itemID}", srv.handleGetItem)
			r.Put("/{itemID}", srv.handleUpdateItem)
			r.Delete("/{itemID}", srv.handleDeleteItem)
		})
		r.Route("/orders", func(r chi.Router) {
			r.Post("/", srv.handleCreateOrder)
			r.Get("/{orderID}", srv.handleGetOrder)
			r.Patch("/{orderID}", srv.handleEditOrder)
			r.Delete("/{orderID}", srv.handleDeleteOrder)
		})
		r.Route("/subscriptions", func(r chi.Router) {
			r.Get("/", srv.handleListSubscriptions)
			r.Post("/", srv.handleCreateSubscription)
			r.Get("/{subscriptionID}", srv.handleGetSubscription)
			r.Post("/{subscriptionID}/expand", srv.handleExpandSubscription)
			r.Delete("/{subscriptionID}", srv.handleCancelSubscription)
		})
		r.Get("/schedules/{kind}", srv.handleSchedule)
		r.Get("/audit", srv.handleListAuditEvents)
		r.Post("/audit/{auditID}/revert", srv.handleRevert)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of rate limiter buckets.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// decodeBody reads a JSON request body into v, bounded by the configured
// body limit. An empty body leaves v untouched when allowEmpty is set.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
	return false
}

// writePlannerError maps planner errors onto HTTP status codes.
func (s *Server) writePlannerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case planner.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case planner.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case planner.IsConflict(err):
		writeError(w, http.StatusConflict, err.Error())
	case planner.IsConsistency(err):
		s.logger.Warn("subscription consistency violation", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
