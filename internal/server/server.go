// Package server is the orchestrator that ties the planner components together.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sproutplan/sproutplan/internal/api"
	"github.com/sproutplan/sproutplan/internal/auth"
	"github.com/sproutplan/sproutplan/internal/calendar"
	"github.com/sproutplan/sproutplan/internal/config"
	"github.com/sproutplan/sproutplan/internal/eventbus"
	"github.com/sproutplan/sproutplan/internal/planner"
	"github.com/sproutplan/sproutplan/internal/store"
)

// Server is the sproutplan service process.
type Server struct {
	cfg     *config.Config
	store   store.Store
	bus     *eventbus.Bus
	planner *planner.Planner
	tokens  *auth.Service
	api     *api.Server
	logger  *slog.Logger
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: logLevel}
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// New opens storage and builds the planner and API from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	loc := cfg.Location()
	bus := eventbus.New()
	p := planner.New(db, planner.Options{
		Logger:               logger,
		Notifier:             bus,
		Today:                func() calendar.Date { return calendar.Today(loc) },
		RejectPastProduction: cfg.Planning.RejectPastProduction,
	})
	tokens := auth.NewService(cfg.Auth)

	s := &Server{
		cfg:     cfg,
		store:   db,
		bus:     bus,
		planner: p,
		tokens:  tokens,
		api:     api.NewServer(db, p, tokens, bus, cfg, logger),
		logger:  logger.With("component", "server"),
	}

	return s, nil
}

// Planner returns the planner, for operator commands that bypass HTTP.
func (s *Server) Planner() *planner.Planner { return s.planner }

// Tokens returns the token service.
func (s *Server) Tokens() *auth.Service { return s.tokens }

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.api.Handler() }

// Horizon is the default expansion horizon: the configured lookahead from
// today in the planning time zone.
func (s *Server) Horizon() planner.Horizon {
	return planner.HorizonFromToday(s.planner.Today(), s.cfg.Planning.LookaheadDays)
}

// Close releases the event bus and storage.
func (s *Server) Close() error {
	s.bus.Close()
	return s.store.Close()
}

// Run starts the HTTP server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Startup validation warnings.
	if !s.tokens.Enabled() {
		s.logger.Warn("auth.jwt_secret is empty, the API accepts unauthenticated requests")
	}
	for _, origin := range s.cfg.Server.AllowedOrigins {
		if origin == "*" {
			s.logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	// Start rate limiter cleanup tasks.
	s.api.StartBackgroundTasks(ctx)

	s.expand(ctx)
	go s.runExpander(ctx, s.cfg.Planning.ExpandInterval.Duration)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("sproutplan listening", "addr", s.cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()

		// Closing the bus first ends open change streams.
		s.bus.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			s.logger.Info("http server stopped gracefully")
		}

		s.logger.Info("closing store")
		_ = s.store.Close()
		s.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// runExpander keeps the lookahead window materialized as days pass.
func (s *Server) runExpander(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.expand(ctx)
		}
	}
}

func (s *Server) expand(ctx context.Context) {
	h := s.Horizon()
	n, err := s.planner.ExpandAll(ctx, h)
	if err != nil {
		s.logger.Warn("subscription expansion failed", "until", h.Until.String(), "error", err)
		return
	}
	s.logger.Debug("subscription expansion done", "until", h.Until.String(), "created", n)
}
