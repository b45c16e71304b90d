// Package server exposes the HTTP API for submitting and inspecting executions
// and managing the tenant resources they depend on.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/watzon/herald/internal/campaigns"
	"github.com/watzon/herald/internal/config"
	"github.com/watzon/herald/internal/connections"
	"github.com/watzon/herald/internal/content"
	"github.com/watzon/herald/internal/database"
	"github.com/watzon/herald/internal/executions"
	"github.com/watzon/herald/internal/queue"
	"github.com/watzon/herald/internal/retrieval"
	"github.com/watzon/herald/internal/scheduler"
	"github.com/watzon/herald/internal/server/handlers"
)

// Services are the stores and components the API is built on. Every field is
// required.
type Services struct {
	DB          *database.DB
	Executions  *executions.Store
	Submitter   handlers.Submitter
	Queue       *queue.Queue
	Schedules   *scheduler.Store
	Content     *content.Store
	Campaigns   *campaigns.Store
	Connections *connections.Store
	Documents   *retrieval.Store
}

type Server struct {
	cfg         *config.Config
	services    Services
	version     string
	rateLimiter *RateLimiter
	httpServer  *http.Server
	router      *Router
}

func New(cfg *config.Config, services Services, version string) *Server {
	srv := &Server{
		cfg:      cfg,
		services: services,
		version:  version,
	}

	if cfg.Server.RateLimit.Enabled {
		srv.rateLimiter = NewRateLimiter(cfg.Server.RateLimit)
	}

	srv.router = NewRouter(srv)
	srv.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      srv.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return srv
}

// Start serves until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	log.Info().
		Str("addr", s.cfg.Server.Address()).
		Bool("metrics", s.cfg.Server.Metrics).
		Bool("rate_limit", s.rateLimiter != nil).
		Msg("Starting server")

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down server")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

// Handler returns the fully wrapped router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Config() *config.Config {
	return s.cfg
}
