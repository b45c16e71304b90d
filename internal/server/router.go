package server

import (
	"net/http"

	"github.com/watzon/herald/internal/metrics"
	"github.com/watzon/herald/internal/server/handlers"
)

type Router struct {
	server      *Server
	mux         *http.ServeMux
	middlewares []Middleware
}

type Middleware func(http.Handler) http.Handler

func NewRouter(srv *Server) *Router {
	r := &Router{
		server: srv,
		mux:    http.NewServeMux(),
	}

	r.setupMiddleware()
	r.setupRoutes()

	return r
}

func (r *Router) setupMiddleware() {
	cfg := r.server.cfg.Server

	r.Use(RecoveryMiddleware)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)

	if cfg.Metrics {
		r.Use(MetricsMiddleware)
	}
	if cfg.MaxBodySize > 0 {
		r.Use(MaxBodySizeMiddleware(cfg.MaxBodySize))
	}
	if r.server.rateLimiter != nil {
		r.Use(r.server.rateLimiter.Middleware)
	}
}

func (r *Router) Use(mw Middleware) {
	r.middlewares = append(r.middlewares, mw)
}

func (r *Router) setupRoutes() {
	svc := r.server.services

	health := handlers.NewHealthHandlers(svc.DB, svc.Queue, r.server.version)
	r.mux.HandleFunc("GET /health", r.wrap(health.Health))
	r.mux.HandleFunc("GET /health/live", r.wrap(health.Liveness))
	r.mux.HandleFunc("GET /health/ready", r.wrap(health.Readiness))
	r.mux.HandleFunc("GET /api/stats", r.wrap(health.Stats))

	if r.server.cfg.Server.Metrics {
		r.mux.Handle("GET /metrics", metrics.Handler())
	}

	exec := handlers.NewExecutionHandlers(svc.Executions, svc.Submitter, svc.Content)
	r.mux.HandleFunc("GET /api/executions", r.wrap(exec.List))
	r.mux.HandleFunc("POST /api/executions", r.wrap(exec.Submit))
	r.mux.HandleFunc("GET /api/executions/{id}", r.wrap(exec.Get))
	r.mux.HandleFunc("POST /api/executions/{id}/cancel", r.wrap(exec.Cancel))
	r.mux.HandleFunc("GET /api/executions/{id}/content", r.wrap(exec.Content))

	sched := handlers.NewScheduleHandlers(svc.Schedules)
	r.mux.HandleFunc("GET /api/schedules", r.wrap(sched.List))
	r.mux.HandleFunc("POST /api/schedules", r.wrap(sched.Create))
	r.mux.HandleFunc("GET /api/schedules/{id}", r.wrap(sched.Get))
	r.mux.HandleFunc("DELETE /api/schedules/{id}", r.wrap(sched.Delete))
	r.mux.HandleFunc("POST /api/schedules/{id}/pause", r.wrap(sched.Pause))
	r.mux.HandleFunc("POST /api/schedules/{id}/resume", r.wrap(sched.Resume))

	camp := handlers.NewCampaignHandlers(svc.Campaigns, svc.Content)
	r.mux.HandleFunc("GET /api/content", r.wrap(camp.ListContent))
	r.mux.HandleFunc("GET /api/content/{id}", r.wrap(camp.GetContent))
	r.mux.HandleFunc("GET /api/campaigns", r.wrap(camp.List))
	r.mux.HandleFunc("GET /api/campaigns/{id}", r.wrap(camp.Get))
	r.mux.HandleFunc("PUT /api/campaigns/{id}/status", r.wrap(camp.SetStatus))

	conns := handlers.NewConnectionHandlers(svc.Connections, svc.Documents)
	r.mux.HandleFunc("GET /api/connections", r.wrap(conns.List))
	r.mux.HandleFunc("POST /api/connections", r.wrap(conns.Save))
	r.mux.HandleFunc("POST /api/connections/{id}/activate", r.wrap(conns.Activate))
	r.mux.HandleFunc("POST /api/connections/{id}/deactivate", r.wrap(conns.Deactivate))
	r.mux.HandleFunc("POST /api/documents", r.wrap(conns.AddDocument))
	r.mux.HandleFunc("DELETE /api/documents/{id}", r.wrap(conns.DeleteDocument))

	dlq := handlers.NewDeadLetterHandlers(svc.Queue)
	r.mux.HandleFunc("GET /api/dead-letters", r.wrap(dlq.List))
}

func (r *Router) wrap(fn handlers.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		fn(w, req)
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	handler := http.Handler(r.mux)

	for i := len(r.middlewares) - 1; i >= 0; i-- {
		handler = r.middlewares[i](handler)
	}

	handler.ServeHTTP(w, req)
}
