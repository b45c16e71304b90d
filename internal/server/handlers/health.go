package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/watzon/herald/internal/database"
	"github.com/watzon/herald/internal/metrics"
)

// QueueInspector reports queue depth by message status.
type QueueInspector interface {
	Depth(ctx context.Context) (map[string]int, error)
}

// DefaultBacklogLimit is the number of waiting messages above which the queue
// reports degraded.
const DefaultBacklogLimit = 1000

type HealthHandlers struct {
	db           *database.DB
	queue        QueueInspector
	version      string
	backlogLimit int
}

func NewHealthHandlers(db *database.DB, queue QueueInspector, version string) *HealthHandlers {
	return &HealthHandlers{
		db:           db,
		queue:        queue,
		version:      version,
		backlogLimit: DefaultBacklogLimit,
	}
}

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

type ComponentHealth struct {
	Status  HealthStatus   `json:"status"`
	Latency string         `json:"latency,omitempty"`
	Message string         `json:"message,omitempty"`
	Details map[string]int `json:"details,omitempty"`
}

type HealthResponse struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Timestamp  string                     `json:"timestamp"`
	Components map[string]ComponentHealth `json:"components"`
}

var startTime = time.Now()

const (
	healthCheckTimeout    = 5 * time.Second
	readinessCheckTimeout = 2 * time.Second
)

// component is one health check. A failing critical component makes the
// process unhealthy and not ready; any other failure only degrades it.
type component struct {
	name     string
	critical bool
	check    func(context.Context) ComponentHealth
}

func (h *HealthHandlers) components() []component {
	list := []component{{name: "database", critical: true, check: h.checkDatabase}}
	if h.queue != nil {
		list = append(list, component{name: "queue", check: h.checkQueue})
	}
	return list
}

// evaluate runs every check and folds the results into an overall status.
func (h *HealthHandlers) evaluate(ctx context.Context) (HealthStatus, map[string]ComponentHealth) {
	overall := HealthStatusHealthy
	results := make(map[string]ComponentHealth)

	for _, c := range h.components() {
		res := c.check(ctx)
		results[c.name] = res
		switch {
		case res.Status == HealthStatusHealthy:
		case c.critical:
			overall = HealthStatusUnhealthy
		case overall == HealthStatusHealthy:
			overall = HealthStatusDegraded
		}
	}
	return overall, results
}

// Health handles GET /health. Degraded still answers 200 so that a queue
// backlog does not take the API out of rotation.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	overall, results := h.evaluate(ctx)

	status := http.StatusOK
	if overall == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	JSON(w, status, HealthResponse{
		Status:     overall,
		Version:    h.version,
		Uptime:     time.Since(startTime).Round(time.Second).String(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Components: results,
	})
}

func (h *HealthHandlers) checkDatabase(ctx context.Context) ComponentHealth {
	start := time.Now()
	err := h.db.Ping(ctx)
	latency := time.Since(start).String()

	if err != nil {
		return ComponentHealth{Status: HealthStatusUnhealthy, Latency: latency, Message: "database ping failed"}
	}
	return ComponentHealth{Status: HealthStatusHealthy, Latency: latency}
}

// checkQueue reports depth by status. Messages waiting to run (pending and
// retrying) beyond the backlog limit mean workers are not keeping up.
func (h *HealthHandlers) checkQueue(ctx context.Context) ComponentHealth {
	depth, err := h.queue.Depth(ctx)
	if err != nil {
		return ComponentHealth{Status: HealthStatusDegraded, Message: "queue depth unavailable"}
	}

	waiting := depth["pending"] + depth["retrying"]
	if h.backlogLimit > 0 && waiting > h.backlogLimit {
		return ComponentHealth{
			Status:  HealthStatusDegraded,
			Message: fmt.Sprintf("%d messages waiting for a worker", waiting),
			Details: depth,
		}
	}
	return ComponentHealth{Status: HealthStatusHealthy, Details: depth}
}

func (h *HealthHandlers) Liveness(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Readiness handles GET /health/ready. Only critical components gate
// readiness.
func (h *HealthHandlers) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessCheckTimeout)
	defer cancel()

	for _, c := range h.components() {
		if !c.critical {
			continue
		}
		if res := c.check(ctx); res.Status != HealthStatusHealthy {
			JSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"reason": c.name + " unavailable",
			})
			return
		}
	}

	JSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

type RuntimeStats struct {
	GoVersion    string `json:"go_version"`
	NumGoroutine int    `json:"num_goroutine"`
	NumCPU       int    `json:"num_cpu"`
	MemAlloc     uint64 `json:"mem_alloc_bytes"`
	MemSys       uint64 `json:"mem_sys_bytes"`
	NumGC        uint32 `json:"num_gc"`
}

// Stats handles GET /api/stats.
func (h *HealthHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	dbStats := h.db.Stats()
	metrics.UpdateDBStats(dbStats.OpenConnections, dbStats.InUse)

	resp := map[string]any{
		"runtime": RuntimeStats{
			GoVersion:    runtime.Version(),
			NumGoroutine: runtime.NumGoroutine(),
			NumCPU:       runtime.NumCPU(),
			MemAlloc:     m.Alloc,
			MemSys:       m.Sys,
			NumGC:        m.NumGC,
		},
		"uptime": time.Since(startTime).Round(time.Second).String(),
		"database": map[string]any{
			"open_connections": dbStats.OpenConnections,
			"in_use":           dbStats.InUse,
			"idle":             dbStats.Idle,
			"max_open":         dbStats.MaxOpenConnections,
		},
	}

	if h.queue != nil {
		if depth, err := h.queue.Depth(r.Context()); err == nil {
			resp["queue"] = depth
		}
	}

	JSON(w, http.StatusOK, resp)
}
