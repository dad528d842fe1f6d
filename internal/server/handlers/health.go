package handlers

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves /health and /ready endpoints.
type HealthHandler struct {
	redis     Pinger
	workers   func() int32
	startTime time.Time
	version   string
	ready     atomic.Bool
}

// NewHealthHandler creates a health handler. workers may be nil.
func NewHealthHandler(redis Pinger, workers func() int32, version string) *HealthHandler {
	h := &HealthHandler{
		redis:     redis,
		workers:   workers,
		startTime: time.Now(),
		version:   version,
	}
	h.ready.Store(true)
	return h
}

// SetReady sets the readiness state; it is false during shutdown.
func (h *HealthHandler) SetReady(v bool) {
	h.ready.Store(v)
}

type healthResponse struct {
	Status        string `json:"status"`
	Redis         string `json:"redis"`
	ActiveWorkers int32  `json:"active_workers"`
	Version       string `json:"version"`
	Uptime        string `json:"uptime"`
}

// Health checks Redis connectivity and returns system health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Redis:   "connected",
		Version: h.version,
		Uptime:  time.Since(h.startTime).Round(time.Second).String(),
	}
	if h.workers != nil {
		resp.ActiveWorkers = h.workers()
	}

	status := http.StatusOK
	if err := h.redis.Ping(r.Context()); err != nil {
		resp.Status = "error"
		resp.Redis = "disconnected"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Ready returns 200 while the server accepts traffic and 503 during shutdown.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
