// Package handler contains the HTTP handlers for the control-plane API.
package handler

import (
	"context"
	"net/http"
	"time"
)

// Pinger is anything with a connectivity probe (database pool, redis client).
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports process liveness and backing-store reachability.
type HealthHandler struct {
	startedAt time.Time
	probes    map[string]Pinger
}

// NewHealthHandler creates a HealthHandler. The probes map associates a
// component name with its connectivity check; nil entries are skipped.
func NewHealthHandler(probes map[string]Pinger) *HealthHandler {
	return &HealthHandler{
		startedAt: time.Now(),
		probes:    probes,
	}
}

// Health handles GET /api/health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	components := make(map[string]string, len(h.probes))
	healthy := true
	for name, p := range h.probes {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			components[name] = "unreachable"
			healthy = false
			continue
		}
		components[name] = "ok"
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}

	writeJSON(w, status, map[string]any{
		"status":     state,
		"uptime":     time.Since(h.startedAt).Round(time.Second).String(),
		"components": components,
	})
}
