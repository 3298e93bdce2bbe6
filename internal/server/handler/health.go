package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// HealthHandler reports process liveness. Dependency health is not checked
// here; the engine's own reconnect loops own dependency recovery.
type HealthHandler struct {
	started time.Time
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler anchored at the current time.
func NewHealthHandler(logger *slog.Logger) *HealthHandler {
	return &HealthHandler{started: time.Now().UTC(), logger: logger}
}

// HealthCheck reports liveness and uptime.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
