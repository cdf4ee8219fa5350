package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/segqueue/internal/api/shared"
	"github.com/phrazzld/segqueue/internal/platform/logger"
	"github.com/phrazzld/segqueue/internal/redact"
)

// healthCheckTimeout bounds one dependency check.
const healthCheckTimeout = 2 * time.Second

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// HealthHandler serves GET /health.
type HealthHandler struct {
	checks map[string]HealthCheck
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler running the named checks.
func NewHealthHandler(checks map[string]HealthCheck, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{checks: checks, logger: logger.With(slog.String("component", "health_handler"))}
}

// Health answers 200 "ok" when every check passes and 503 otherwise.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check(ctx)
		cancel()
		if err != nil {
			log.Warn("health check failed", "check", name, "error", redact.Error(err))
			shared.RespondWithJSON(w, r, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable: " + name})
			return
		}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, HealthResponse{Status: "ok"})
}
