package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// Check probes one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks map[string]Check
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. checks may be nil, in which case
// the endpoint only reports liveness.
func NewHealthHandler(checks map[string]Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logHandler(logger, "health")}
}

// HealthCheck runs every registered check and answers 503 if any fails.
// GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
			results[name] = err.Error()
			status = "degraded"
			continue
		}
		results[name] = "ok"
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"checks":    results,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
