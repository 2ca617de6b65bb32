package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

type PingFunc func(ctx context.Context) error

// HealthHandler reports ok only when every dependency answers a ping.
type HealthHandler struct {
	checks  map[string]PingFunc
	timeout time.Duration
}

func NewHealthHandler(timeout time.Duration, checks map[string]PingFunc) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: timeout}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	deps := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			log.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			deps[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":       overall,
		"dependencies": deps,
		"timestamp":    time.Now().UnixMilli(),
	})
}
