package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// breakerStater is implemented by stores guarded by a circuit breaker.
type breakerStater interface {
	State() gobreaker.State
}

// HealthHandler serves liveness with a store check.
type HealthHandler struct {
	store  Pinger
	cache  Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a new HealthHandler. cache may be nil.
func NewHealthHandler(store, cache Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{store: store, cache: cache, logger: logger}
}

// Health returns a health check response. A failing store or an open store
// breaker answers 503; a failing cache only degrades the report.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := map[string]string{"status": "ok", "store": "ok"}
	status := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		h.logger.ErrorContext(ctx, "health check: store unreachable", slog.Any("error", err))
		resp["status"] = "unavailable"
		resp["store"] = "unreachable"
		status = http.StatusServiceUnavailable
	}

	// Ping bypasses the breaker, so a reachable store can still be refusing
	// traffic while the breaker is open.
	if b, ok := h.store.(breakerStater); ok {
		state := b.State()
		resp["breaker"] = state.String()
		if state == gobreaker.StateOpen {
			h.logger.WarnContext(ctx, "health check: store breaker open")
			resp["status"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	if h.cache != nil {
		resp["cache"] = "ok"
		if err := h.cache.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check: cache unreachable", slog.Any("error", err))
			resp["cache"] = "unreachable"
		}
	}

	respondJSON(w, status, resp)
}
