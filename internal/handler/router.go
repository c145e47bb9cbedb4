package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hiroki-koketsu/go-task-tracker/internal/auth"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RouterConfig collects the handlers served by NewRouter.
type RouterConfig struct {
	Tasks  *TaskHandler
	Auth   *AuthHandler
	Health *HealthHandler
	Tokens *auth.TokenManager
	Logger *slog.Logger
	// AccessLog enables chi's request logger.
	AccessLog bool
}

// NewRouter builds the HTTP handler: standard middleware, the health
// endpoint, and the authenticated task API under /api/v1, wrapped with
// OpenTelemetry HTTP instrumentation.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if cfg.AccessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.CleanPath)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint (excluded from tracing)
	r.Get("/health", cfg.Health.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/auth", cfg.Auth.Routes())
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(cfg.Tokens, cfg.Logger))
			r.Mount("/tasks", cfg.Tasks.Routes())
		})
	})

	return otelhttp.NewHandler(r, "http-server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health"
		}),
	)
}
