package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// MediaDir, when set, is served under /media/.
	MediaDir string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, auth Authenticator, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()
	authed := AuthMiddleware(auth, logger)
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, authed(fn))
	}

	// Public routes
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.Handler())
	if cfg.MediaDir != "" {
		mux.Handle("GET /media/", http.StripPrefix("/media/", http.FileServer(http.Dir(cfg.MediaDir))))
	}

	// Task routes
	handle("POST /projects/{projectID}/tasks", h.SubmitTasks)
	handle("GET /projects/{projectID}/tasks", h.ListTasks)
	handle("POST /projects/{projectID}/tasks/backfill", h.Backfill)
	handle("GET /tasks/{id}", h.GetTask)

	// Character routes
	handle("POST /characters/{characterID}/reference-video", h.GenerateReferenceVideo)
	handle("POST /tasks/{id}/register-character", h.RegisterFromTask)
	handle("POST /characters/{characterID}/register", h.RegisterCharacter)
	handle("GET /characters/{characterID}/identity", h.GetIdentity)

	// Apply middleware chain
	chain := ChainMiddleware(
		RecoveryMiddleware(logger),
		TraceMiddleware(),
		LoggingMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
	)

	return chain(mux)
}
