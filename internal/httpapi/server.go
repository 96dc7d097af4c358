// Package httpapi exposes the task daemon over HTTP: task submission and
// tracking under /v1, capability-token downloads, health/status probes and
// Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"ocrd/internal/config"
	"ocrd/internal/manager"
	"ocrd/internal/publish"
	"ocrd/internal/queue"
	"ocrd/internal/ratelimit"
	"ocrd/internal/token"
	"ocrd/pkg/types"
)

// Server wires the daemon's components behind the HTTP surface.
type Server struct {
	cfg     config.Config
	root    string
	queue   *queue.Queue
	mgr     *manager.Manager
	tokens  *token.Store
	limiter *ratelimit.Limiter
	pub     publish.Publisher
	log     zerolog.Logger
	started time.Time
}

// New builds a Server. limiter may be nil when rate limiting is disabled.
func New(cfg config.Config, root string, q *queue.Queue, mgr *manager.Manager,
	tokens *token.Store, limiter *ratelimit.Limiter, pub publish.Publisher,
	logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		root:    root,
		queue:   q,
		mgr:     mgr,
		tokens:  tokens,
		limiter: limiter,
		pub:     pub,
		log:     logger.With().Str("component", "http").Logger(),
		started: time.Now(),
	}
}

// Handler assembles the middleware chain and route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(securityHeaders)
	r.Use(requestLogger(s.log))
	if s.cfg.MetricsEnabled {
		r.Use(MetricsMiddleware)
	}
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Api-Key"},
			MaxAge:         300,
		}))
	}
	if s.limiter != nil {
		r.Use(rateLimitMiddleware(s.limiter, s.cfg.RateLimit.ExemptPaths))
	}
	if s.cfg.RequireAuth && len(s.cfg.APIKeys) > 0 {
		r.Use(authMiddleware(s.cfg.APIKeys))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.handleCreateTask)
		r.Post("/tasks/upload", s.handleUploadTask)
		r.Get("/tasks/{id}", s.handleTaskProgress)
		r.Delete("/tasks/{id}", s.handleDeleteTask)
		r.Get("/tasks/{id}/result/{kind}", s.handleTaskResult)
		r.Get("/tasks/{id}/images/{name}", s.handleTaskImage)
		r.Post("/tasks/{id}/publish", s.handlePublishTask)
		r.Post("/tasks/{id}/token", s.handleCreateToken)
		r.Get("/download/{token}", s.handleDownload)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	if s.cfg.MetricsEnabled {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
	}
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	resp := types.StatusResponse{
		Engine:         s.mgr.Status(),
		QueueDepth:     s.queue.Depth(),
		QueueCapacity:  s.queue.Capacity(),
		Workers:        s.queue.Workers(),
		UptimeSeconds:  int64(now.Sub(s.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// headers are gone; nothing sensible left to do
		return
	}
}
