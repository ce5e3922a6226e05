package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"setu/api/handlers"
	"setu/config"
	"setu/core/auth"
	"setu/core/chat"
	"setu/core/ledger"
	"setu/core/live"
	"setu/core/metrics"
	"setu/core/reports"
	"setu/core/stats"
	"setu/core/utils"
)

// Deps are the services the HTTP surface exposes.
type Deps struct {
	Auth    *auth.Service
	Reports *reports.Service
	Chat    *chat.Service
	Stats   *stats.Service
	Ledger  *ledger.Ledger
	Hub     *live.Hub
	Metrics *metrics.Metrics
	// Ready reports whether backing stores are reachable.
	Ready func(context.Context) error
	// MediaDir is served under /media when the local storage backend is used.
	MediaDir string
}

type Server struct {
	cfg          *config.AppConfig
	auth         *auth.Service
	reports      *reports.Service
	chat         *chat.Service
	stats        *stats.Service
	ledger       *ledger.Ledger
	hub          *live.Hub
	metrics      *metrics.Metrics
	ready        func(context.Context) error
	mediaDir     string
	loginLimiter *requestLimiter
	logger       *utils.Logger
}

func NewServer(cfg *config.AppConfig, deps Deps, logger *utils.Logger) *Server {
	return &Server{
		cfg:          cfg,
		auth:         deps.Auth,
		reports:      deps.Reports,
		chat:         deps.Chat,
		stats:        deps.Stats,
		ledger:       deps.Ledger,
		hub:          deps.Hub,
		metrics:      deps.Metrics,
		ready:        deps.Ready,
		mediaDir:     deps.MediaDir,
		loginLimiter: newLimiter(cfg.LoginRate, cfg.LoginBurst),
		logger:       logger,
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.securityHeadersMiddleware)
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	if s.mediaDir != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(s.mediaDir))))
	}
	r.Route("/api", func(apiRouter chi.Router) {
		s.registerRoutes(apiRouter, s.newRouteHandlers())
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handlers.WriteErrorKey(w, http.StatusNotFound, "common.notFound")
	})
	return r
}

// NewHTTPServer wraps Handler with the listen address and timeouts. Write
// timeout is left unset because websocket streams are long lived.
func (s *Server) NewHTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		IdleTimeout:       2 * time.Minute,
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Errorf("readiness: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "retryable": true})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
