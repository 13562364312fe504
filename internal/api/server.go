package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/achscore/internal/domain"
	"github.com/opensource-finance/achscore/internal/rules"
	"github.com/opensource-finance/achscore/internal/scoring"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// scoreTimeout bounds synchronous scoring requests.
const scoreTimeout = 2 * time.Minute

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg *domain.Config, repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, engine *scoring.Engine, compiler *rules.Compiler, version string) *Server {
	handler := NewHandler(cfg, repo, cache, eventBus, engine, compiler, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(MetricsMiddleware)      // Prometheus request metrics
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health and metrics endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Handle("/metrics", promhttp.Handler())

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Scoring
		r.With(middleware.Timeout(scoreTimeout)).Post("/score", handler.Score)
		r.Post("/score/async", handler.ScoreAsync)

		// Run retrieval
		r.Get("/runs", handler.ListRuns)
		r.Route("/runs/{id}", func(r chi.Router) {
			r.Get("/", handler.GetRun)
			r.Get("/transactions", handler.ListRunTransactions)
			r.Get("/alerts", handler.ListRunAlerts)
			r.Get("/report", handler.RunReport)
		})

		// Rule management
		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
		r.Post("/rules", handler.CreateRule)
		r.Delete("/rules/{id}", handler.DeleteRule)
		r.Post("/rules/reload", handler.ReloadRules)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg.Server,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
