// Package server exposes runs, workflows, accounts and script settings over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/freema/regforge/api"
	"github.com/freema/regforge/internal/account"
	"github.com/freema/regforge/internal/config"
	"github.com/freema/regforge/internal/envfile"
	"github.com/freema/regforge/internal/history"
	"github.com/freema/regforge/internal/redisclient"
	"github.com/freema/regforge/internal/run"
	"github.com/freema/regforge/internal/server/handlers"
	"github.com/freema/regforge/internal/server/middleware"
	"github.com/freema/regforge/internal/worker"
	"github.com/freema/regforge/internal/workflow"
)

const requestTimeout = 60 * time.Second

// Deps are the services the routes are bound to. History may be nil.
type Deps struct {
	Redis     *redisclient.Client
	Runs      *run.Service
	Pool      *worker.Pool
	Workflows *workflow.Registry
	Accounts  *account.Store
	History   *history.Archive
	Settings  *envfile.Store
}

// Server is the HTTP server.
type Server struct {
	httpServer *http.Server
	health     *handlers.HealthHandler
}

// New creates the HTTP server with all routes and middleware.
func New(cfg *config.Config, deps Deps, version string) *Server {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler(deps.Redis, deps.Pool.ActiveCount, version)
	docsHandler := handlers.NewDocsHandler(api.OpenAPISpec, version)

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/docs", docsHandler.SwaggerUI)
	r.Get("/api/docs/openapi.yaml", docsHandler.OpenAPISpec)

	runHandler := handlers.NewRunHandler(deps.Runs, deps.Workflows, deps.Pool, deps.History)
	streamHandler := handlers.NewStreamHandler(deps.Runs, deps.Redis)
	workflowHandler := handlers.NewWorkflowHandler(deps.Workflows)
	accountHandler := handlers.NewAccountHandler(deps.Accounts)
	settingsHandler := handlers.NewSettingsHandler(deps.Settings)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.BearerAuth(cfg.Server.AuthToken))
		r.Use(middleware.PrometheusMetrics)

		r.Route("/runs", func(r chi.Router) {
			// SSE streams outlive the request timeout.
			r.Get("/{runID}/stream", streamHandler.Stream)

			r.Group(func(r chi.Router) {
				r.Use(chimw.Timeout(requestTimeout))
				if cfg.RateLimit.Enabled {
					limiter := middleware.NewRateLimiter(deps.Redis, cfg.RateLimit.RunsPerMinute, time.Minute)
					r.With(limiter.Middleware()).Post("/", runHandler.Create)
				} else {
					r.Post("/", runHandler.Create)
				}
				r.Get("/", runHandler.List)
				r.Get("/{runID}", runHandler.Get)
				r.Post("/{runID}/cancel", runHandler.Cancel)
				r.Get("/{runID}/credentials", runHandler.Credentials)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(requestTimeout))

			r.Get("/workflows", workflowHandler.List)
			r.Get("/accounts", accountHandler.List)
			r.Post("/accounts", accountHandler.Create)

			r.Get("/settings/env", settingsHandler.Get)
			r.Put("/settings/env", settingsHandler.Put)
			r.Get("/settings/env/raw", settingsHandler.GetRaw)
			r.Put("/settings/env/raw", settingsHandler.PutRaw)
		})
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           otelhttp.NewHandler(r, "regforge.http"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{httpServer: srv, health: healthHandler}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	slog.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown marks the server not ready and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.SetReady(false)
	return s.httpServer.Shutdown(ctx)
}
