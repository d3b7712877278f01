// Package api provides the HTTP server: worker callbacks, the GitHub
// webhook, the progress read API, and the operator endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capmedia/testplatform/internal/api/handlers"
	"github.com/capmedia/testplatform/internal/api/middleware"
	"github.com/capmedia/testplatform/internal/config"
	"github.com/capmedia/testplatform/internal/dispatch"
	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/progress"
	"github.com/capmedia/testplatform/internal/reconcile"
	"github.com/capmedia/testplatform/internal/store"
)

// Version is set at build time using ldflags.
var Version = "dev"

// ShutdownTimeout bounds graceful drain on exit.
const ShutdownTimeout = 15 * time.Second

// Server is the HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	store      store.Store
	logger     *slog.Logger
}

// Deps bundles the wired components the server exposes over HTTP.
type Deps struct {
	Store       store.Store
	Progress    *progress.Handler
	Coordinator *dispatch.Coordinator
	Reactor     *dispatch.Reactor
	Reconciler  *reconcile.Reconciler
	// LogDir receives worker log uploads; empty disables them.
	LogDir string
}

// NewServer creates the API server and its routes.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:  deps.Store,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	stage := func(req *http.Request, test *models.Test, status models.TestStatus) {
		deps.Reactor.StageChanged(req.Context(), test, status)
	}
	progressHandler := handlers.NewProgressHandler(deps.Store, deps.Progress, stage, deps.LogDir, logger)
	r.Post("/progress-reporter/{testID}/{token}", progressHandler.Report)

	webhookHandler := handlers.NewWebhookHandler(deps.Coordinator,
		cfg.Server.WebhookSecret, cfg.BranchTracked, logger)
	r.Post("/webhook/github", webhookHandler.Handle)

	testsHandler := handlers.NewTestsHandler(deps.Store, deps.Reconciler, logger)
	r.Route("/api/tests/{testID}", func(r chi.Router) {
		r.Get("/", testsHandler.Get)
		r.Get("/report", testsHandler.Report)
		r.Get("/progress", progressHandler.Get)
		r.Get("/progress/stream", progressHandler.Stream)
	})

	adminHandler := handlers.NewAdminHandler(deps.Store, deps.Coordinator, logger)
	r.Route("/admin", func(r chi.Router) {
		r.Use(middleware.AdminAuth(cfg.Server.AdminToken))
		r.Post("/tests/{testID}/cancel", adminHandler.CancelTest)
		r.Get("/maintenance", adminHandler.GetMaintenance)
		r.Put("/maintenance/{platform}", adminHandler.SetMaintenance)
		r.Get("/blocked-users", adminHandler.ListBlockedUsers)
		r.Post("/blocked-users", adminHandler.BlockUser)
		r.Delete("/blocked-users/{userID}", adminHandler.UnblockUser)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Router exposes the router for tests.
func (s *Server) Router() chi.Router { return s.router }

// Start begins serving. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.logger.Info("http server starting",
		slog.String("addr", s.httpServer.Addr),
		slog.String("version", Version),
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	handlers.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
	})
}
