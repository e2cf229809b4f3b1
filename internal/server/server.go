// Package server provides the HTTP server and routing for the trading core.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/openquant/tradecore/internal/audit"
	"github.com/openquant/tradecore/internal/config"
	"github.com/openquant/tradecore/internal/database"
	"github.com/openquant/tradecore/internal/dispatch"
	"github.com/openquant/tradecore/internal/execution"
	"github.com/openquant/tradecore/internal/marketdata"
	"github.com/openquant/tradecore/internal/orders"
	"github.com/openquant/tradecore/internal/portfolio"
	"github.com/openquant/tradecore/internal/registry"
	"github.com/openquant/tradecore/internal/risk"
)

// Config holds server configuration.
type Config struct {
	Log        zerolog.Logger
	Cfg        *config.Config
	Hub        *marketdata.Hub
	Dispatcher *dispatch.Dispatcher
	Signals    *dispatch.SignalStore
	Registry   *registry.Registry
	Risk       *risk.Engine
	Limits     *risk.LimitRepository
	Portfolios *portfolio.Store
	Orders     *orders.Engine
	Runner     *execution.Runner
	Audit      *audit.Log
	Databases  []*database.DB // health-checked by the system endpoint
}

// Server is the HTTP API surface.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	cfg        *config.Config
	hub        *marketdata.Hub
	dispatcher *dispatch.Dispatcher
	signals    *dispatch.SignalStore
	registry   *registry.Registry
	risk       *risk.Engine
	limits     *risk.LimitRepository
	portfolios *portfolio.Store
	orders     *orders.Engine
	runner     *execution.Runner
	auditor    *audit.Log
	databases  []*database.DB
}

// New creates the HTTP server and mounts all routes.
func New(cfg Config) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		log:        cfg.Log.With().Str("module", "server").Logger(),
		cfg:        cfg.Cfg,
		hub:        cfg.Hub,
		dispatcher: cfg.Dispatcher,
		signals:    cfg.Signals,
		registry:   cfg.Registry,
		risk:       cfg.Risk,
		limits:     cfg.Limits,
		portfolios: cfg.Portfolios,
		orders:     cfg.Orders,
		runner:     cfg.Runner,
		auditor:    cfg.Audit,
		databases:  cfg.Databases,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	s.setupRoutes()

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port()),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) port() int {
	if s.cfg != nil {
		return s.cfg.Port
	}
	return 8001
}

func (s *Server) setupRoutes() {
	s.router.Route("/api", func(r chi.Router) {
		// Health stays reachable without a token so probes keep working.
		r.Get("/system/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.cfg != nil && s.cfg.JWTSecret != "" {
				r.Use(s.authMiddleware(s.cfg.JWTSecret))
			}

			r.Get("/bars", s.handleGetBars)
			r.Get("/bars/stream", s.handleStreamBars)

			r.Route("/predictors", func(r chi.Router) {
				r.Get("/", s.handleListPredictors)
				r.Post("/", s.handleCreatePredictor)
				r.Get("/{id}", s.handleGetPredictor)
			})
			r.Post("/predict", s.handlePredict)
			r.Get("/signals", s.handleListSignals)

			r.Route("/risk", func(r chi.Router) {
				r.Post("/check", s.handleRiskCheck)
				r.Post("/stress", s.handleStress)
				r.Get("/limits", s.handleListLimits)
				r.Post("/limits", s.handleSetLimit)
			})

			r.Route("/orders", func(r chi.Router) {
				r.Post("/", s.handleSubmitOrder)
				r.Get("/{id}", s.handleGetOrder)
				r.Delete("/{id}", s.handleCancelOrder)
			})

			r.Route("/portfolios", func(r chi.Router) {
				r.Post("/", s.handleCreatePortfolio)
				r.Get("/{id}", s.handleGetPortfolio)
			})

			r.Route("/audit", func(r chi.Router) {
				r.Get("/verify", s.handleVerifyAudit)
				r.Get("/stream", s.handleAuditStream)
			})
		})
	})
}

// Start begins listening. Blocks until the server stops.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
