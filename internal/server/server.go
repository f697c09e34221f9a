// Package server is the thin HTTP surface: health, alert workflow, purchase
// orders, and manual task triggers. Tenancy comes from the X-Tenant-ID
// header; every handler resolves a tenant handle before touching storage.
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

	"github.com/aristath/shelfops/internal/modules/alerts"
	"github.com/aristath/shelfops/internal/modules/hitl"
	"github.com/aristath/shelfops/internal/scheduler"
)

// Config holds server wiring.
type Config struct {
	Port      int
	Log       zerolog.Logger
	Alerts    *alerts.Repository
	HITL      *hitl.Service
	Scheduler *scheduler.Scheduler
}

// Server is the HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	log       zerolog.Logger
	alerts    *alerts.Repository
	hitl      *hitl.Service
	scheduler *scheduler.Scheduler
}

// New creates the HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		log:       cfg.Log.With().Str("component", "server").Logger(),
		alerts:    cfg.Alerts,
		hitl:      cfg.HITL,
		scheduler: cfg.Scheduler,
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleListAlerts)
			r.Get("/{id}", s.handleGetAlert)
			r.Post("/{id}/acknowledge", s.handleAlertTransition("acknowledged"))
			r.Post("/{id}/resolve", s.handleAlertTransition("resolved"))
			r.Post("/{id}/dismiss", s.handleAlertTransition("dismissed"))
			r.Post("/{id}/order", s.handleOrderFromAlert)
		})
		r.Route("/orders", func(r chi.Router) {
			r.Get("/{id}", s.handleGetPO)
			r.Post("/{id}/transition", s.handlePOTransition)
			r.Post("/{id}/receive", s.handleReceivePO)
		})
		r.Post("/tasks/{name}/run", s.handleTriggerTask)
	})
}

// Start blocks serving HTTP until shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}
