// Package api exposes the orchestrator's HTTP surface: deployment
// submission and lifecycle control, the device and module inventories, the
// event log, and a websocket stream of fleet changes.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wasmfleet/wasmfleet/pkg/config"
	"github.com/wasmfleet/wasmfleet/pkg/deploy"
	"github.com/wasmfleet/wasmfleet/pkg/discovery"
	"github.com/wasmfleet/wasmfleet/pkg/fleet"
	"github.com/wasmfleet/wasmfleet/pkg/module"
	"github.com/wasmfleet/wasmfleet/pkg/registry"
	"github.com/wasmfleet/wasmfleet/pkg/stores"
	"github.com/wasmfleet/wasmfleet/pkg/telemetry"
)

// Server hosts the orchestrator API.
type Server struct {
	config    config.ServerConfig
	router    *chi.Mux
	registry  *registry.Registry
	ingestor  *discovery.Ingestor
	inventory *module.Inventory
	manager   *deploy.Manager
	store     stores.Store
	resilient *stores.ResilientStore
	hub       *Hub
	metrics   *telemetry.Metrics
	logger    *telemetry.Logger
}

// NewServer wires the API routes. resilient may be nil when the store has no
// degraded mode (memory backend).
func NewServer(cfg config.ServerConfig, reg *registry.Registry, ingestor *discovery.Ingestor, inventory *module.Inventory, manager *deploy.Manager, store stores.Store, resilient *stores.ResilientStore, metrics *telemetry.Metrics, logger *telemetry.Logger) *Server {
	s := &Server{
		config:    cfg,
		registry:  reg,
		ingestor:  ingestor,
		inventory: inventory,
		manager:   manager,
		store:     store,
		resilient: resilient,
		hub:       NewHub(logger),
		metrics:   metrics,
		logger:    logger.NewComponentLogger("api"),
	}
	s.router = s.buildRouter()

	// Push deployment transitions to stream consumers as they happen.
	manager.OnTransition(func(dep fleet.Deployment) {
		s.hub.Broadcast("deployment", deploymentResponse(dep))
	})

	return s
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/deployments", func(r chi.Router) {
			r.Post("/", s.handleSubmitDeployment)
			r.Get("/", s.handleListDeployments)
			r.Get("/{id}", s.handleGetDeployment)
			r.Delete("/{id}", s.handleCancelDeployment)
			r.Post("/{id}/complete", s.handleCompleteDeployment)
			r.Get("/{id}/events", s.handleDeploymentEvents)
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/announce", s.handleAnnounce)
			r.Post("/rescan", s.handleRescan)
			r.Get("/{id}", s.handleGetDevice)
			r.Delete("/{id}", s.handleForgetDevice)
		})

		r.Route("/modules", func(r chi.Router) {
			r.Post("/", s.handleRegisterModule)
			r.Get("/", s.handleListModules)
			r.Get("/{id}", s.handleGetModule)
			r.Delete("/{id}", s.handleDeleteModule)
		})

		r.Get("/events/ws", s.handleWebSocket)
	})

	return r
}

// Router returns the HTTP handler, for embedding and tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the websocket hub so callers can broadcast their own events.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves the API until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  config.Seconds(s.config.ReadTimeoutSeconds),
		WriteTimeout: config.Seconds(s.config.WriteTimeoutSeconds),
	}

	// Relay registry changes to stream consumers while serving.
	go s.relayRegistryEvents(ctx)
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.config.ListenAddr).Info("API server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) relayRegistryEvents(ctx context.Context) {
	sub := s.registry.Watch(256)
	defer s.registry.Unwatch(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			s.hub.Broadcast("device", ev)
		}
	}
}
