package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/wavecast/wavecast/internal/cluster"
	"github.com/wavecast/wavecast/internal/config"
	"github.com/wavecast/wavecast/internal/hub"
	"github.com/wavecast/wavecast/internal/metrics"
	"github.com/wavecast/wavecast/internal/middleware"
	"github.com/wavecast/wavecast/internal/ratelimit"
	"github.com/wavecast/wavecast/internal/realtime"
	"github.com/wavecast/wavecast/internal/tenant"
)

// TenantStore is the slice of the control-plane store the admin API
// needs. *tenant.Store satisfies it.
type TenantStore interface {
	Create(ctx context.Context, t *tenant.Tenant) error
	GetByExternalID(ctx context.Context, externalID string) (*tenant.Tenant, error)
	List(ctx context.Context) ([]*tenant.Tenant, error)
	Update(ctx context.Context, t *tenant.Tenant) error
	Delete(ctx context.Context, externalID string) error
}

// Deps carries the wired subsystems the HTTP layer fronts.
type Deps struct {
	Registry   *tenant.Registry
	Store      TenantStore
	Supervisor *tenant.Manager
	Gateway    *realtime.Gateway
	Hub        *hub.Hub
	Cluster    *cluster.Manager
	Limits     *ratelimit.Registry
	Metrics    metrics.Manager
}

// Server owns the HTTP listener: the WebSocket endpoint, the broadcast
// fan-in API, the admin tenant API and the intra-cluster endpoints.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	registry   *tenant.Registry
	store      TenantStore
	supervisor *tenant.Manager
	gateway    *realtime.Gateway
	hub        *hub.Hub
	cluster    *cluster.Manager
	limits     *ratelimit.Registry
	metrics    metrics.Manager
	stats      *metrics.NodeStatsTracker
	logger     *logrus.Entry
}

// New creates the server and mounts all routes. The listener is not
// opened until Start.
func New(cfg *config.Config, deps Deps, logger *logrus.Entry) (*Server, error) {
	httpServer := &http.Server{
		Addr: cfg.Listen,
		// WebSocket upgrades clear these deadlines on the hijacked
		// conn; they only bound plain HTTP requests.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	server := &Server{
		cfg:        cfg,
		httpServer: httpServer,
		registry:   deps.Registry,
		store:      deps.Store,
		supervisor: deps.Supervisor,
		gateway:    deps.Gateway,
		hub:        deps.Hub,
		cluster:    deps.Cluster,
		limits:     deps.Limits,
		metrics:    deps.Metrics,
		stats:      metrics.NewNodeStatsTracker(),
		logger:     logger,
	}

	server.setupRoutes()
	return server, nil
}

// Start opens the listener and blocks until ctx is cancelled, then
// shuts the listener down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"address": s.cfg.Listen,
		"node":    s.cluster.NodeID(),
	}).Info("Starting server")

	if s.cfg.Metrics.Enable {
		if err := s.metrics.Start(ctx); err != nil {
			s.logger.WithError(err).Warn("Failed to start metrics manager")
		}
	}

	go func() {
		if err := s.listen(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Server error")
		}
	}()

	<-ctx.Done()

	return s.shutdown()
}

func (s *Server) listen() error {
	if s.cfg.EnableTLS {
		return s.httpServer.ListenAndServeTLS(s.cfg.CertFile, s.cfg.KeyFile)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) shutdown() error {
	s.logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown stops the listener and waits for plain HTTP requests.
	// Hijacked WebSocket conns are not tracked here; the tenant
	// supervisor closes them during drain.
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("Failed to shutdown HTTP server")
	}

	if s.cfg.Metrics.Enable {
		if err := s.metrics.Stop(); err != nil {
			s.logger.WithError(err).Warn("Failed to stop metrics manager")
		}
	}

	return nil
}

func (s *Server) setupRoutes() {
	router := mux.NewRouter()

	router.Use(middleware.Logging(s.logger))
	router.Use(middleware.CORS())
	if s.cfg.Metrics.Enable {
		router.Use(s.metrics.Middleware())
	}

	router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	if s.cfg.Metrics.Enable {
		router.Handle(s.cfg.Metrics.Path, s.metrics.GetMetricsHandler()).Methods(http.MethodGet)
	}

	router.HandleFunc("/realtime/v1/websocket", s.handleWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/api/broadcast", s.handleBroadcast).Methods(http.MethodPost)

	if s.cfg.AdminAPIKey != "" {
		admin := router.PathPrefix("/admin").Subrouter()
		admin.Use(s.adminAuth)
		admin.HandleFunc("/tenants", s.handleTenantCreate).Methods(http.MethodPost)
		admin.HandleFunc("/tenants", s.handleTenantList).Methods(http.MethodGet)
		admin.HandleFunc("/tenants/{external_id}", s.handleTenantGet).Methods(http.MethodGet)
		admin.HandleFunc("/tenants/{external_id}", s.handleTenantUpdate).Methods(http.MethodPatch)
		admin.HandleFunc("/tenants/{external_id}", s.handleTenantDelete).Methods(http.MethodDelete)
		admin.HandleFunc("/tenants/{external_id}/reload", s.handleTenantReload).Methods(http.MethodPost)
		admin.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	} else {
		s.logger.Warn("Admin API disabled, no admin key configured")
	}

	clusterAuth := middleware.ClusterAuth(s.cfg.SecretKeyBase, s.logger)
	router.Handle(cluster.GossipPath, clusterAuth(http.HandlerFunc(s.cluster.HandleGossip))).Methods(http.MethodPost)
	router.Handle(cluster.RelayPath, clusterAuth(http.HandlerFunc(s.cluster.HandleRelay))).Methods(http.MethodPost)
	router.Handle(cluster.HandoverPath, clusterAuth(http.HandlerFunc(s.cluster.HandleHandover))).Methods(http.MethodPost)
	router.Handle(cluster.InvalidatePath, clusterAuth(http.HandlerFunc(s.cluster.HandleInvalidate))).Methods(http.MethodPost)

	s.httpServer.Handler = handlers.RecoveryHandler()(router)
}

// Handler exposes the assembled route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
