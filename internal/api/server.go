// Package api provides the HTTP REST API for netprobe. It runs scans on
// demand, serves the stored scan history and exposes health and Prometheus
// metrics endpoints.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	apihandlers "github.com/anstrom/netprobe/internal/api/handlers"
	"github.com/anstrom/netprobe/internal/api/middleware"
	"github.com/anstrom/netprobe/internal/auth"
	"github.com/anstrom/netprobe/internal/config"
	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/logging"
	"github.com/anstrom/netprobe/internal/metrics"
	"github.com/anstrom/netprobe/internal/profiles"
	"github.com/anstrom/netprobe/internal/scanning"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	rateLimiterIdle        = 10 * time.Minute
)

// Deps are the collaborators the server routes requests to. Store, Database
// and Resources may be nil.
type Deps struct {
	Scanner   apihandlers.Scanner
	Store     apihandlers.ScanStore
	Database  apihandlers.DatabasePinger
	Resources apihandlers.ResourceReporter
	Profiles  apihandlers.ProfileSource
	Metrics   *metrics.PrometheusMetrics
	Logger    *logging.Logger
}

// Server represents the API server.
type Server struct {
	httpServer  *http.Server
	router      *mux.Router
	config      *config.Config
	logger      *slog.Logger
	metrics     *metrics.PrometheusMetrics
	rateLimiter *middleware.RateLimiter
	startTime   time.Time
}

// New creates a new API server instance.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Scanner == nil {
		return nil, errors.NewConfigError(errors.CodeConfiguration, "api server requires a scanner")
	}

	base := deps.Logger
	if base == nil {
		base = logging.Default()
	}
	logger := base.WithComponent("api").Logger

	if deps.Profiles == nil {
		presets, err := profiles.NewManager(cfg.Profiles)
		if err != nil {
			return nil, err
		}
		deps.Profiles = presets
	}

	promMetrics := deps.Metrics
	if promMetrics == nil {
		promMetrics = metrics.NewPrometheusMetrics()
	}

	server := &Server{
		router:    mux.NewRouter(),
		config:    cfg,
		logger:    logger,
		metrics:   promMetrics,
		startTime: time.Now(),
	}

	if cfg.API.RateLimit.Enabled {
		server.rateLimiter = middleware.NewRateLimiter(
			cfg.API.RateLimit.RequestsPerSecond, cfg.API.RateLimit.Burst, rateLimiterIdle)
	}

	if err := server.setupMiddleware(); err != nil {
		return nil, err
	}
	server.setupRoutes(deps)

	server.httpServer = &http.Server{
		Addr:         cfg.GetAPIAddress(),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	return server, nil
}

// Start serves until ctx ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("API server failed to listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx ends.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	s.logger.Info("Starting API server",
		"address", listener.Addr().String(),
		"read_timeout", s.httpServer.ReadTimeout,
		"write_timeout", s.httpServer.WriteTimeout)

	if s.rateLimiter != nil {
		go s.rateLimiter.Run(ctx)
	}

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errChan:
		return err
	}
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping API server")

	timeout := s.config.API.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("API server shutdown error", "error", err)
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	s.logger.Info("API server stopped successfully")
	return nil
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes(deps Deps) {
	health := apihandlers.NewHealthHandler(deps.Database, deps.Resources, s.logger)
	scans := apihandlers.NewScanHandler(deps.Scanner, deps.Store, apihandlers.ScanDefaults{
		ScanType: scanning.ScanType(s.config.Scanning.DefaultScanType),
		Timeout:  s.config.Scanning.Timeout,
		Profiles: deps.Profiles,
	}, s.logger)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/liveness", health.Liveness).Methods(http.MethodGet)
	api.HandleFunc("/health", health.Health).Methods(http.MethodGet)
	api.HandleFunc("/version", health.Version).Methods(http.MethodGet)

	api.HandleFunc("/scans", scans.CreateScan).Methods(http.MethodPost)
	api.HandleFunc("/scans", scans.ListScans).Methods(http.MethodGet)
	api.HandleFunc("/scans/{id}", scans.GetScan).Methods(http.MethodGet)

	api.HandleFunc("/profiles", scans.ListProfiles).Methods(http.MethodGet)
	api.HandleFunc("/profiles/{name}", scans.GetProfile).Methods(http.MethodGet)

	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)
}

// setupMiddleware configures middleware for the API server. Route-level
// middleware runs only for matched routes; CORS wraps the whole router in
// Handler so preflight requests are answered.
func (s *Server) setupMiddleware() error {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.Logging(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(middleware.SecurityHeaders())

	if s.rateLimiter != nil {
		s.router.Use(middleware.RateLimit(s.rateLimiter, s.logger))
	}

	if s.config.API.AuthEnabled {
		keys, err := auth.NewKeySet(s.config.API.APIKeyHashes)
		if err != nil {
			return errors.WrapConfigError(errors.CodeConfiguration, "invalid API key configuration", err)
		}
		s.router.Use(middleware.Authentication(keys, s.logger))
	}

	s.router.Use(middleware.ContentType())
	return nil
}

// Handler returns the root HTTP handler with CORS and the body size limit
// applied.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	if s.config.API.MaxRequestSize > 0 {
		handler = http.MaxBytesHandler(handler, s.config.API.MaxRequestSize)
	}

	cors := s.config.API.CORS
	if cors.Enabled {
		handler = handlers.CORS(
			handlers.AllowedOrigins(cors.AllowedOrigins),
			handlers.AllowedMethods(cors.AllowedMethods),
			handlers.AllowedHeaders(cors.AllowedHeaders),
		)(handler)
	}
	return handler
}

// index returns API information for root requests.
func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"service": "netprobe API",
		"version": "v1",
		"endpoints": map[string]string{
			"scans":    "/api/v1/scans",
			"profiles": "/api/v1/profiles",
			"liveness": "/api/v1/liveness",
			"health":   "/api/v1/health",
			"version":  "/api/v1/version",
			"metrics":  "/metrics",
		},
		"uptime":    time.Since(s.startTime).Round(time.Second).String(),
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Error("Failed to encode API index response", "error", err)
	}
}

// GetRouter returns the configured router.
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// GetAddress returns the configured listen address.
func (s *Server) GetAddress() string {
	return s.httpServer.Addr
}
