// Package handlers provides HTTP request handlers for the netprobe API.
// This file implements health check and version endpoints.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/anstrom/netprobe/internal/scanning"
)

// DatabasePinger defines the interface for database health checking.
type DatabasePinger interface {
	Ping(ctx context.Context) error
}

// ResourceReporter reports scan slot usage.
type ResourceReporter interface {
	Stats() scanning.ResourceStats
}

const healthCheckTimeout = 5 * time.Second

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
	statusOK            = "ok"
)

// build information, set by SetBuildInfo.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// SetBuildInfo records the version reported by /api/v1/version.
func SetBuildInfo(v, c, bt string) {
	version, commit, buildTime = v, c, bt
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	database  DatabasePinger
	resources ResourceReporter
	logger    *slog.Logger
	startTime time.Time
}

// NewHealthHandler creates a new health handler. database and resources may
// be nil.
func NewHealthHandler(database DatabasePinger, resources ResourceReporter, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		database:  database,
		resources: resources,
		logger:    logger.With("handler", "health"),
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime"`
	Checks    map[string]string       `json:"checks"`
	Scans     *scanning.ResourceStats `json:"scans,omitempty"`
}

// LivenessResponse represents a simple liveness check response.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	BuildTime string    `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Timestamp time.Time `json:"timestamp"`
}

// Health checks the database and reports scan slot usage. It answers 503
// when a configured dependency fails or the scanner is shutting down.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    make(map[string]string),
	}

	if h.database == nil {
		response.Checks["database"] = StatusNotConfigured
	} else if err := h.database.Ping(ctx); err != nil {
		h.logger.Warn("Database health check failed", "error", err)
		response.Status = StatusUnhealthy
		response.Checks["database"] = StatusUnhealthy
	} else {
		response.Checks["database"] = statusOK
	}

	if h.resources != nil {
		stats := h.resources.Stats()
		response.Scans = &stats
		if stats.Closed {
			response.Status = StatusUnhealthy
			response.Checks["scanner"] = "shutting down"
		} else {
			response.Checks["scanner"] = statusOK
		}
	}

	statusCode := http.StatusOK
	if response.Status != StatusHealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)
}

// Liveness answers without checking dependencies.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
	})
}

// Version reports build information.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
		Timestamp: time.Now().UTC(),
	})
}
