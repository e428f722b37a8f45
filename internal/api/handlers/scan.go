// Package handlers provides HTTP request handlers for the netprobe API.
// This file implements the scan endpoints: running a scan and reading the
// stored history.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/netprobe/internal/api/middleware"
	"github.com/anstrom/netprobe/internal/db"
	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/ports"
	"github.com/anstrom/netprobe/internal/profiles"
	"github.com/anstrom/netprobe/internal/scanning"
)

// Scan validation constants.
const (
	maxTargetLength   = 255
	maxTimeoutSeconds = 60
)

// Scanner runs one scan.
type Scanner interface {
	Scan(ctx context.Context, req scanning.Request) (*scanning.ScanResult, error)
}

// ScanStore persists scan results.
type ScanStore interface {
	Save(ctx context.Context, result *scanning.ScanResult) error
	Get(ctx context.Context, id uuid.UUID) (*scanning.ScanResult, error)
	List(ctx context.Context, opts db.ListOptions) ([]db.ScanSummary, error)
}

// ProfileSource looks up named scan presets.
type ProfileSource interface {
	Get(name string) (profiles.Profile, error)
	GetAll() []profiles.Profile
}

// ScanDefaults fill in fields a request leaves out.
type ScanDefaults struct {
	ScanType scanning.ScanType
	Timeout  time.Duration
	Profiles ProfileSource
}

// ScanHandler handles scan-related API endpoints.
type ScanHandler struct {
	scanner  Scanner
	store    ScanStore
	defaults ScanDefaults
	logger   *slog.Logger
}

// NewScanHandler creates a new scan handler. store may be nil, in which case
// results are returned but not kept.
func NewScanHandler(scanner Scanner, store ScanStore, defaults ScanDefaults, logger *slog.Logger) *ScanHandler {
	if defaults.ScanType == "" {
		defaults.ScanType = scanning.ScanTypeAll
	}
	if defaults.Timeout <= 0 {
		defaults.Timeout = scanning.DefaultTimeout
	}
	return &ScanHandler{
		scanner:  scanner,
		store:    store,
		defaults: defaults,
		logger:   logger.With("handler", "scan"),
	}
}

// ScanRequest represents a scan request body.
type ScanRequest struct {
	Target   string `json:"target"`
	Profile  string `json:"profile,omitempty"`
	ScanType string `json:"scan_type,omitempty"`
	// Ports uses the CLI syntax, e.g. "22,80,8000-8010". Omitted means no
	// port list was supplied; "" is an explicitly empty list.
	Ports          *string  `json:"ports,omitempty"`
	TimeoutSeconds *float64 `json:"timeout_seconds,omitempty"`
}

// ScanListResponse is the body of GET /api/v1/scans.
type ScanListResponse struct {
	Data       []db.ScanSummary `json:"data"`
	Pagination PaginationParams `json:"pagination"`
}

// toRequest validates the body shape; target and port semantics are checked
// again by the scanner.
func (h *ScanHandler) toRequest(body *ScanRequest) (scanning.Request, error) {
	req := scanning.Request{
		Target:  body.Target,
		Type:    h.defaults.ScanType,
		Timeout: h.defaults.Timeout,
	}

	if body.Target == "" {
		return req, errors.NewScanError(errors.CodeValidation, "target is required")
	}
	if len(body.Target) > maxTargetLength {
		return req, errors.NewScanError(errors.CodeValidation, "target is too long")
	}

	if body.Profile != "" {
		if h.defaults.Profiles == nil {
			return req, errors.NewScanError(errors.CodeValidation, "profiles are not available")
		}
		profile, err := h.defaults.Profiles.Get(body.Profile)
		if err != nil {
			return req, errors.NewScanError(errors.CodeValidation, "unknown profile").
				WithContext("profile", body.Profile)
		}
		if err := profile.Apply(&req); err != nil {
			return req, err
		}
	}

	if body.ScanType != "" {
		scanType, err := scanning.ParseScanType(body.ScanType)
		if err != nil {
			return req, err
		}
		req.Type = scanType
	}

	switch {
	case body.Ports == nil:
	case strings.TrimSpace(*body.Ports) == "":
		req.Ports = []int{}
	default:
		parsed, err := ports.Parse(*body.Ports)
		if err != nil {
			return req, err
		}
		req.Ports = parsed
	}

	if body.TimeoutSeconds != nil {
		seconds := *body.TimeoutSeconds
		if seconds <= 0 || seconds > maxTimeoutSeconds {
			return req, errors.NewScanError(errors.CodeValidation,
				"timeout_seconds must be greater than 0 and at most 60")
		}
		req.Timeout = time.Duration(seconds * float64(time.Second))
	}

	return req, nil
}

// CreateScan handles POST /api/v1/scans. The scan runs synchronously and the
// merged result is returned.
func (h *ScanHandler) CreateScan(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r)

	var body ScanRequest
	if err := parseJSON(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	req, err := h.toRequest(&body)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	h.logger.Info("Starting scan",
		"request_id", requestID,
		"target", req.Target,
		"scan_type", req.Type,
		"ports", ports.Format(req.Ports))

	result, err := h.scanner.Scan(r.Context(), req)
	if err != nil {
		h.logger.Warn("Scan did not complete",
			"request_id", requestID,
			"target", req.Target,
			"error", err)
		writeError(w, r, statusFor(err), err)
		return
	}

	if h.store != nil {
		if err := h.store.Save(r.Context(), result); err != nil {
			// The scan itself succeeded; the client still gets the result.
			h.logger.Error("Failed to store scan result",
				"request_id", requestID,
				"scan_id", result.ID,
				"error", err)
			w.Header().Set("X-Netprobe-Stored", "false")
		} else {
			w.Header().Set("X-Netprobe-Stored", "true")
		}
	}

	writeJSON(w, r, http.StatusOK, result)
}

// ListScans handles GET /api/v1/scans.
func (h *ScanHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, r, http.StatusServiceUnavailable,
			errors.NewDatabaseError(errors.CodeServiceUnavailable, "scan history is not enabled"))
		return
	}

	params, err := getPaginationParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	summaries, err := h.store.List(r.Context(), db.ListOptions{
		Target: r.URL.Query().Get("target"),
		Limit:  params.PageSize,
		Offset: params.Offset,
	})
	if err != nil {
		h.logger.Error("Failed to list scans", "request_id", middleware.GetRequestID(r), "error", err)
		writeError(w, r, statusFor(err), err)
		return
	}

	writeJSON(w, r, http.StatusOK, ScanListResponse{Data: summaries, Pagination: params})
}

// GetScan handles GET /api/v1/scans/{id}.
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, r, http.StatusServiceUnavailable,
			errors.NewDatabaseError(errors.CodeServiceUnavailable, "scan history is not enabled"))
		return
	}

	id, err := extractUUIDFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	result, err := h.store.Get(r.Context(), id)
	if err != nil {
		if !errors.IsCode(err, errors.CodeNotFound) {
			h.logger.Error("Failed to get scan",
				"request_id", middleware.GetRequestID(r),
				"scan_id", id,
				"error", err)
		}
		writeError(w, r, statusFor(err), err)
		return
	}

	writeJSON(w, r, http.StatusOK, result)
}
