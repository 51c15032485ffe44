package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/s2report/ingestor/internal/api/middleware"
	"github.com/s2report/ingestor/internal/storage"
)

const (
	healthCheckTimeout     = 2 * time.Second
	expectedURLParts       = 2
	contentTypeProblemJSON = "application/problem+json"
	versionHeader          = "X-Ingestor-Version"
	defaultListLimit       = 50
	maxListLimit           = 500
)

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public health endpoints
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},     // K8s liveness probe
		Route{"GET /ready", s.handleReady},   // K8s readiness probe
		Route{"GET /health", s.handleHealth}, // Basic health check - status, uptime, version
		Route{"/", s.handleNotFound},         // Catch-all handler for 404 responses
	)

	// Upload endpoints
	s.handleProtected(mux, "POST /api/v1/uploads", storage.PermissionUploadsWrite, s.handleUpload)
	s.handleProtected(mux, "GET /api/v1/uploads", storage.PermissionUploadsRead, s.handleListUploads)

	// Topology and partitions
	s.handleProtected(mux, "GET /api/v1/topology", storage.PermissionUploadsRead, s.handleGetTopology)
	s.handleProtected(mux, "GET /api/v1/partitions", storage.PermissionUploadsRead, s.handleListPartitions)

	// Audit trail
	s.handleProtected(mux, "GET /api/v1/audit", storage.PermissionAuditRead, s.handleListAudit)
}

// handleProtected registers a route that requires an operator permission.
// When authentication is disabled the permission check passes through.
func (s *Server) handleProtected(mux *http.ServeMux, pattern, permission string, handler http.HandlerFunc) {
	mux.Handle(pattern, middleware.RequirePermission(permission, s.logger, handler))
}

// registerPublicRoutes registers HTTP routes that bypass authentication and rate limiting.
// This is a convenience method that:
//  1. Registers the route handler with the HTTP mux
//  2. Automatically registers the path as a public endpoint (bypasses auth middleware)
//
// Security Warning: Never register business logic endpoints as public routes.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Go 1.22+ method-based routing uses "GET /path" but r.URL.Path is just "/path".
		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", route.Path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set(versionHeader, Version)
	w.WriteHeader(http.StatusOK)

	s.writeText(w, r, "pong")
}

// handleReady responds to Kubernetes readiness probes with a storage health check.
//
// Response codes:
//   - 200 OK: the database answers and the pod can accept uploads
//   - 503 Service Unavailable: the database is unhealthy or unreachable
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.deps.Health == nil {
		s.logger.Warn("Health checker not configured - readiness check disabled",
			slog.String("correlation_id", correlationID),
		)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		s.writeText(w, r, "ready")

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.deps.Health.HealthCheck(ctx); err != nil {
		s.logger.Error("Storage health check failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		s.writeText(w, r, "storage unavailable")

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	s.writeText(w, r, "ready")
}

// handleHealth returns detailed health status information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string

	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	w.Header().Set(versionHeader, Version)
	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: "ingestor",
		Version:     Version,
		Uptime:      uptime,
	})
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// writeJSON marshals v before touching the response so encoding failures can
// still become a 500.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	correlationID := middleware.GetCorrelationID(r.Context())

	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		// Headers already sent, log only
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) writeText(w http.ResponseWriter, r *http.Request, body string) {
	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

// unavailable writes a 503 for an endpoint whose dependency is not wired.
func (s *Server) unavailable(w http.ResponseWriter, r *http.Request, what string) {
	s.logger.Warn("Endpoint dependency not configured",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.String("dependency", what),
	)

	WriteErrorResponse(w, r, s.logger, ServiceUnavailable(what+" is not configured"))
}

// parseLimit reads the "limit" query parameter. Missing means defaultListLimit;
// values above maxListLimit are clamped.
func parseLimit(r *http.Request) (int, *ProblemDetail) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, BadRequest("limit must be a positive integer")
	}

	return min(limit, maxListLimit), nil
}
