package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/s2report/ingestor/internal/api/middleware"
	"github.com/s2report/ingestor/internal/audit"
	"github.com/s2report/ingestor/internal/ingestion"
)

// handleListUploads returns recent upload history.
//
// Query parameters:
//   - limit: maximum entries, default 50, capped at 500
func (s *Server) handleListUploads(w http.ResponseWriter, r *http.Request) {
	if s.deps.Uploads == nil {
		s.unavailable(w, r, "upload history")

		return
	}

	limit, problem := parseLimit(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	uploads, err := s.deps.Uploads.ListUploads(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list uploads",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Upload history is unavailable"))

		return
	}

	if uploads == nil {
		uploads = []ingestion.UploadRecord{}
	}

	s.writeJSON(w, r, http.StatusOK, UploadListResponse{Uploads: uploads, Count: len(uploads)})
}

// handleListAudit returns recent audit entries.
//
// Query parameters:
//   - action: action prefix filter, e.g. "ingest." or "provision.failed"
//   - limit: maximum entries, default 50, capped at 500
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		s.unavailable(w, r, "audit log")

		return
	}

	limit, problem := parseLimit(r)
	if problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	action := strings.TrimSpace(r.URL.Query().Get("action"))

	entries, err := s.deps.Audit.Recent(r.Context(), action, limit)
	if err != nil {
		s.logger.Error("Failed to read audit log",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("action", action),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Audit log is unavailable"))

		return
	}

	if entries == nil {
		entries = []audit.Entry{}
	}

	s.writeJSON(w, r, http.StatusOK, AuditListResponse{Entries: entries, Count: len(entries)})
}
