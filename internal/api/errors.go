package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/s2report/ingestor/internal/api/middleware"
	"github.com/s2report/ingestor/internal/ingestion"
	"github.com/s2report/ingestor/internal/parser"
)

// ProblemDetail represents an RFC 7807 Problem Details structure.
// See https://tools.ietf.org/html/rfc7807 for specification.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	// Fields names the offending inputs of a validation failure (extension member).
	Fields []string `json:"fields,omitempty"`
}

// NewProblemDetail creates a new RFC 7807 Problem Detail.
func NewProblemDetail(status int, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   middleware.ProblemType(status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
}

// WithInstance adds an instance URI to the problem detail.
func (p *ProblemDetail) WithInstance(instance string) *ProblemDetail {
	p.Instance = instance

	return p
}

// WithCorrelationID adds a correlation ID to the problem detail.
func (p *ProblemDetail) WithCorrelationID(correlationID string) *ProblemDetail {
	p.CorrelationID = correlationID

	return p
}

// WriteErrorResponse writes an RFC 7807 compliant error response.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if problem.CorrelationID == "" {
		problem.CorrelationID = correlationID
	}

	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", contentTypeProblemJSON)
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("encode_error", err),
			slog.Int("status", problem.Status),
		)

		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Common error constructors for frequently used errors.

// InternalServerError creates a 500 Internal Server Error problem.
func InternalServerError(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusInternalServerError, "Internal Server Error", detail)
}

// BadRequest creates a 400 Bad Request problem.
func BadRequest(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusBadRequest, "Bad Request", detail)
}

// NotFound creates a 404 Not Found problem.
func NotFound(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusNotFound, "Not Found", detail)
}

// PayloadTooLarge creates a 413 Payload Too Large problem.
func PayloadTooLarge(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusRequestEntityTooLarge, "Payload Too Large", detail)
}

// UnsupportedMediaType creates a 415 Unsupported Media Type problem.
func UnsupportedMediaType(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusUnsupportedMediaType, "Unsupported Media Type", detail)
}

// UnprocessableEntity creates a 422 Unprocessable Entity problem listing the
// offending fields.
func UnprocessableEntity(detail string, fields ...string) *ProblemDetail {
	p := NewProblemDetail(http.StatusUnprocessableEntity, "Unprocessable Entity", detail)
	p.Fields = fields

	return p
}

// ServiceUnavailable creates a 503 Service Unavailable problem.
func ServiceUnavailable(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusServiceUnavailable, "Service Unavailable", detail)
}

// ingestProblem maps an engine failure to a problem.
//
// Validation failures are the caller's fault and nothing was written. Storage
// failures rolled the batch back and are worth retrying.
func ingestProblem(err error) *ProblemDetail {
	var (
		validationErr *ingestion.ValidationError
		storageErr    *ingestion.StorageError
	)

	switch {
	case errors.As(err, &validationErr):
		return UnprocessableEntity(validationErr.Error(), validationErr.Fields...)
	case errors.As(err, &storageErr):
		return ServiceUnavailable("Batch was not stored; retry later")
	default:
		return InternalServerError("Upload could not be processed")
	}
}

// parseProblem maps a file parsing failure to a problem. Anything the parser
// rejects other than the file type is a malformed upload.
func parseProblem(err error) *ProblemDetail {
	if errors.Is(err, parser.ErrUnsupportedFormat) {
		return UnsupportedMediaType(err.Error())
	}

	return BadRequest("Malformed upload: " + err.Error())
}
