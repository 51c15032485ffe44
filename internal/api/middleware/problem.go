// Package middleware provides HTTP middleware components for the ingestor API.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// ProblemTypeBase prefixes the RFC 7807 "type" URI of every error response.
const ProblemTypeBase = "https://ingestor.s2report.io/problems/"

// ProblemType returns the RFC 7807 type URI for an HTTP status.
func ProblemType(status int) string {
	return ProblemTypeBase + strconv.Itoa(status)
}

// writeProblem writes an RFC 7807 problem response without importing the api package.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string) error {
	problem := map[string]any{
		"type":          ProblemType(status),
		"title":         title,
		"status":        status,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": GetCorrelationID(r.Context()),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(problem)
}

// writeProblemOrText writes a problem response and falls back to plain text
// when encoding fails.
func writeProblemOrText(
	w http.ResponseWriter,
	r *http.Request,
	logger *slog.Logger,
	status int,
	title, detail string,
) {
	if err := writeProblem(w, r, status, title, detail); err != nil {
		logger.Error("failed to write RFC 7807 error response",
			slog.String("correlation_id", GetCorrelationID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)

		http.Error(w, detail, status)
	}
}
