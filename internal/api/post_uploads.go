package api

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/s2report/ingestor/internal/api/middleware"
	"github.com/s2report/ingestor/internal/ingestion"
	"github.com/s2report/ingestor/internal/parser"
)

const (
	// anonymousActor is recorded for uploads made while authentication is disabled.
	anonymousActor = "anonymous"

	uploadFileField = "file"
)

// handleUpload accepts one file for one partition as multipart/form-data.
//
// Form fields: country, platform, channel, data_type (optional unless the
// topology requires it) and file. The file extension picks the parser.
//
// Response codes:
//   - 200 OK: every record accepted, or the file was already ingested
//   - 207 Multi-Status: some records were rejected by the database
//   - 400 Bad Request: malformed form or unreadable file
//   - 413 Payload Too Large: upload exceeds MaxUploadSize
//   - 415 Unsupported Media Type: not multipart, or an unsupported file type
//   - 422 Unprocessable Entity: bad coordinates, empty file or every record rejected
//   - 503 Service Unavailable: storage failure, batch rolled back
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.deps.Ingester == nil {
		s.unavailable(w, r, "ingestion engine")

		return
	}

	batch, problem := s.parseUploadRequest(w, r)
	if problem != nil {
		s.logger.Warn("Upload rejected before ingestion",
			slog.String("correlation_id", correlationID),
			slog.Int("status", problem.Status),
			slog.String("detail", problem.Detail),
		)

		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	result, err := s.deps.Ingester.Ingest(r.Context(), *batch)
	if err != nil {
		problem := ingestProblem(err)

		level := slog.LevelWarn
		if problem.Status >= http.StatusInternalServerError {
			level = slog.LevelError
		}

		s.logger.Log(r.Context(), level, "Upload failed",
			slog.String("correlation_id", correlationID),
			slog.String("file", batch.FileName),
			slog.String("actor", batch.Actor),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	s.writeJSON(w, r, uploadStatusCode(result), UploadResponse{
		Result:        *result,
		FileName:      batch.FileName,
		Records:       len(batch.Records),
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	})
}

// parseUploadRequest validates the multipart request and parses the file.
// It returns either a batch ready for the engine or a problem to send back.
func (s *Server) parseUploadRequest(w http.ResponseWriter, r *http.Request) (*ingestion.Batch, *ProblemDetail) {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		return nil, UnsupportedMediaType("Content-Type must be multipart/form-data")
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if tooLarge(err) {
			return nil, PayloadTooLarge("Upload exceeds the maximum size")
		}

		return nil, BadRequest("Malformed multipart form: " + err.Error())
	}

	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile(uploadFileField)
	if err != nil {
		return nil, BadRequest("Form field \"file\" is required")
	}

	defer func() {
		_ = file.Close()
	}()

	p, err := parser.ForFile(header.Filename)
	if err != nil {
		return nil, parseProblem(err)
	}

	source, err := io.ReadAll(file)
	if err != nil {
		if tooLarge(err) {
			return nil, PayloadTooLarge("Upload exceeds the maximum size")
		}

		return nil, BadRequest("Failed to read uploaded file")
	}

	records, err := p.Parse(bytes.NewReader(source))
	if err != nil {
		return nil, parseProblem(err)
	}

	return &ingestion.Batch{
		FileName: header.Filename,
		Coordinates: ingestion.Coordinates{
			Country:  strings.TrimSpace(r.FormValue("country")),
			Platform: strings.TrimSpace(r.FormValue("platform")),
			Channel:  strings.TrimSpace(r.FormValue("channel")),
			DataType: strings.TrimSpace(r.FormValue("data_type")),
		},
		Records: records,
		Source:  source,
		Actor:   requestActor(r),
	}, nil
}

// uploadStatusCode follows batch semantics: full success is 200, partial
// success is 207 and a batch where every record was refused is 422.
func uploadStatusCode(result *ingestion.Result) int {
	switch {
	case result.Duplicate, result.Rejected == 0:
		return http.StatusOK
	case result.Accepted > 0:
		return http.StatusMultiStatus
	default:
		return http.StatusUnprocessableEntity
	}
}

func requestActor(r *http.Request) string {
	if opCtx, ok := middleware.GetOperatorContext(r.Context()); ok {
		return opCtx.OperatorID
	}

	return anonymousActor
}

func tooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError

	return errors.As(err, &maxBytesErr)
}
