package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/s2report/ingestor/internal/audit"
	"github.com/s2report/ingestor/internal/config"
	"github.com/s2report/ingestor/internal/routing"
	"github.com/s2report/ingestor/internal/topology"
)

const percent = 100

type (
	// Engine ingests batches. It is safe for concurrent use; each Ingest call
	// runs on the caller's goroutine and owns its own transaction.
	Engine struct {
		store      Store
		topology   *topology.Topology
		auditor    audit.Sink
		logger     *slog.Logger
		now        func() time.Time
		dateLayout string
	}

	// Option configures optional Engine behavior.
	Option func(*Engine)
)

// WithTopology makes the Engine reject coordinates the topology does not
// declare, and enforce its data_type_required flags. Without a topology
// only blank coordinates are rejected.
func WithTopology(t *topology.Topology) Option {
	return func(e *Engine) {
		e.topology = t
	}
}

// WithAuditor sets the audit sink. Defaults to audit.Nop().
func WithAuditor(s audit.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.auditor = s
		}
	}
}

// WithLogger sets the application logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the ingestion clock. The clock's date is the fallback
// for unreadable transaction dates.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDateLayout overrides DefaultDateLayout.
func WithDateLayout(layout string) Option {
	return func(e *Engine) {
		if layout != "" {
			e.dateLayout = layout
		}
	}
}

// NewEngine creates an Engine writing through store.
func NewEngine(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	e := &Engine{
		store:   store,
		auditor: audit.Nop(),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		now:        time.Now,
		dateLayout: DefaultDateLayout,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Ingest writes batch to its partition.
//
// Order of checks:
//  1. coordinates are validated without touching the store
//  2. the raw source bytes are fingerprinted
//  3. an already-ingested fingerprint returns a Result with Duplicate set and a nil error
//  4. an empty batch fails with a *ValidationError
//  5. the target partition is resolved once for the whole batch
//  6. rows and the upload record are written in one transaction
//
// Unreadable amounts and dates fall back to defaults and never reject a
// record. Records the database refuses are counted as rejected. Any other
// store failure rolls back the batch and is returned as a *StorageError.
func (e *Engine) Ingest(ctx context.Context, batch Batch) (*Result, error) {
	start := e.now()

	actor := batch.Actor
	if actor == "" {
		actor = audit.ActorFromContext(ctx)
	}

	coords := batch.Coordinates
	fingerprint := Fingerprint(batch.Source)

	e.auditor.Record(ctx, actor, audit.ActionIngestStarted, map[string]any{
		"fileName":    batch.FileName,
		"coordinates": coordsFields(coords),
		"fingerprint": fingerprint,
		"records":     len(batch.Records),
		"fileSize":    len(batch.Source),
	})

	if err := e.validateCoordinates(coords); err != nil {
		return nil, e.validationFailed(ctx, actor, batch, err)
	}

	exists, err := e.store.UploadExists(ctx, fingerprint)
	if err != nil {
		return nil, e.failed(ctx, actor, batch, fingerprint, asStorageError("duplicate check", err))
	}

	if exists {
		return e.duplicate(ctx, actor, batch, fingerprint), nil
	}

	if len(batch.Records) == 0 {
		return nil, e.validationFailed(ctx, actor, batch, &ValidationError{Err: ErrEmptyBatch})
	}

	target, err := routing.ResolvePath(coords.Country, coords.Platform, coords.Channel, coords.DataType)
	if err != nil {
		return nil, e.validationFailed(ctx, actor, batch, &ValidationError{Err: err})
	}

	rows, amounts, dates, err := e.prepareRows(batch.Records)
	if err != nil {
		return nil, e.failed(ctx, actor, batch, fingerprint, asStorageError("encode payload", err))
	}

	upload := UploadRecord{
		FileName:    batch.FileName,
		Fingerprint: fingerprint,
		Country:     target.Country,
		Platform:    target.Platform,
		Channel:     target.Channel,
		DataType:    target.DataType,
		UploadedBy:  actor,
		RecordCount: len(rows),
	}

	written, err := e.store.WriteBatch(ctx, target, rows, upload)
	if err != nil {
		if IsConflict(err) {
			// A concurrent upload of the same bytes committed first.
			return e.duplicate(ctx, actor, batch, fingerprint), nil
		}

		return nil, e.failed(ctx, actor, batch, fingerprint, asStorageError("write batch", err))
	}

	for _, f := range written.Failures {
		e.logger.Warn("Record rejected",
			slog.String("file", batch.FileName),
			slog.Int("ordinal", f.Ordinal),
			slog.String("target", target.Table()),
			slog.String("error", f.Err.Error()))
	}

	result := &Result{
		Accepted:         written.Accepted,
		Rejected:         len(rows) - written.Accepted,
		Target:           target.Table(),
		Fingerprint:      fingerprint,
		AcceptedRatio:    ratio(written.Accepted, len(rows)),
		DefaultedAmounts: amounts,
		DefaultedDates:   dates,
	}

	e.logger.Info("Batch ingested",
		slog.String("file", batch.FileName),
		slog.String("target", result.Target),
		slog.Int("accepted", result.Accepted),
		slog.Int("rejected", result.Rejected),
		slog.Float64("accepted_ratio", result.AcceptedRatio),
		slog.Duration("duration", e.now().Sub(start)))

	e.auditor.Record(ctx, actor, audit.ActionIngestSucceeded, map[string]any{
		"fileName":         batch.FileName,
		"fingerprint":      fingerprint,
		"target":           result.Target,
		"accepted":         result.Accepted,
		"rejected":         result.Rejected,
		"acceptedRatio":    result.AcceptedRatio,
		"defaultedAmounts": amounts,
		"defaultedDates":   dates,
		"rejectedOrdinals": failureOrdinals(written.Failures),
		"durationMs":       e.now().Sub(start).Milliseconds(),
	})

	return result, nil
}

func (e *Engine) validateCoordinates(c Coordinates) error {
	requireDataType := e.topology != nil && e.topology.RequiresDataType(c.Country, c.Platform)

	if missing := c.missing(requireDataType); len(missing) > 0 {
		return &ValidationError{Fields: missing, Err: ErrMissingCoordinate}
	}

	if e.topology == nil {
		return nil
	}

	var unknown []string

	switch {
	case !e.topology.HasCountry(c.Country):
		unknown = append(unknown, "country")
	case !e.topology.HasPlatform(c.Platform):
		unknown = append(unknown, "platform")
	case !e.topology.HasChannel(c.Country, c.Platform, c.Channel):
		unknown = append(unknown, "channel")
	}

	if !isBlank(c.DataType) && !e.topology.HasDataType(c.DataType) {
		unknown = append(unknown, "data_type")
	}

	if len(unknown) > 0 {
		return &ValidationError{Fields: unknown, Err: ErrUnknownCoordinate}
	}

	return nil
}

// prepareRows coerces every record, returning how many amounts and dates
// fell back to defaults.
func (e *Engine) prepareRows(records []Record) ([]Row, int, int, error) {
	rows := make([]Row, 0, len(records))
	fallbackDate := e.now()

	var defaultedAmounts, defaultedDates int

	for i, rec := range records {
		ordinal := i + 1

		amount, ok := coerceAmount(rec.Get(FieldAmount))
		if !ok {
			defaultedAmounts++

			e.logger.Debug("Amount defaulted to zero", slog.Int("ordinal", ordinal))
		}

		date, ok := coerceDate(rec.Get(FieldTransactionDate), e.dateLayout, fallbackDate)
		if !ok {
			defaultedDates++

			e.logger.Warn("Unreadable transaction date, using ingestion date",
				slog.Int("ordinal", ordinal),
				slog.String("value", rec.Get(FieldTransactionDate).String()),
				slog.String("layout", e.dateLayout))
		}

		payload, err := encodePayload(rec)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("record %d: %w", ordinal, err)
		}

		rows = append(rows, Row{
			Ordinal:         ordinal,
			TransactionDate: date,
			Amount:          amount,
			Payload:         payload,
		})
	}

	return rows, defaultedAmounts, defaultedDates, nil
}

func (e *Engine) validationFailed(ctx context.Context, actor string, batch Batch, err error) error {
	fields := map[string]any{
		"fileName":    batch.FileName,
		"coordinates": coordsFields(batch.Coordinates),
		"error":       err.Error(),
	}

	var validationErr *ValidationError
	if errors.As(err, &validationErr) && len(validationErr.Fields) > 0 {
		fields["fields"] = validationErr.Fields
	}

	e.auditor.Record(ctx, actor, audit.ActionIngestValidationFailed, fields)
	e.logger.Warn("Upload rejected", slog.String("file", batch.FileName), slog.String("error", err.Error()))

	return err
}

func (e *Engine) duplicate(ctx context.Context, actor string, batch Batch, fingerprint string) *Result {
	dup := &DuplicateBatchError{Fingerprint: fingerprint}

	e.auditor.Record(ctx, actor, audit.ActionIngestDuplicate, map[string]any{
		"fileName":    batch.FileName,
		"coordinates": coordsFields(batch.Coordinates),
		"fingerprint": fingerprint,
	})
	e.logger.Warn("Duplicate upload skipped", slog.String("file", batch.FileName), slog.String("reason", dup.Error()))

	return &Result{Duplicate: true, Fingerprint: fingerprint}
}

func (e *Engine) failed(ctx context.Context, actor string, batch Batch, fingerprint string, err error) error {
	e.auditor.Record(ctx, actor, audit.ActionIngestFailed, map[string]any{
		"fileName":    batch.FileName,
		"coordinates": coordsFields(batch.Coordinates),
		"fingerprint": fingerprint,
		"error":       err.Error(),
		"errorType":   fmt.Sprintf("%T", errors.Unwrap(err)),
	})
	e.logger.Error("Ingestion failed", slog.String("file", batch.FileName), slog.String("error", err.Error()))

	return err
}

func asStorageError(op string, err error) error {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return err
	}

	return &StorageError{Op: op, Err: err}
}

func coordsFields(c Coordinates) map[string]any {
	return map[string]any{
		"country":  c.Country,
		"platform": c.Platform,
		"channel":  c.Channel,
		"dataType": c.DataType,
	}
}

func failureOrdinals(failures []RowFailure) []int {
	ordinals := make([]int, 0, len(failures))
	for _, f := range failures {
		ordinals = append(ordinals, f.Ordinal)
	}

	return ordinals
}

func ratio(accepted, total int) float64 {
	if total == 0 {
		return 0
	}

	return math.Round(float64(accepted)/float64(total)*percent*percent) / percent
}
