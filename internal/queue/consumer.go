package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/s2report/ingestor/internal/audit"
	"github.com/s2report/ingestor/internal/config"
	"github.com/s2report/ingestor/internal/ingestion"
)

// ConsumerActor is the audit actor for messages that name no operator.
const ConsumerActor = "kafka-consumer"

// Outcome is the final state of one consumed message.
type Outcome string

// Message outcomes. Each of them commits the message offset.
const (
	OutcomeIngested  Outcome = "ingested"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeRejected  Outcome = "rejected"
)

type (
	// Reader is the subset of *kafka.Reader the Consumer uses.
	Reader interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		io.Closer
	}

	// Ingester ingests one batch.
	Ingester interface {
		Ingest(ctx context.Context, batch ingestion.Batch) (*ingestion.Result, error)
	}

	// Consumer reads upload messages and ingests them one at a time.
	//
	// A message is committed once its outcome is final: ingested, duplicate,
	// or rejected because the message or its content is invalid. A storage
	// failure stops the consumer without committing, so the message is
	// delivered again after a restart.
	Consumer struct {
		reader        Reader
		ingester      Ingester
		auditor       audit.Sink
		logger        *slog.Logger
		commitTimeout time.Duration

		ingested   atomic.Int64
		duplicates atomic.Int64
		rejected   atomic.Int64
	}

	// ConsumerOption configures optional Consumer behavior.
	ConsumerOption func(*Consumer)

	// Stats counts message outcomes since the Consumer was created.
	Stats struct {
		Ingested   int64 `json:"ingested"`
		Duplicates int64 `json:"duplicates"`
		Rejected   int64 `json:"rejected"`
	}
)

// ErrNilReader is returned by NewConsumer when no reader is supplied.
var ErrNilReader = errors.New("kafka reader cannot be nil")

// ErrNilIngester is returned by NewConsumer when no ingester is supplied.
var ErrNilIngester = errors.New("ingester cannot be nil")

// WithConsumerAuditor records rejected messages that never reach the engine.
func WithConsumerAuditor(sink audit.Sink) ConsumerOption {
	return func(c *Consumer) {
		if sink != nil {
			c.auditor = sink
		}
	}
}

// WithConsumerLogger sets the application logger.
func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCommitTimeout bounds each offset commit.
func WithCommitTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.commitTimeout = d
		}
	}
}

// NewConsumer creates a Consumer reading from reader.
func NewConsumer(reader Reader, ingester Ingester, opts ...ConsumerOption) (*Consumer, error) {
	if reader == nil {
		return nil, ErrNilReader
	}

	if ingester == nil {
		return nil, ErrNilIngester
	}

	c := &Consumer{
		reader:        reader,
		ingester:      ingester,
		auditor:       audit.Nop(),
		commitTimeout: defaultCommitTimeout,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// NewReader creates a consumer-group reader for cfg whose diagnostics go to logger.
func NewReader(cfg *Config, logger *slog.Logger) (*kafka.Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
		Logger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Debug(fmt.Sprintf(msg, args...), slog.String("component", "kafka"))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Error(fmt.Sprintf(msg, args...), slog.String("component", "kafka"))
		}),
	}), nil
}

// Run consumes messages until ctx is cancelled or the reader is closed, in
// which case it returns nil. Any other return is a failure the caller should
// treat as fatal.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				c.logger.Info("Consumer stopped", slog.Any("stats", c.Stats()))

				return nil
			}

			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if err := c.Process(ctx, msg); err != nil {
			return err
		}
	}
}

// Process handles one message and commits it when its outcome is final.
func (c *Consumer) Process(ctx context.Context, msg kafka.Message) error {
	outcome, err := c.handle(ctx, msg)
	if err != nil {
		c.logger.Error("Message processing failed, offset not committed",
			slog.String("topic", msg.Topic),
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()))

		return fmt.Errorf("message %s/%d@%d: %w", msg.Topic, msg.Partition, msg.Offset, err)
	}

	switch outcome {
	case OutcomeIngested:
		c.ingested.Add(1)
	case OutcomeDuplicate:
		c.duplicates.Add(1)
	case OutcomeRejected:
		c.rejected.Add(1)
	}

	// The commit must land even when shutdown cancelled ctx mid-message.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.commitTimeout)
	defer cancel()

	if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
		return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
	}

	return nil
}

// Stats returns the outcome counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Ingested:   c.ingested.Load(),
		Duplicates: c.duplicates.Load(),
		Rejected:   c.rejected.Load(),
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) (Outcome, error) {
	upload, err := DecodeMessage(msg.Value)
	if err != nil {
		c.reject(ctx, msg, "", err)

		return OutcomeRejected, nil
	}

	batch, err := upload.Batch()
	if err != nil {
		c.reject(ctx, msg, upload.FileName, err)

		return OutcomeRejected, nil
	}

	result, err := c.ingester.Ingest(audit.WithActor(ctx, ConsumerActor), batch)
	if err != nil {
		var validationErr *ingestion.ValidationError
		if errors.As(err, &validationErr) {
			c.logger.Warn("Upload rejected",
				slog.String("file", upload.FileName),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()))

			return OutcomeRejected, nil
		}

		return "", err
	}

	if result.Duplicate {
		c.logger.Info("Duplicate upload skipped",
			slog.String("file", upload.FileName),
			slog.String("fingerprint", result.Fingerprint))

		return OutcomeDuplicate, nil
	}

	c.logger.Info("Upload ingested from queue",
		slog.String("file", upload.FileName),
		slog.String("target", result.Target),
		slog.Int("accepted", result.Accepted),
		slog.Int("rejected", result.Rejected),
		slog.Int64("offset", msg.Offset))

	return OutcomeIngested, nil
}

// reject logs and audits a message that never reached the engine.
func (c *Consumer) reject(ctx context.Context, msg kafka.Message, fileName string, err error) {
	c.logger.Warn("Message rejected",
		slog.String("topic", msg.Topic),
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
		slog.String("file", fileName),
		slog.String("error", err.Error()))

	c.auditor.Record(ctx, ConsumerActor, audit.ActionIngestValidationFailed, map[string]any{
		"source":    "kafka",
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
		"fileName":  fileName,
		"error":     err.Error(),
	})
}
