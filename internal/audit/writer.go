package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// DefaultMaxSizeMB bounds one audit file before it is rotated.
	DefaultMaxSizeMB = 100
	// DefaultMaxBackups is the number of rotated audit files kept.
	DefaultMaxBackups = 3
)

// ErrNoPath is returned by NewFileWriter when no path is configured.
var ErrNoPath = errors.New("audit file path is required")

type (
	// JSONWriter writes one JSON object per entry through a slog handler.
	JSONWriter struct {
		handler slog.Handler
	}

	// FileConfig configures a rotating audit file.
	FileConfig struct {
		Path       string
		MaxSizeMB  int
		MaxBackups int
		Compress   bool
	}
)

// NewJSONWriter writes entries as JSON lines to w.
func NewJSONWriter(w io.Writer) *JSONWriter {
	return &JSONWriter{
		handler: slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: slog.LevelInfo,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if len(groups) == 0 && a.Key == slog.MessageKey {
					a.Key = "action"
				}

				return a
			},
		}),
	}
}

// NewFileWriter returns a JSONWriter appending to a size-rotated file, and the
// file handle so the caller can close it on shutdown.
func NewFileWriter(cfg FileConfig) (*JSONWriter, io.Closer, error) {
	if cfg.Path == "" {
		return nil, nil, ErrNoPath
	}

	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = DefaultMaxSizeMB
	}

	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = DefaultMaxBackups
	}

	file := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}

	return NewJSONWriter(file), file, nil
}

// Write implements Writer. Unlike slog.Logger, handler errors are returned.
func (w *JSONWriter) Write(ctx context.Context, entry Entry) error {
	record := slog.NewRecord(entry.Time, slog.LevelInfo, string(entry.Action), 0)
	record.AddAttrs(
		slog.String("id", entry.ID),
		slog.String("actor", entry.Actor),
	)

	if len(entry.Context) > 0 {
		record.AddAttrs(slog.Any("context", entry.Context))
	}

	return w.handler.Handle(ctx, record)
}
