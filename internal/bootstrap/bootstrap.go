// Package bootstrap wires the shared runtime of the ingestor binaries: the
// topology, the audit trail and the database connection.
package bootstrap

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/s2report/ingestor/internal/audit"
	"github.com/s2report/ingestor/internal/config"
	"github.com/s2report/ingestor/internal/ingestion"
	"github.com/s2report/ingestor/internal/storage"
	"github.com/s2report/ingestor/internal/topology"
)

type (
	// AuditConfig selects where audit entries go.
	AuditConfig struct {
		// Path of a size-rotated JSON-lines file. Empty streams to stderr.
		Path       string
		MaxSizeMB  int
		MaxBackups int
		Compress   bool
		// Database persists entries in the audit_log table as well.
		Database bool
		// Statements audits every SQL statement to the file or stream. It is
		// on unless explicitly disabled.
		Statements bool
	}

	// Runtime holds what every binary needs. Close releases it in reverse
	// order of acquisition.
	Runtime struct {
		Logger   *slog.Logger
		Topology *topology.Topology
		Conn     *storage.Connection
		Auditor  *audit.Auditor
		AuditLog *storage.AuditLogStore

		closers []io.Closer
	}
)

// NewLogger returns the JSON stdout logger every binary uses.
func NewLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))
}

// LoadAuditConfig reads audit configuration from the environment.
//
// Environment variables:
//   - AUDIT_LOG_PATH: rotating audit file (default: stream to stderr)
//   - AUDIT_LOG_MAX_SIZE_MB, AUDIT_LOG_MAX_BACKUPS: rotation (default: 100MB x 3)
//   - AUDIT_LOG_COMPRESS: gzip rotated files (default: false)
//   - AUDIT_DB_ENABLED: also write the audit_log table (default: true)
//   - AUDIT_STATEMENTS: audit every SQL statement to the file or stream (default: true)
func LoadAuditConfig() AuditConfig {
	return AuditConfig{
		Path:       config.GetEnvStr("AUDIT_LOG_PATH", ""),
		MaxSizeMB:  config.GetEnvInt("AUDIT_LOG_MAX_SIZE_MB", audit.DefaultMaxSizeMB),
		MaxBackups: config.GetEnvInt("AUDIT_LOG_MAX_BACKUPS", audit.DefaultMaxBackups),
		Compress:   config.GetEnvBool("AUDIT_LOG_COMPRESS", false),
		Database:   config.GetEnvBool("AUDIT_DB_ENABLED", true),
		Statements: config.GetEnvBool("AUDIT_STATEMENTS", true),
	}
}

// Open loads the topology, opens the audit stream and connects to the
// database described by dbConfig.
//
// Statement-level entries go to the audit stream only: the audit_log writer
// needs the connection that would be producing them.
func Open(logger *slog.Logger, dbConfig *storage.Config, auditConfig AuditConfig) (*Runtime, error) {
	rt := &Runtime{Logger: logger}

	topo, err := topology.LoadFromEnv()
	if err != nil {
		return nil, err
	}

	rt.Topology = topo

	stream, err := rt.openStream(auditConfig)
	if err != nil {
		return nil, err
	}

	var connOpts []storage.ConnectionOption
	if auditConfig.Statements {
		connOpts = append(connOpts, storage.WithStatementAuditor(audit.New(os.Stderr, stream)))
	}

	conn, err := storage.NewConnection(dbConfig, connOpts...)
	if err != nil {
		_ = rt.Close()

		return nil, err
	}

	rt.Conn = conn
	rt.closers = append(rt.closers, conn)

	writers := []audit.Writer{stream}

	if auditConfig.Database {
		rt.AuditLog, err = storage.NewAuditLogStore(conn)
		if err != nil {
			_ = rt.Close()

			return nil, err
		}

		writers = append(writers, rt.AuditLog)
	}

	rt.Auditor = audit.New(os.Stderr, writers...)

	logger.Info("Runtime initialized",
		slog.Int("countries", len(topo.Countries)),
		slog.Int("platforms", len(topo.Platforms)),
		slog.Int("data_types", len(topo.DataTypes)),
		slog.String("database_url", dbConfig.MaskDatabaseURL()),
		slog.String("audit_file", auditConfig.Path),
		slog.Bool("audit_database", auditConfig.Database),
		slog.Bool("audit_statements", auditConfig.Statements),
	)

	return rt, nil
}

func (r *Runtime) openStream(cfg AuditConfig) (*audit.JSONWriter, error) {
	if cfg.Path == "" {
		return audit.NewJSONWriter(os.Stderr), nil
	}

	writer, file, err := audit.NewFileWriter(audit.FileConfig{
		Path:       cfg.Path,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}

	r.closers = append(r.closers, file)

	return writer, nil
}

// Provisioner returns a Provisioner auditing to the runtime's auditor.
func (r *Runtime) Provisioner() (*storage.Provisioner, error) {
	return storage.NewProvisioner(r.Conn, storage.WithProvisionAuditor(r.Auditor))
}

// Engine returns an ingestion Engine over a TransactionStore, and the store
// for read access to upload history.
func (r *Runtime) Engine() (*ingestion.Engine, *storage.TransactionStore, error) {
	store, err := storage.NewTransactionStore(r.Conn)
	if err != nil {
		return nil, nil, err
	}

	engine, err := ingestion.NewEngine(store,
		ingestion.WithTopology(r.Topology),
		ingestion.WithAuditor(r.Auditor),
		ingestion.WithLogger(r.Logger),
		ingestion.WithDateLayout(config.GetEnvStr("INGESTOR_DATE_LAYOUT", ingestion.DefaultDateLayout)),
	)
	if err != nil {
		return nil, nil, err
	}

	return engine, store, nil
}

// Closers returns the runtime's resources, in the order they should be closed.
func (r *Runtime) Closers() []io.Closer {
	out := make([]io.Closer, 0, len(r.closers))
	for i := len(r.closers) - 1; i >= 0; i-- {
		out = append(out, r.closers[i])
	}

	return out
}

// Close releases every resource. It is safe to call more than once.
func (r *Runtime) Close() error {
	var errs []error

	for _, c := range r.Closers() {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	r.closers = nil

	return errors.Join(errs...)
}
