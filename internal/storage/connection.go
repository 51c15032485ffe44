package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"

	"github.com/s2report/ingestor/internal/audit"
	"github.com/s2report/ingestor/internal/config"
)

const (
	postgresDriver = "postgres"
	// maxAuditedArgLength truncates statement arguments in audit entries.
	maxAuditedArgLength = 200
)

type (
	// Connection is a PostgreSQL connection pool shared by every store.
	//
	// Stores execute statements through exec and query, which bound each
	// statement by the configured timeout and record it to the audit sink.
	// The embedded *sql.DB is available for callers that must bypass auditing.
	Connection struct {
		*sql.DB
		statementTimeout time.Duration
		connectTimeout   time.Duration
		auditor          audit.Sink
		logger           *slog.Logger
	}

	// ConnectionOption configures optional Connection behavior.
	ConnectionOption func(*Connection)

	// execer is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
	execer interface {
		ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
		QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	}
)

// WithStatementAuditor records every statement to sink.
func WithStatementAuditor(sink audit.Sink) ConnectionOption {
	return func(c *Connection) {
		if sink != nil {
			c.auditor = sink
		}
	}
}

// NewConnection opens a pool and verifies it with a ping bounded by the
// connect timeout.
func NewConnection(cfg *Config, opts ...ConnectionOption) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(postgresDriver, cfg.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	conn := &Connection{
		DB:               db,
		statementTimeout: cfg.StatementTimeout,
		connectTimeout:   cfg.ConnectTimeout,
		auditor:          audit.Nop(),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(conn)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.MaskDatabaseURL(), err)
	}

	return conn, nil
}

// HealthCheck pings the database within the connect timeout.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil || c.DB == nil {
		return ErrNoDatabaseConnection
	}

	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	if err := c.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}

// Close closes the pool. It is safe to call on a nil Connection.
func (c *Connection) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}

	return c.DB.Close()
}

// checkout reserves one pooled connection, waiting at most the connect
// timeout. The caller must Close the returned *sql.Conn.
func (c *Connection) checkout(ctx context.Context) (*sql.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	return c.Conn(ctx)
}

// exec runs one statement on target within the statement timeout and audits it.
func (c *Connection) exec(ctx context.Context, target execer, query string, args ...any) (sql.Result, error) {
	stmtCtx, cancel := context.WithTimeout(ctx, c.statementTimeout)
	defer cancel()

	start := time.Now()
	result, err := target.ExecContext(stmtCtx, query, args...)

	var affected int64 = -1
	if err == nil {
		if n, rowsErr := result.RowsAffected(); rowsErr == nil {
			affected = n
		}
	}

	c.auditStatement(ctx, query, args, affected, time.Since(start), err)

	return result, err
}

// queryRow runs a single-row query within the statement timeout, scanning
// into dest.
func (c *Connection) queryRow(ctx context.Context, target execer, query string, args []any, dest ...any) error {
	stmtCtx, cancel := context.WithTimeout(ctx, c.statementTimeout)
	defer cancel()

	start := time.Now()

	rows, err := target.QueryContext(stmtCtx, query, args...)
	if err == nil {
		err = scanOne(rows, dest...)
	}

	c.auditStatement(ctx, query, args, -1, time.Since(start), err)

	return err
}

// query runs a multi-row query within the statement timeout and passes each
// row to scan.
func (c *Connection) query(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	stmtCtx, cancel := context.WithTimeout(ctx, c.statementTimeout)
	defer cancel()

	start := time.Now()
	count := int64(0)

	rows, err := c.QueryContext(stmtCtx, query, args...)
	if err == nil {
		err = func() error {
			defer func() { _ = rows.Close() }()

			for rows.Next() {
				if err := scan(rows); err != nil {
					return err
				}

				count++
			}

			return rows.Err()
		}()
	}

	c.auditStatement(ctx, query, args, count, time.Since(start), err)

	return err
}

func scanOne(rows *sql.Rows, dest ...any) error {
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}

		return sql.ErrNoRows
	}

	if err := rows.Scan(dest...); err != nil {
		return err
	}

	return rows.Err()
}

func (c *Connection) auditStatement(ctx context.Context, query string, args []any, rows int64, elapsed time.Duration, err error) {
	fields := map[string]any{
		"query":      query,
		"args":       auditArgs(args),
		"durationMs": elapsed.Milliseconds(),
	}

	if rows >= 0 {
		fields["rows"] = rows
	}

	if err != nil {
		fields["error"] = err.Error()
		if state := sqlState(err); state != "" {
			fields["sqlstate"] = state
		}

		c.logger.Debug("Statement failed", slog.String("error", err.Error()), slog.Duration("duration", elapsed))
	}

	c.auditor.Record(ctx, "", audit.ActionStoreExec, fields)
}

func auditArgs(args []any) []any {
	out := make([]any, len(args))

	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			out[i] = truncate(audit.RedactString(v))
		case []byte:
			out[i] = truncate(audit.RedactString(string(v)))
		case time.Time:
			out[i] = v.Format(time.RFC3339)
		default:
			out[i] = v
		}
	}

	return out
}

func truncate(s string) string {
	if len(s) <= maxAuditedArgLength {
		return s
	}

	cut := maxAuditedArgLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut] + "…"
}
