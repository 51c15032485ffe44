package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/s2report/ingestor/internal/audit"
)

const defaultAuditListLimit = 100

// AuditLogStore implements audit.Writer interface.
var _ audit.Writer = (*AuditLogStore)(nil)

type (
	// AuditLogStore persists audit entries in the audit_log table.
	//
	// It writes through the raw pool rather than the audited helpers, so its
	// own inserts are never audited. Statement-level entries are skipped by
	// default because they outnumber every other action by orders of magnitude.
	AuditLogStore struct {
		conn              *Connection
		includeStatements bool
	}

	// AuditLogOption configures optional AuditLogStore behavior.
	AuditLogOption func(*AuditLogStore)
)

// WithStatementEntries makes the store persist store.exec entries too.
func WithStatementEntries(include bool) AuditLogOption {
	return func(s *AuditLogStore) {
		s.includeStatements = include
	}
}

// NewAuditLogStore creates an AuditLogStore. Returns ErrNoDatabaseConnection if conn is nil.
func NewAuditLogStore(conn *Connection, opts ...AuditLogOption) (*AuditLogStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	s := &AuditLogStore{conn: conn}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Write implements audit.Writer.
func (s *AuditLogStore) Write(ctx context.Context, entry audit.Entry) error {
	if entry.Action == audit.ActionStoreExec && !s.includeStatements {
		return nil
	}

	payload, err := json.Marshal(entry.Context)
	if err != nil {
		return fmt.Errorf("failed to encode audit context: %w", err)
	}

	if entry.Context == nil {
		payload = []byte("{}")
	}

	ctx, cancel := context.WithTimeout(ctx, s.conn.statementTimeout)
	defer cancel()

	const query = `
		INSERT INTO audit_log (id, occurred_at, actor, action, context)
		VALUES ($1, $2, $3, $4, $5::jsonb)`

	if _, err := s.conn.DB.ExecContext(ctx, query,
		entry.ID, entry.Time, entry.Actor, string(entry.Action), string(payload)); err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}

	return nil
}

// Recent returns the newest entries, optionally filtered by action prefix
// (for example "ingest." or "provision.failed").
func (s *AuditLogStore) Recent(ctx context.Context, actionPrefix string, limit int) ([]audit.Entry, error) {
	if limit <= 0 || limit > defaultAuditListLimit*10 {
		limit = defaultAuditListLimit
	}

	ctx, cancel := context.WithTimeout(ctx, s.conn.statementTimeout)
	defer cancel()

	const query = `
		SELECT id, occurred_at, actor, action, context
		FROM audit_log
		WHERE ($1 = '' OR action LIKE $1 || '%')
		ORDER BY occurred_at DESC
		LIMIT $2`

	rows, err := s.conn.DB.QueryContext(ctx, query, actionPrefix, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var entries []audit.Entry

	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	return entries, nil
}

func scanAuditEntry(rows *sql.Rows) (audit.Entry, error) {
	var (
		entry   audit.Entry
		action  string
		payload []byte
		at      time.Time
	)

	if err := rows.Scan(&entry.ID, &at, &entry.Actor, &action, &payload); err != nil {
		return audit.Entry{}, fmt.Errorf("failed to scan audit entry: %w", err)
	}

	entry.Time = at.UTC()
	entry.Action = audit.Action(action)

	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &entry.Context); err != nil {
			return audit.Entry{}, fmt.Errorf("failed to decode audit context: %w", err)
		}
	}

	return entry, nil
}
