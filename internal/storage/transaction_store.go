package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/s2report/ingestor/internal/config"
	"github.com/s2report/ingestor/internal/ingestion"
	"github.com/s2report/ingestor/internal/routing"
)

const (
	rowSavepoint = "ingest_row"

	defaultUploadListLimit = 50
	maxUploadListLimit     = 500
)

// TransactionStore implements ingestion.Store interface.
var _ ingestion.Store = (*TransactionStore)(nil)

// TransactionStore writes ingested batches into the partition tree.
//
// A batch runs in one transaction. Each row insert is wrapped in a savepoint
// so a row the database refuses is rolled back alone and the transaction stays
// usable for the rows after it.
type TransactionStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewTransactionStore creates a TransactionStore. Returns ErrNoDatabaseConnection if conn is nil.
func NewTransactionStore(conn *Connection) (*TransactionStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &TransactionStore{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// UploadExists implements ingestion.Store.
func (s *TransactionStore) UploadExists(ctx context.Context, fingerprint string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM upload_history WHERE file_hash = $1)`

	var exists bool
	if err := s.conn.queryRow(ctx, s.conn.DB, query, []any{fingerprint}, &exists); err != nil {
		return false, storageError("duplicate check", err)
	}

	return exists, nil
}

// WriteBatch implements ingestion.Store.
func (s *TransactionStore) WriteBatch(
	ctx context.Context,
	target routing.Path,
	rows []ingestion.Row,
	upload ingestion.UploadRecord,
) (*ingestion.WriteResult, error) {
	dbConn, err := s.conn.checkout(ctx)
	if err != nil {
		return nil, storageError("acquire connection", err)
	}

	defer func() {
		_ = dbConn.Close()
	}()

	// The transaction is driven with plain BEGIN/COMMIT on one connection so
	// that, like every other statement, they run under the statement timeout
	// and are audited.
	if _, err := s.conn.exec(ctx, dbConn, "BEGIN"); err != nil {
		return nil, storageError("begin transaction", err)
	}

	committed := false

	defer func() {
		if !committed {
			s.rollback(ctx, dbConn)
		}
	}()

	insert := fmt.Sprintf(`
		INSERT INTO %s (country_code, platform, channel, data_type, transaction_date, amount, raw_data, upload_fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`, pq.QuoteIdentifier(target.Table()))

	result := &ingestion.WriteResult{}

	for _, row := range rows {
		if _, err := s.conn.exec(ctx, dbConn, "SAVEPOINT "+rowSavepoint); err != nil {
			return nil, storageError("savepoint", err)
		}

		_, err := s.conn.exec(ctx, dbConn, insert,
			target.Country, target.Platform, target.Channel, target.DataType,
			row.TransactionDate, row.Amount, row.Payload, upload.Fingerprint)
		if err != nil {
			if !isRowError(err) {
				return nil, storageError(fmt.Sprintf("insert row %d", row.Ordinal), err)
			}

			if _, rbErr := s.conn.exec(ctx, dbConn, "ROLLBACK TO SAVEPOINT "+rowSavepoint); rbErr != nil {
				return nil, storageError("rollback to savepoint", rbErr)
			}

			result.Failures = append(result.Failures, ingestion.RowFailure{Ordinal: row.Ordinal, Err: err})

			continue
		}

		if _, err := s.conn.exec(ctx, dbConn, "RELEASE SAVEPOINT "+rowSavepoint); err != nil {
			return nil, storageError("release savepoint", err)
		}

		result.Accepted++
	}

	upload.AcceptedCount = result.Accepted
	upload.RejectedCount = len(rows) - result.Accepted

	if err := s.insertUpload(ctx, dbConn, upload); err != nil {
		return nil, err
	}

	// Every failed statement returns above, so the transaction is not in
	// the aborted state PostgreSQL would silently roll back on COMMIT.
	if _, err := s.conn.exec(ctx, dbConn, "COMMIT"); err != nil {
		return nil, storageError("commit", err)
	}

	committed = true

	s.logger.Debug("Batch committed",
		slog.String("target", target.Table()),
		slog.Int("accepted", result.Accepted),
		slog.Int("rejected", len(result.Failures)))

	return result, nil
}

// rollback ends an open transaction on dbConn. It runs even when ctx is
// cancelled; a connection that cannot be rolled back is discarded rather
// than returned to the pool mid-transaction.
func (s *TransactionStore) rollback(ctx context.Context, dbConn *sql.Conn) {
	if _, err := s.conn.exec(context.WithoutCancel(ctx), dbConn, "ROLLBACK"); err != nil {
		s.logger.Warn("Rollback failed, discarding connection", slog.String("error", err.Error()))

		_ = dbConn.Raw(func(any) error { return driver.ErrBadConn })
	}
}

func (s *TransactionStore) insertUpload(ctx context.Context, target execer, upload ingestion.UploadRecord) error {
	const query = `
		INSERT INTO upload_history (
			file_name, file_hash, country_code, platform, channel, data_type,
			uploaded_by, record_count, accepted_count, rejected_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.conn.exec(ctx, target, query,
		upload.FileName, upload.Fingerprint, upload.Country, upload.Platform, upload.Channel,
		nullIfEmpty(upload.DataType), upload.UploadedBy,
		upload.RecordCount, upload.AcceptedCount, upload.RejectedCount)
	if err != nil {
		if isUniqueViolationOn(err, uploadFingerprintConstraint) {
			return &ingestion.StorageError{Op: "insert upload", Conflict: true, Err: err}
		}

		return storageError("insert upload", err)
	}

	return nil
}

// ListUploads returns the most recent uploads, newest first. A non-positive
// limit selects the default; limits above the maximum are clamped.
func (s *TransactionStore) ListUploads(ctx context.Context, limit int) ([]ingestion.UploadRecord, error) {
	switch {
	case limit <= 0:
		limit = defaultUploadListLimit
	case limit > maxUploadListLimit:
		limit = maxUploadListLimit
	}

	const query = `
		SELECT upload_id, upload_time, file_name, file_hash, country_code, platform, channel,
		       COALESCE(data_type, ''), COALESCE(uploaded_by, ''), record_count, accepted_count, rejected_count
		FROM upload_history
		ORDER BY upload_time DESC, upload_id DESC
		LIMIT $1`

	uploads := make([]ingestion.UploadRecord, 0, limit)

	err := s.conn.query(ctx, query, []any{limit}, func(rows *sql.Rows) error {
		var (
			u          ingestion.UploadRecord
			uploadedAt time.Time
		)

		if err := rows.Scan(&u.ID, &uploadedAt, &u.FileName, &u.Fingerprint, &u.Country, &u.Platform, &u.Channel,
			&u.DataType, &u.UploadedBy, &u.RecordCount, &u.AcceptedCount, &u.RejectedCount); err != nil {
			return err
		}

		u.UploadedAt = uploadedAt.UTC()
		uploads = append(uploads, u)

		return nil
	})
	if err != nil {
		return nil, storageError("list uploads", err)
	}

	return uploads, nil
}

// CountRows returns the number of rows visible through table, which may be
// any node of the partition tree.
func (s *TransactionStore) CountRows(ctx context.Context, table string) (int64, error) {
	query := "SELECT COUNT(*) FROM " + pq.QuoteIdentifier(table)

	var n int64
	if err := s.conn.queryRow(ctx, s.conn.DB, query, nil, &n); err != nil {
		return 0, storageError("count rows", err)
	}

	return n, nil
}

func storageError(op string, err error) error {
	var storageErr *ingestion.StorageError
	if errors.As(err, &storageErr) {
		return err
	}

	if isTimeout(err) {
		err = fmt.Errorf("statement timed out: %w", err)
	} else if isDatabaseConnectionError(err) {
		err = fmt.Errorf("database connection lost: %w", err)
	}

	return &ingestion.StorageError{Op: op, Err: err}
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}

	return s
}
