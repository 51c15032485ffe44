package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"

	"github.com/lib/pq"
)

// PostgreSQL error codes the stores act on.
// See https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	codeUniqueViolation = "23505"
	codeDuplicateTable  = "42P07"
	codeDuplicateObject = "42710"
	codeQueryCanceled   = "57014"

	classConnectionException = "08"
	classDataException       = "22"
	classIntegrityViolation  = "23"
)

var (
	// ErrNoDatabaseConnection is returned when a store is created without a connection.
	ErrNoDatabaseConnection = errors.New("database connection is required")
)

func sqlState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}

	return ""
}

// isAlreadyExists reports whether a CREATE failed because the object exists.
// Concurrent CREATE TABLE can also surface as a unique violation on the
// system catalogs instead of duplicate_table.
func isAlreadyExists(err error) bool {
	switch sqlState(err) {
	case codeDuplicateTable, codeDuplicateObject, codeUniqueViolation:
		return true
	default:
		return false
	}
}

// isRowError reports whether an INSERT failed because of the row's own data
// (bad value, constraint) rather than the store. Such rows are rejected
// individually.
func isRowError(err error) bool {
	state := sqlState(err)

	return strings.HasPrefix(state, classDataException) || strings.HasPrefix(state, classIntegrityViolation)
}

// isUniqueViolationOn reports whether err is a unique violation of constraint.
func isUniqueViolationOn(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	return string(pqErr.Code) == codeUniqueViolation && pqErr.Constraint == constraint
}

// isDatabaseConnectionError checks if an error indicates database connection failure.
// Uses PostgreSQL error codes (Class 08) and standard database/sql errors for robust detection.
func isDatabaseConnectionError(err error) bool {
	if err == nil {
		return false
	}

	if strings.HasPrefix(sqlState(err), classConnectionException) {
		return true
	}

	return errors.Is(err, sql.ErrConnDone) || errors.Is(err, driver.ErrBadConn)
}

// isTimeout reports whether err came from a statement or checkout deadline.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || sqlState(err) == codeQueryCanceled
}
