package ingestion

import (
	"context"

	"github.com/s2report/ingestor/internal/routing"
)

// Store is the persistence port the Engine writes through. The PostgreSQL
// implementation lives in internal/storage.
type Store interface {
	// UploadExists reports whether an upload with this fingerprint was committed.
	UploadExists(ctx context.Context, fingerprint string) (bool, error)

	// WriteBatch inserts rows into target and records upload, all in one
	// transaction.
	//
	// Rows the database refuses on data grounds (bad value, constraint) are
	// reported in WriteResult.Failures and do not stop later rows. Any other
	// failure rolls the whole transaction back and returns a *StorageError;
	// a fingerprint uniqueness violation sets StorageError.Conflict.
	//
	// The store fills in upload.AcceptedCount and upload.RejectedCount.
	WriteBatch(ctx context.Context, target routing.Path, rows []Row, upload UploadRecord) (*WriteResult, error)
}
