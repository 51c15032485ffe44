package ingestion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s2report/ingestor/internal/audit"
	"github.com/s2report/ingestor/internal/routing"
	"github.com/s2report/ingestor/internal/topology"
)

// fakeStore mimics the PostgreSQL store: committed batches are kept per
// target table, and amounts outside NUMERIC(12,2) are refused per row.
type fakeStore struct {
	mu           sync.Mutex
	uploads      map[string]UploadRecord
	rows         map[string][]Row
	existsErr    error
	writeErr     error
	writeCalls   int
	existsCalls  int
	hideExisting bool // simulates losing the check-then-insert race
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		uploads: make(map[string]UploadRecord),
		rows:    make(map[string][]Row),
	}
}

func (s *fakeStore) UploadExists(_ context.Context, fingerprint string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.existsCalls++

	if s.existsErr != nil {
		return false, s.existsErr
	}

	if s.hideExisting {
		return false, nil
	}

	_, ok := s.uploads[fingerprint]

	return ok, nil
}

func (s *fakeStore) WriteBatch(_ context.Context, target routing.Path, rows []Row, upload UploadRecord) (*WriteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.writeCalls++

	if s.writeErr != nil {
		return nil, s.writeErr
	}

	if _, ok := s.uploads[upload.Fingerprint]; ok {
		return nil, &StorageError{Op: "insert upload", Conflict: true, Err: errors.New("unique violation")}
	}

	result := &WriteResult{}

	var kept []Row

	for _, r := range rows {
		f, err := strconv.ParseFloat(r.Amount, 64)
		if err != nil || f >= 1e10 || f <= -1e10 {
			result.Failures = append(result.Failures, RowFailure{Ordinal: r.Ordinal, Err: errors.New("numeric field overflow")})

			continue
		}

		kept = append(kept, r)
	}

	result.Accepted = len(kept)
	upload.AcceptedCount = result.Accepted
	upload.RejectedCount = len(rows) - result.Accepted

	s.rows[target.Table()] = append(s.rows[target.Table()], kept...)
	s.uploads[upload.Fingerprint] = upload

	return result, nil
}

type recordingSink struct {
	mu      sync.Mutex
	actions []audit.Action
	fields  []map[string]any
	actors  []string
}

func (s *recordingSink) Record(_ context.Context, actor string, action audit.Action, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.actions = append(s.actions, action)
	s.fields = append(s.fields, fields)
	s.actors = append(s.actors, actor)
}

var fixedNow = time.Date(2024, 5, 17, 15, 4, 5, 0, time.UTC)

func testTopology(t *testing.T) *topology.Topology {
	t.Helper()

	topo, err := topology.Parse([]byte(`
countries: [US, UK]
platforms: [Amazon, YouTube]
channels:
  US:
    Amazon: [StoreA]
  UK:
    YouTube: [British News]
data_types: [Standard]
data_type_required:
  US: [Amazon]
`))
	require.NoError(t, err)

	return topo
}

func newTestEngine(t *testing.T, store Store, sink audit.Sink) *Engine {
	t.Helper()

	engine, err := NewEngine(store,
		WithTopology(testTopology(t)),
		WithAuditor(sink),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)

	return engine
}

func storeABatch(source string, records ...Record) Batch {
	return Batch{
		FileName: "storea.csv",
		Coordinates: Coordinates{
			Country:  "US",
			Platform: "Amazon",
			Channel:  "StoreA",
			DataType: "Standard",
		},
		Records: records,
		Source:  []byte(source),
		Actor:   "alice",
	}
}

func TestNewEngine_NilStore(t *testing.T) {
	engine, err := NewEngine(nil)

	require.ErrorIs(t, err, ErrNilStore)
	assert.Nil(t, engine)
}

func TestIngest_EndToEndScenario(t *testing.T) {
	store := newFakeStore()
	sink := &recordingSink{}
	engine := newTestEngine(t, store, sink)

	batch := storeABatch("id,amount,transaction_date\n1,10.50,2024-01-02\n2,,2024-01-03\n3,7,2024-01-04\n",
		Record{"amount": String("10.50"), "transaction_date": String("2024-01-02")},
		Record{"transaction_date": String("2024-01-03")},
		Record{"amount": Number(7), "transaction_date": String("2024-01-04")},
	)

	result, err := engine.Ingest(t.Context(), batch)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Accepted)
	assert.Equal(t, 0, result.Rejected)
	assert.False(t, result.Duplicate)
	assert.Equal(t, "country_us_amazon_storea_standard", result.Target)
	assert.InDelta(t, 100.0, result.AcceptedRatio, 0.001)
	assert.Equal(t, 1, result.DefaultedAmounts)
	assert.Len(t, result.Fingerprint, FingerprintLength)

	rows := store.rows["country_us_amazon_storea_standard"]
	require.Len(t, rows, 3)
	assert.Equal(t, "10.5", rows[0].Amount)
	assert.Equal(t, "0", rows[1].Amount)
	assert.Equal(t, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), rows[1].TransactionDate)
	assert.JSONEq(t, `{"transaction_date":"2024-01-03"}`, rows[1].Payload)

	upload := store.uploads[result.Fingerprint]
	assert.Equal(t, "us", upload.Country)
	assert.Equal(t, "storea", upload.Channel)
	assert.Equal(t, "alice", upload.UploadedBy)
	assert.Equal(t, 3, upload.RecordCount)

	// Re-ingesting identical bytes is a duplicate and writes nothing.
	again, err := engine.Ingest(t.Context(), batch)
	require.NoError(t, err)

	assert.True(t, again.Duplicate)
	assert.Equal(t, 0, again.Accepted)
	assert.Equal(t, 0, again.Rejected)
	assert.Equal(t, result.Fingerprint, again.Fingerprint)
	assert.Len(t, store.rows["country_us_amazon_storea_standard"], 3)
	assert.Equal(t, 1, store.writeCalls)

	assert.Equal(t, []audit.Action{
		audit.ActionIngestStarted,
		audit.ActionIngestSucceeded,
		audit.ActionIngestStarted,
		audit.ActionIngestDuplicate,
	}, sink.actions)
	assert.Equal(t, "alice", sink.actors[1])
}

func TestIngest_DedupIgnoresParsedRecords(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(t, store, audit.Nop())

	first := storeABatch("same bytes", Record{"amount": Number(1)})
	_, err := engine.Ingest(t.Context(), first)
	require.NoError(t, err)

	// Same source bytes, different parse result.
	second := storeABatch("same bytes", Record{"amount": Number(2)}, Record{"amount": Number(3)})
	result, err := engine.Ingest(t.Context(), second)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
}

func TestIngest_CoercionFailuresAreAccepted(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(t, store, audit.Nop())

	result, err := engine.Ingest(t.Context(), storeABatch("coercion",
		Record{"amount": String("not a number"), "transaction_date": String("17/05/2024")},
		Record{"amount": String("$1,234.50"), "transaction_date": Null()},
		Record{"amount": Null(), "transaction_date": Date(time.Date(2023, 12, 31, 22, 0, 0, 0, time.UTC))},
	))
	require.NoError(t, err)

	assert.Equal(t, 3, result.Accepted)
	assert.Equal(t, 0, result.Rejected)
	assert.Equal(t, 2, result.DefaultedAmounts)
	assert.Equal(t, 2, result.DefaultedDates)

	rows := store.rows[result.Target]
	require.Len(t, rows, 3)
	assert.Equal(t, "0", rows[0].Amount)
	assert.Equal(t, time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC), rows[0].TransactionDate)
	assert.Equal(t, "1234.5", rows[1].Amount)
	assert.Equal(t, time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), rows[2].TransactionDate)
}

func TestIngest_PartialFailure(t *testing.T) {
	store := newFakeStore()
	sink := &recordingSink{}
	engine := newTestEngine(t, store, sink)

	result, err := engine.Ingest(t.Context(), storeABatch("partial",
		Record{"amount": Number(10)},
		Record{"amount": Number(1e12)},
		Record{"amount": Number(20)},
		Record{"amount": String("99999999999")},
	))
	require.NoError(t, err)

	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 2, result.Rejected)
	assert.InDelta(t, 50.0, result.AcceptedRatio, 0.001)
	assert.Equal(t, 2, store.uploads[result.Fingerprint].RejectedCount)

	last := sink.fields[len(sink.fields)-1]
	assert.Equal(t, []int{2, 4}, last["rejectedOrdinals"])
}

func TestIngest_EmptyBatch(t *testing.T) {
	store := newFakeStore()
	sink := &recordingSink{}
	engine := newTestEngine(t, store, sink)

	result, err := engine.Ingest(t.Context(), storeABatch("header only\n"))

	require.Error(t, err)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)

	assert.Equal(t, 0, store.writeCalls)
	assert.Empty(t, store.uploads)
	assert.Equal(t, audit.ActionIngestValidationFailed, sink.actions[len(sink.actions)-1])
}

func TestIngest_CoordinateValidation(t *testing.T) {
	tests := []struct {
		name       string
		coords     Coordinates
		wantErr    error
		wantFields []string
	}{
		{
			name:       "missing channel",
			coords:     Coordinates{Country: "UK", Platform: "YouTube"},
			wantErr:    ErrMissingCoordinate,
			wantFields: []string{"channel"},
		},
		{
			name:       "missing everything",
			coords:     Coordinates{Country: " "},
			wantErr:    ErrMissingCoordinate,
			wantFields: []string{"country", "platform", "channel"},
		},
		{
			name:       "data type required for US Amazon",
			coords:     Coordinates{Country: "US", Platform: "Amazon", Channel: "StoreA"},
			wantErr:    ErrMissingCoordinate,
			wantFields: []string{"data_type"},
		},
		{
			name:       "unknown country",
			coords:     Coordinates{Country: "DE", Platform: "Amazon", Channel: "StoreA"},
			wantErr:    ErrUnknownCoordinate,
			wantFields: []string{"country"},
		},
		{
			name:       "channel not configured for pair",
			coords:     Coordinates{Country: "UK", Platform: "Amazon", Channel: "StoreA"},
			wantErr:    ErrUnknownCoordinate,
			wantFields: []string{"channel"},
		},
		{
			name:       "unknown data type",
			coords:     Coordinates{Country: "UK", Platform: "YouTube", Channel: "British News", DataType: "Refund"},
			wantErr:    ErrUnknownCoordinate,
			wantFields: []string{"data_type"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			engine := newTestEngine(t, store, audit.Nop())

			_, err := engine.Ingest(t.Context(), Batch{
				FileName:    "x.csv",
				Coordinates: tt.coords,
				Records:     []Record{{"amount": Number(1)}},
				Source:      []byte(tt.name),
			})

			require.ErrorIs(t, err, tt.wantErr)

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.wantFields, validationErr.Fields)

			assert.Equal(t, 0, store.existsCalls, "validation must not touch the store")
			assert.Equal(t, 0, store.writeCalls)
		})
	}
}

func TestIngest_OptionalDataTypeUsesChannelPartition(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(t, store, audit.Nop())

	result, err := engine.Ingest(t.Context(), Batch{
		FileName:    "news.txt",
		Coordinates: Coordinates{Country: "uk", Platform: "youtube", Channel: "British  News"},
		Records:     []Record{{"amount": Number(3)}},
		Source:      []byte("news"),
	})
	require.NoError(t, err)

	assert.Equal(t, "country_uk_youtube_british_news", result.Target)
	assert.Equal(t, 1, result.Accepted)
	assert.Empty(t, store.uploads[result.Fingerprint].DataType)
}

func TestIngest_ConcurrentCommitIsDuplicate(t *testing.T) {
	store := newFakeStore()
	sink := &recordingSink{}
	engine := newTestEngine(t, store, sink)

	batch := storeABatch("raced", Record{"amount": Number(1)})
	_, err := engine.Ingest(t.Context(), batch)
	require.NoError(t, err)

	// The second caller's check misses the committed upload, so the conflict
	// surfaces from the uniqueness constraint instead.
	store.hideExisting = true

	result, err := engine.Ingest(t.Context(), batch)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, 0, result.Accepted)
	assert.Equal(t, audit.ActionIngestDuplicate, sink.actions[len(sink.actions)-1])
}

func TestIngest_StorageErrors(t *testing.T) {
	t.Run("duplicate check fails", func(t *testing.T) {
		store := newFakeStore()
		store.existsErr = errors.New("connection refused")
		engine := newTestEngine(t, store, audit.Nop())

		_, err := engine.Ingest(t.Context(), storeABatch("a", Record{}))

		var storageErr *StorageError
		require.ErrorAs(t, err, &storageErr)
		assert.Equal(t, "duplicate check", storageErr.Op)
		assert.False(t, storageErr.Conflict)
		assert.Equal(t, 0, store.writeCalls)
	})

	t.Run("write fails", func(t *testing.T) {
		store := newFakeStore()
		store.writeErr = &StorageError{Op: "insert row", Err: context.DeadlineExceeded}
		sink := &recordingSink{}
		engine := newTestEngine(t, store, sink)

		result, err := engine.Ingest(t.Context(), storeABatch("b", Record{"amount": Number(1)}))

		assert.Nil(t, result)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		var storageErr *StorageError
		require.ErrorAs(t, err, &storageErr)
		assert.Equal(t, "insert row", storageErr.Op)
		assert.Equal(t, audit.ActionIngestFailed, sink.actions[len(sink.actions)-1])
		assert.Empty(t, store.uploads)
	})
}

func TestIngest_ActorFromContext(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(t, store, audit.Nop())

	batch := storeABatch("actor", Record{"amount": Number(1)})
	batch.Actor = ""

	result, err := engine.Ingest(audit.WithActor(t.Context(), "ops-bob"), batch)
	require.NoError(t, err)
	assert.Equal(t, "ops-bob", store.uploads[result.Fingerprint].UploadedBy)
}

func TestIngest_WithoutTopology(t *testing.T) {
	store := newFakeStore()

	engine, err := NewEngine(store, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)

	result, err := engine.Ingest(t.Context(), Batch{
		Coordinates: Coordinates{Country: "FR", Platform: "Shop", Channel: "Main", DataType: "Std"},
		Records:     []Record{{"amount": Number(1)}},
		Source:      []byte("free"),
	})
	require.NoError(t, err)
	assert.Equal(t, "country_fr_shop_main_std", result.Target)
}

func TestIngest_CustomDateLayout(t *testing.T) {
	store := newFakeStore()

	engine, err := NewEngine(store,
		WithDateLayout("02/01/2006"),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)

	result, err := engine.Ingest(t.Context(), Batch{
		Coordinates: Coordinates{Country: "UK", Platform: "YouTube", Channel: "News"},
		Records:     []Record{{"transaction_date": String("17/05/2024")}},
		Source:      []byte("layout"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.DefaultedDates)
	assert.Equal(t, time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC), store.rows[result.Target][0].TransactionDate)
}
