package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/s2report/ingestor/internal/audit"
	"github.com/s2report/ingestor/internal/config"
	"github.com/s2report/ingestor/internal/ingestion"
	"github.com/s2report/ingestor/internal/storage"
)

func TestServer_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	testDB := config.SetupTestDatabase(ctx, t)

	conn, err := storage.NewConnection(storage.NewConfig(testDB.ConnectionString))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = conn.Close()
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	topo := testTopology(t)

	auditStore, err := storage.NewAuditLogStore(conn)
	require.NoError(t, err)

	auditor := audit.New(nil, auditStore)

	provisioner, err := storage.NewProvisioner(conn, storage.WithProvisionAuditor(auditor))
	require.NoError(t, err)

	_, err = provisioner.Provision(ctx, topo)
	require.NoError(t, err)

	store, err := storage.NewTransactionStore(conn)
	require.NoError(t, err)

	engine, err := ingestion.NewEngine(store, ingestion.WithTopology(topo), ingestion.WithAuditor(auditor))
	require.NoError(t, err)

	server := NewServer(testConfig(), Dependencies{
		Ingester:   engine,
		Uploads:    store,
		Audit:      auditStore,
		Partitions: provisioner,
		Health:     conn,
		Topology:   topo,
		Operators:  testOperatorStore(),
	})

	get := func(path, apiKey string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-Api-Key", apiKey)

		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)

		return rr
	}

	t.Run("ready with a live database", func(t *testing.T) {
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("upload is committed", func(t *testing.T) {
		rr := postUpload(t, server, "orders.csv", sampleCSV, writerKey)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp UploadResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 2, resp.Accepted)
		assert.Zero(t, resp.Rejected)
		assert.Equal(t, "country_us_amazon_storea_standard", resp.Target)

		n, err := store.CountRows(ctx, resp.Target)
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("re-upload is reported as duplicate", func(t *testing.T) {
		rr := postUpload(t, server, "orders-copy.csv", sampleCSV, writerKey)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp UploadResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.True(t, resp.Duplicate)
		assert.Zero(t, resp.Accepted)
	})

	t.Run("overflowing amount is a partial success", func(t *testing.T) {
		content := "Transaction Date,Amount\n2024-02-01,10.00\n2024-02-02,123456789012.00\n"

		rr := postUpload(t, server, "february.csv", content, writerKey)
		require.Equal(t, http.StatusMultiStatus, rr.Code, rr.Body.String())

		var resp UploadResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.Accepted)
		assert.Equal(t, 1, resp.Rejected)
	})

	t.Run("history lists committed uploads", func(t *testing.T) {
		rr := get("/api/v1/uploads", readerKey)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp UploadListResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Equal(t, 2, resp.Count)
		assert.Equal(t, "february.csv", resp.Uploads[0].FileName)
		assert.Equal(t, "finance-ops", resp.Uploads[0].UploadedBy)
		assert.Equal(t, 1, resp.Uploads[0].RejectedCount)
		assert.Equal(t, "orders.csv", resp.Uploads[1].FileName)
	})

	t.Run("audit trail carries the operator", func(t *testing.T) {
		rr := get("/api/v1/audit?action=ingest.duplicate", readerKey)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var resp AuditListResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, "finance-ops", resp.Entries[0].Actor)
		assert.Equal(t, "orders-copy.csv", resp.Entries[0].Context["fileName"])

		rr = get("/api/v1/audit?action=provision.completed", readerKey)
		require.Equal(t, http.StatusOK, rr.Code)

		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Equal(t, 1, resp.Count)
		assert.Equal(t, audit.SystemActor, resp.Entries[0].Actor)
	})

	t.Run("partitions reflect the provisioned tree", func(t *testing.T) {
		rr := get("/api/v1/partitions", readerKey)
		require.Equal(t, http.StatusOK, rr.Code)

		var resp PartitionListResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Contains(t, resp.Partitions, "country_us_amazon_storea_standard")
		assert.Contains(t, resp.Partitions, "country_uk_youtube_british_news_default")
	})
}
