package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockMigrationRunner struct {
	calls     []string
	status    Status
	upError   error
	downError error
	dropError error
}

func (m *mockMigrationRunner) Up() error {
	m.calls = append(m.calls, "up")

	return m.upError
}

func (m *mockMigrationRunner) Down() error {
	m.calls = append(m.calls, "down")

	return m.downError
}

func (m *mockMigrationRunner) Status() (Status, error) {
	m.calls = append(m.calls, "status")

	return m.status, nil
}

func (m *mockMigrationRunner) Drop() error {
	m.calls = append(m.calls, "drop")

	return m.dropError
}

func (m *mockMigrationRunner) Close() error { return nil }

var _ MigrationRunner = (*mockMigrationRunner)(nil)

func always(answer bool) func(string) bool {
	return func(string) bool { return answer }
}

func TestExecuteCommand(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("up and down delegate", func(t *testing.T) {
		runner := &mockMigrationRunner{}

		require.NoError(t, executeCommand("up", runner, always(false), &bytes.Buffer{}))
		require.NoError(t, executeCommand("down", runner, always(false), &bytes.Buffer{}))
		assert.Equal(t, []string{"up", "down"}, runner.calls)
	})

	t.Run("errors propagate", func(t *testing.T) {
		boom := errors.New("boom")
		runner := &mockMigrationRunner{upError: boom}

		require.ErrorIs(t, executeCommand("up", runner, always(false), &bytes.Buffer{}), boom)
	})

	t.Run("status prints pending count", func(t *testing.T) {
		var out bytes.Buffer

		runner := &mockMigrationRunner{status: Status{Current: 1, Latest: 2}}

		require.NoError(t, executeCommand("status", runner, always(false), &out))
		assert.Contains(t, out.String(), "Database schema: v001 (clean)")
		assert.Contains(t, out.String(), "1 migration(s) pending")
	})

	t.Run("version is status", func(t *testing.T) {
		var out bytes.Buffer

		runner := &mockMigrationRunner{status: Status{Current: 2, Latest: 2, Dirty: true}}

		require.NoError(t, executeCommand("version", runner, always(false), &out))
		assert.Contains(t, out.String(), "dirty")
		assert.Contains(t, out.String(), "up to date")
	})

	t.Run("drop requires confirmation", func(t *testing.T) {
		var out bytes.Buffer

		runner := &mockMigrationRunner{}

		require.NoError(t, executeCommand("drop", runner, always(false), &out))
		assert.Empty(t, runner.calls)
		assert.Contains(t, out.String(), "cancelled")

		require.NoError(t, executeCommand("drop", runner, always(true), &out))
		assert.Equal(t, []string{"drop"}, runner.calls)
	})

	t.Run("unknown command", func(t *testing.T) {
		require.ErrorIs(t, executeCommand("sideways", &mockMigrationRunner{}, always(true), &bytes.Buffer{}),
			ErrUnknownCommand)
	})
}

func TestConfirmFrom(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := map[string]bool{"y\n": true, "Y\n": true, " y \n": true, "n\n": false, "\n": false, "": false, "yes\n": false}

	for input, want := range tests {
		var out bytes.Buffer

		got := confirmFrom(strings.NewReader(input), &out)("continue? ")
		assert.Equal(t, want, got, "input %q", input)
		assert.Equal(t, "continue? ", out.String())
	}
}

func TestStatusPending(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	assert.Equal(t, 2, Status{Current: 0, Latest: 2}.Pending())
	assert.Equal(t, 0, Status{Current: 3, Latest: 2}.Pending())
}

func TestConfig(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("requires DATABASE_URL", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "")

		_, err := LoadConfig()
		require.ErrorIs(t, err, ErrDatabaseURLRequired)
	})

	t.Run("defaults migration table", func(t *testing.T) {
		t.Setenv("DATABASE_URL", "postgres://migrator:s3cret@db:5432/ingest") // pragma: allowlist secret
		t.Setenv("MIGRATION_TABLE", "")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "schema_migrations", cfg.MigrationTable)
		assert.Equal(t, "Config{DatabaseURL: postgres://migrator:***@db:5432/ingest, MigrationTable: schema_migrations}",
			cfg.String())
	})

	t.Run("blank migration table", func(t *testing.T) {
		cfg := &Config{DatabaseURL: "postgres://db/ingest", MigrationTable: "  "}
		require.ErrorIs(t, cfg.Validate(), ErrMigrationTableRequired)
	})
}
