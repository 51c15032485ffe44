package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/s2report/ingestor/internal/audit"
	"github.com/s2report/ingestor/internal/config"
	"github.com/s2report/ingestor/internal/routing"
	"github.com/s2report/ingestor/internal/topology"
)

// UploadHistoryTable records every committed upload by fingerprint.
const UploadHistoryTable = "upload_history"

// uploadFingerprintConstraint names the uniqueness constraint that closes the
// check-then-insert race between concurrent uploads of the same bytes.
const uploadFingerprintConstraint = "upload_history_file_hash_key"

const createRootTable = `
CREATE TABLE %s (
    transaction_id     BIGSERIAL,
    country_code       VARCHAR(2)   NOT NULL,
    platform           VARCHAR(50)  NOT NULL,
    channel            VARCHAR(100) NOT NULL,
    data_type          VARCHAR(50)  NOT NULL DEFAULT '',
    transaction_date   DATE         NOT NULL,
    amount             NUMERIC(12,2),
    raw_data           JSONB,
    upload_fingerprint CHAR(64),
    ingested_at        TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
    PRIMARY KEY (country_code, platform, channel, data_type, transaction_id)
) PARTITION BY LIST (%s)`

const createUploadHistory = `
CREATE TABLE %s (
    upload_id      BIGSERIAL    PRIMARY KEY,
    upload_time    TIMESTAMPTZ  NOT NULL DEFAULT NOW(),
    file_name      VARCHAR(255) NOT NULL,
    file_hash      CHAR(64)     NOT NULL,
    country_code   VARCHAR(2),
    platform       VARCHAR(50),
    channel        VARCHAR(100),
    data_type      VARCHAR(50),
    uploaded_by    VARCHAR(255),
    record_count   INTEGER      NOT NULL DEFAULT 0,
    accepted_count INTEGER      NOT NULL DEFAULT 0,
    rejected_count INTEGER      NOT NULL DEFAULT 0,
    CONSTRAINT %s UNIQUE (file_hash)
)`

// CreateOutcome is the result of one idempotent create.
type CreateOutcome int

// Create outcomes.
const (
	Created CreateOutcome = iota
	AlreadyPresent
	Failed
)

// String implements fmt.Stringer.
func (o CreateOutcome) String() string {
	switch o {
	case Created:
		return "created"
	case AlreadyPresent:
		return "already_present"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ErrInvalidPlan is returned when the topology cannot be turned into a partition tree.
var ErrInvalidPlan = errors.New("invalid partition plan")

// ProvisioningError reports the node whose creation aborted provisioning.
// Nodes created before it are left in place; re-running resumes from them.
type ProvisioningError struct {
	Node string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s failed: %v", e.Node, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

type (
	// Provisioner builds the transaction partition tree described by a topology.
	//
	// Every create is a plain CREATE whose "already exists" failure is mapped
	// to AlreadyPresent, so several processes may provision the same database
	// concurrently without a lock. Each statement commits on its own.
	Provisioner struct {
		conn    *Connection
		auditor audit.Sink
		logger  *slog.Logger
	}

	// ProvisionerOption configures optional Provisioner behavior.
	ProvisionerOption func(*Provisioner)

	// ProvisionReport counts create outcomes for one run.
	ProvisionReport struct {
		Created        int           `json:"created"`
		AlreadyPresent int           `json:"alreadyPresent"`
		Duration       time.Duration `json:"duration"`
	}
)

// WithProvisionAuditor sets the audit sink for provisioning actions.
func WithProvisionAuditor(sink audit.Sink) ProvisionerOption {
	return func(p *Provisioner) {
		if sink != nil {
			p.auditor = sink
		}
	}
}

// NewProvisioner creates a Provisioner. Returns ErrNoDatabaseConnection if conn is nil.
func NewProvisioner(conn *Connection, opts ...ProvisionerOption) (*Provisioner, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	p := &Provisioner{
		conn:    conn,
		auditor: audit.Nop(),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Provision creates the root table, the upload history table and every
// partition and index in topo's plan, parents first.
//
// It stops at the first create that fails for a reason other than the object
// already existing and returns a *ProvisioningError naming that node.
func (p *Provisioner) Provision(ctx context.Context, topo *topology.Topology) (*ProvisionReport, error) {
	start := time.Now()
	actor := audit.ActorFromContext(ctx)

	nodes, err := topo.Plan()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrInvalidPlan, err)
		p.auditor.Record(ctx, actor, audit.ActionProvisionFailed, map[string]any{"error": err.Error()})

		return nil, err
	}

	p.auditor.Record(ctx, actor, audit.ActionProvisionStarted, map[string]any{
		"nodes":     len(nodes),
		"countries": topo.Countries,
		"platforms": topo.Platforms,
		"dataTypes": topo.DataTypes,
	})

	report := &ProvisionReport{}

	steps := make([]step, 0, len(nodes)*2+1)
	for i, node := range nodes {
		steps = append(steps, step{name: node.Table, level: node.Level.String(), ddl: partitionDDL(node)})

		for _, idx := range node.Indexes {
			steps = append(steps, step{name: idx.Name, level: "index", ddl: indexDDL(node.Table, idx)})
		}

		if i == 0 {
			steps = append(steps, step{name: UploadHistoryTable, level: "table", ddl: uploadHistoryDDL()})
		}
	}

	for _, s := range steps {
		outcome, err := p.create(ctx, s.ddl)

		switch outcome {
		case Created:
			report.Created++

			p.logger.Info("Created partition object", slog.String("name", s.name), slog.String("level", s.level))
			p.auditor.Record(ctx, actor, audit.ActionProvisionNodeCreated, map[string]any{"node": s.name, "level": s.level})
		case AlreadyPresent:
			report.AlreadyPresent++

			p.logger.Debug("Partition object already present", slog.String("name", s.name), slog.String("level", s.level))
			p.auditor.Record(ctx, actor, audit.ActionProvisionNodePresent, map[string]any{"node": s.name, "level": s.level})
		case Failed:
			provErr := &ProvisioningError{Node: s.name, Err: err}

			p.logger.Error("Provisioning failed", slog.String("name", s.name), slog.String("error", err.Error()))
			p.auditor.Record(ctx, actor, audit.ActionProvisionFailed, map[string]any{
				"node":    s.name,
				"level":   s.level,
				"error":   err.Error(),
				"created": report.Created,
			})

			return report, provErr
		}
	}

	report.Duration = time.Since(start)

	p.logger.Info("Provisioning completed",
		slog.Int("created", report.Created),
		slog.Int("already_present", report.AlreadyPresent),
		slog.Duration("duration", report.Duration))
	p.auditor.Record(ctx, actor, audit.ActionProvisionCompleted, map[string]any{
		"created":        report.Created,
		"alreadyPresent": report.AlreadyPresent,
		"durationMs":     report.Duration.Milliseconds(),
	})

	return report, nil
}

type step struct {
	name  string
	level string
	ddl   string
}

// create runs one DDL statement and classifies the result.
func (p *Provisioner) create(ctx context.Context, ddl string) (CreateOutcome, error) {
	_, err := p.conn.exec(ctx, p.conn.DB, ddl)

	switch {
	case err == nil:
		return Created, nil
	case isAlreadyExists(err):
		return AlreadyPresent, nil
	default:
		return Failed, err
	}
}

// ListPartitions returns every table in the partition tree under the root,
// sorted by name.
func (p *Provisioner) ListPartitions(ctx context.Context) ([]string, error) {
	const query = `
		WITH RECURSIVE tree AS (
			SELECT inhrelid FROM pg_inherits WHERE inhparent = to_regclass($1)
			UNION ALL
			SELECT i.inhrelid FROM pg_inherits i JOIN tree t ON i.inhparent = t.inhrelid
		)
		SELECT c.relname FROM tree JOIN pg_class c ON c.oid = tree.inhrelid
		WHERE c.relkind IN ('r', 'p')
		ORDER BY c.relname`

	var tables []string

	err := p.conn.query(ctx, query, []any{routing.RootTable}, func(rows *sql.Rows) error {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}

		tables = append(tables, name)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	return tables, nil
}

func partitionDDL(node topology.Node) string {
	if node.Level == topology.LevelRoot {
		return fmt.Sprintf(createRootTable, pq.QuoteIdentifier(node.Table), pq.QuoteIdentifier(node.PartitionKey))
	}

	var b strings.Builder

	fmt.Fprintf(&b, "CREATE TABLE %s PARTITION OF %s", pq.QuoteIdentifier(node.Table), pq.QuoteIdentifier(node.Parent))

	if node.IsDefault() {
		b.WriteString(" DEFAULT")
	} else {
		fmt.Fprintf(&b, " FOR VALUES IN (%s)", pq.QuoteLiteral(node.Value))
	}

	if node.PartitionKey != "" {
		fmt.Fprintf(&b, " PARTITION BY LIST (%s)", pq.QuoteIdentifier(node.PartitionKey))
	}

	return b.String()
}

func indexDDL(table string, idx topology.Index) string {
	return fmt.Sprintf("CREATE INDEX %s ON %s USING %s (%s)",
		pq.QuoteIdentifier(idx.Name), pq.QuoteIdentifier(table), idx.Method, pq.QuoteIdentifier(idx.Column))
}

func uploadHistoryDDL() string {
	return fmt.Sprintf(createUploadHistory,
		pq.QuoteIdentifier(UploadHistoryTable), pq.QuoteIdentifier(uploadFingerprintConstraint))
}
