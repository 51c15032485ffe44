// Package audit records who did what to the transaction store.
//
// Recording is fire-and-forget: an Auditor never returns an error and never
// panics into its caller. Entries that cannot be written are reported to a
// fallback writer (normally stderr) and dropped.
package audit

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SystemActor is recorded when no operator identity is attached to the context.
const SystemActor = "system"

// Action tags an audit entry.
type Action string

// Provisioning actions.
const (
	ActionProvisionStarted     Action = "provision.started"
	ActionProvisionNodeCreated Action = "provision.node_created"
	ActionProvisionNodePresent Action = "provision.node_present"
	ActionProvisionFailed      Action = "provision.failed"
	ActionProvisionCompleted   Action = "provision.completed"
)

// Ingestion actions.
const (
	ActionIngestStarted          Action = "ingest.started"
	ActionIngestValidationFailed Action = "ingest.validation_failed"
	ActionIngestDuplicate        Action = "ingest.duplicate"
	ActionIngestSucceeded        Action = "ingest.succeeded"
	ActionIngestFailed           Action = "ingest.failed"
)

// ActionStoreExec is recorded for every statement executed against the store.
const ActionStoreExec Action = "store.exec"

type (
	// Entry is one audit record. Context has already been redacted.
	Entry struct {
		ID      string         `json:"id"`
		Time    time.Time      `json:"time"`
		Actor   string         `json:"actor"`
		Action  Action         `json:"action"`
		Context map[string]any `json:"context,omitempty"`
	}

	// Writer persists entries. Implementations may fail; the Auditor absorbs it.
	Writer interface {
		Write(ctx context.Context, entry Entry) error
	}

	// Sink is what business components depend on.
	Sink interface {
		Record(ctx context.Context, actor string, action Action, fields map[string]any)
	}

	// Auditor fans entries out to its writers.
	Auditor struct {
		writers  []Writer
		fallback io.Writer
		mu       sync.Mutex // serializes fallback writes
		now      func() time.Time
	}

	nopSink struct{}

	actorKey struct{}
)

// New creates an Auditor writing to writers. Failures go to fallback, which
// may be nil to discard them.
func New(fallback io.Writer, writers ...Writer) *Auditor {
	if fallback == nil {
		fallback = io.Discard
	}

	return &Auditor{
		writers:  writers,
		fallback: fallback,
		now:      time.Now,
	}
}

// Nop returns a Sink that drops everything.
func Nop() Sink {
	return nopSink{}
}

func (nopSink) Record(context.Context, string, Action, map[string]any) {}

// Record builds an entry and hands it to every writer. When actor is empty
// the actor attached to ctx is used, then SystemActor.
func (a *Auditor) Record(ctx context.Context, actor string, action Action, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			a.reportFailure(action, "audit", fmt.Errorf("panic building entry: %v", r))
		}
	}()

	if actor == "" {
		actor = ActorFromContext(ctx)
	}

	entry := Entry{
		ID:      uuid.NewString(),
		Time:    a.now().UTC(),
		Actor:   actor,
		Action:  action,
		Context: Redact(fields),
	}

	for _, w := range a.writers {
		a.write(ctx, w, entry)
	}
}

func (a *Auditor) write(ctx context.Context, w Writer, entry Entry) {
	defer func() {
		if r := recover(); r != nil {
			a.reportFailure(entry.Action, fmt.Sprintf("%T", w), fmt.Errorf("panic: %v", r))
		}
	}()

	if err := w.Write(ctx, entry); err != nil {
		a.reportFailure(entry.Action, fmt.Sprintf("%T", w), err)
	}
}

func (a *Auditor) reportFailure(action Action, writer string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, _ = fmt.Fprintf(a.fallback, "%s audit write failed: action=%s writer=%s error=%v\n",
		time.Now().UTC().Format(time.RFC3339), action, writer, err)
}

// WithActor attaches an operator identity to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the identity set by WithActor, or SystemActor.
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return SystemActor
	}

	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}

	return SystemActor
}
