package middleware

import (
	"context"
	"slices"
	"time"

	"github.com/s2report/ingestor/internal/audit"
)

type operatorContextKey struct{}

// OperatorContext describes the authenticated operator of a request.
type OperatorContext struct {
	// OperatorID is the actor recorded in upload history and the audit trail.
	OperatorID  string
	Name        string
	Permissions []string
	AuthTime    time.Time
}

// HasPermission reports whether the operator holds permission.
func (o OperatorContext) HasPermission(permission string) bool {
	return slices.Contains(o.Permissions, permission)
}

// GetOperatorContext extracts the operator from the request context.
// Returns (context, true) if authenticated, (empty, false) otherwise.
func GetOperatorContext(ctx context.Context) (OperatorContext, bool) {
	opCtx, ok := ctx.Value(operatorContextKey{}).(OperatorContext)

	return opCtx, ok
}

// SetOperatorContext attaches the operator to ctx and makes the operator the
// audit actor for everything done on its behalf.
func SetOperatorContext(ctx context.Context, opCtx OperatorContext) context.Context {
	ctx = context.WithValue(ctx, operatorContextKey{}, opCtx)

	return audit.WithActor(ctx, opCtx.OperatorID)
}
