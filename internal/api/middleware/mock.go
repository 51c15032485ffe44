package middleware

import (
	"context"

	"github.com/s2report/ingestor/internal/storage"
)

// MockOperatorStore is a storage.OperatorStore for tests.
type MockOperatorStore struct {
	FindByKeyFunc func(ctx context.Context, key string) (*storage.Operator, bool)
}

// FindByKey implements storage.OperatorStore.
func (m *MockOperatorStore) FindByKey(ctx context.Context, key string) (*storage.Operator, bool) {
	if m.FindByKeyFunc != nil {
		return m.FindByKeyFunc(ctx, key)
	}

	return nil, false
}

// StaticOperators returns a MockOperatorStore that resolves plaintext keys
// from a map.
func StaticOperators(byKey map[string]*storage.Operator) *MockOperatorStore {
	return &MockOperatorStore{
		FindByKeyFunc: func(_ context.Context, key string) (*storage.Operator, bool) {
			op, ok := byKey[key]
			if !ok {
				return nil, false
			}

			c := *op

			return &c, true
		},
	}
}
