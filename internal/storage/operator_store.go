package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/s2report/ingestor/internal/config"
)

// ErrOperatorsFileEmpty is returned when an operators file declares nobody.
var ErrOperatorsFileEmpty = errors.New("operators file declares no operators")

type (
	// OperatorStore resolves API keys to operators.
	OperatorStore interface {
		// FindByKey returns the operator whose key hash matches key.
		FindByKey(ctx context.Context, key string) (*Operator, bool)
	}

	// InMemoryOperatorStore provides thread-safe in-memory storage for operators.
	//
	// Keys are held only as bcrypt hashes, so FindByKey compares the presented
	// key against every operator. Operator lists are small; the loop always
	// visits every entry so lookup time does not reveal which operator matched.
	InMemoryOperatorStore struct {
		operators []*Operator
		byID      map[string]*Operator
		mutex     sync.RWMutex
	}

	operatorsFile struct {
		Operators []*Operator `yaml:"operators"`
	}
)

var _ OperatorStore = (*InMemoryOperatorStore)(nil)

// NewInMemoryOperatorStore creates an empty operator store.
func NewInMemoryOperatorStore() *InMemoryOperatorStore {
	return &InMemoryOperatorStore{
		byID: make(map[string]*Operator),
	}
}

// LoadOperators reads an operators YAML file into a new store.
//
// Expected shape:
//
//	operators:
//	  - id: finance-ops
//	    name: Finance Operations
//	    key_hash: $2a$10$...
//	    permissions: [uploads:write, uploads:read]
//	    active: true
func LoadOperators(path string) (*InMemoryOperatorStore, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read operators file %s: %w", path, err)
	}

	var file operatorsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse operators file %s: %w", path, err)
	}

	if len(file.Operators) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrOperatorsFileEmpty, path)
	}

	store := NewInMemoryOperatorStore()

	for _, op := range file.Operators {
		if err := store.Add(op); err != nil {
			return nil, fmt.Errorf("operators file %s: %w", path, err)
		}
	}

	return store, nil
}

// LoadOperatorsFromEnv loads operators from OPERATORS_PATH. It returns a nil
// store and no error when the variable is unset, meaning authentication is
// disabled.
func LoadOperatorsFromEnv() (*InMemoryOperatorStore, error) {
	path := config.GetEnvStr("OPERATORS_PATH", "")
	if path == "" {
		return nil, nil //nolint:nilnil // nil store disables authentication
	}

	return LoadOperators(path)
}

// FindByKey implements OperatorStore.
func (s *InMemoryOperatorStore) FindByKey(_ context.Context, key string) (*Operator, bool) {
	if key == "" {
		return nil, false
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var found *Operator

	for _, op := range s.operators {
		if CompareAPIKeyHash(op.KeyHash, key) && found == nil {
			found = op
		}
	}

	if found == nil {
		return nil, false
	}

	return copyOperator(found), true
}

// FindByID retrieves an operator by ID.
func (s *InMemoryOperatorStore) FindByID(id string) (*Operator, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	op, ok := s.byID[id]
	if !ok {
		return nil, false
	}

	return copyOperator(op), true
}

// Add stores a new operator.
func (s *InMemoryOperatorStore) Add(op *Operator) error {
	if op == nil {
		return ErrOperatorNil
	}

	if op.ID == "" {
		return ErrOperatorIDEmpty
	}

	if op.KeyHash == "" {
		return fmt.Errorf("%w: operator %s", ErrKeyHashEmpty, op.ID)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, exists := s.byID[op.ID]; exists {
		return fmt.Errorf("%w: %s", ErrOperatorExists, op.ID)
	}

	stored := copyOperator(op)
	s.operators = append(s.operators, stored)
	s.byID[stored.ID] = stored

	return nil
}

// Deactivate marks an operator inactive without forgetting it.
func (s *InMemoryOperatorStore) Deactivate(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	op, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOperatorNotFound, id)
	}

	op.Active = false

	return nil
}

// List returns every operator in declaration order.
func (s *InMemoryOperatorStore) List() []*Operator {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	result := make([]*Operator, len(s.operators))
	for i, op := range s.operators {
		result[i] = copyOperator(op)
	}

	return result
}

func copyOperator(op *Operator) *Operator {
	c := *op
	c.Permissions = slices.Clone(op.Permissions)

	if op.ExpiresAt != nil {
		t := *op.ExpiresAt
		c.ExpiresAt = &t
	}

	return &c
}
