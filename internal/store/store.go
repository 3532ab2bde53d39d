package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates absent key/fence.
	ErrNotFound = errors.New("not found")
	// ErrPersistence classifies substrate failures surfaced to the engine.
	ErrPersistence = errors.New("persistence failure")
)

// Namespaces used by the reconciliation engine.
const (
	NamespaceToAdd    = "to_add"
	NamespaceToRemove = "to_remove"
	NamespaceSynced   = "synced"
)

// Namespaces lists engine namespaces in creation order.
func Namespaces() []string {
	return []string{NamespaceToAdd, NamespaceToRemove, NamespaceSynced}
}

// KV is one namespace-scoped durable key/value map.
// Params: context-aware CRUD over string keys and opaque values.
// Returns: substrate persistence behavior; Put returns only after the write is durable.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Provider opens namespace KVs over one shared substrate.
// Params: namespace names.
// Returns: KV handles and shared close.
type Provider interface {
	Open(ctx context.Context, namespace string) (KV, error)
	Close() error
}

// PersistenceError reports a failed substrate operation for one namespace entry.
type PersistenceError struct {
	Op        string
	Namespace string
	ID        string
	Err       error
}

func (e *PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Namespace, e.Err)
	}
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Namespace, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is matches ErrPersistence so callers can classify without type assertions.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func persistErr(op, namespace, id string, err error) error {
	return &PersistenceError{Op: op, Namespace: namespace, ID: id, Err: err}
}
