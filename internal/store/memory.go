package store

import (
	"context"
	"sync"
)

// MemoryProvider keeps namespaces in process memory for single-instance mode and tests.
// Params: in-memory maps keyed by namespace.
// Returns: provider implementation without external dependencies.
type MemoryProvider struct {
	mu         sync.RWMutex
	namespaces map[string]map[string][]byte
}

// NewMemoryProvider creates empty in-memory provider.
// Params: none.
// Returns: initialized provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{namespaces: make(map[string]map[string][]byte)}
}

// Open returns KV bound to namespace; reopening sees previous writes.
// Params: context and namespace.
// Returns: namespace KV.
func (p *MemoryProvider) Open(_ context.Context, namespace string) (KV, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.namespaces[namespace]; !ok {
		p.namespaces[namespace] = make(map[string][]byte)
	}
	return &memoryKV{provider: p, namespace: namespace}, nil
}

// Close releases memory provider resources.
// Params: none.
// Returns: nil.
func (p *MemoryProvider) Close() error {
	return nil
}

type memoryKV struct {
	provider  *MemoryProvider
	namespace string
}

func (kv *memoryKV) Put(_ context.Context, key string, value []byte) error {
	kv.provider.mu.Lock()
	defer kv.provider.mu.Unlock()
	kv.provider.namespaces[kv.namespace][key] = append([]byte(nil), value...)
	return nil
}

func (kv *memoryKV) Get(_ context.Context, key string) ([]byte, error) {
	kv.provider.mu.RLock()
	defer kv.provider.mu.RUnlock()
	value, ok := kv.provider.namespaces[kv.namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, value...), nil
}

func (kv *memoryKV) Delete(_ context.Context, key string) error {
	kv.provider.mu.Lock()
	defer kv.provider.mu.Unlock()
	delete(kv.provider.namespaces[kv.namespace], key)
	return nil
}

func (kv *memoryKV) Keys(_ context.Context) ([]string, error) {
	kv.provider.mu.RLock()
	defer kv.provider.mu.RUnlock()
	keys := make([]string, 0, len(kv.provider.namespaces[kv.namespace]))
	for key := range kv.provider.namespaces[kv.namespace] {
		keys = append(keys, key)
	}
	return keys, nil
}
