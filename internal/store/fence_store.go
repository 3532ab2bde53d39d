package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"fencesync/internal/fence"
)

// FenceStore keeps fence records (or bare ids) for one namespace.
// Params: namespace label, durable KV, and logger for skipped entries.
// Returns: record-level store used by the reconciliation engine.
type FenceStore struct {
	namespace string
	kv        KV
	logger    *slog.Logger
}

// NewFenceStore wraps namespace KV with fence encoding.
// Params: namespace label, KV handle, and optional logger.
// Returns: fence store.
func NewFenceStore(namespace string, kv KV, logger *slog.Logger) *FenceStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FenceStore{
		namespace: namespace,
		kv:        kv,
		logger:    logger.With("namespace", namespace),
	}
}

// OpenFenceStore opens namespace KV from provider and wraps it.
// Params: context, provider, namespace, and logger.
// Returns: fence store or open error.
func OpenFenceStore(ctx context.Context, provider Provider, namespace string, logger *slog.Logger) (*FenceStore, error) {
	kv, err := provider.Open(ctx, namespace)
	if err != nil {
		return nil, persistErr("open", namespace, "", err)
	}
	return NewFenceStore(namespace, kv, logger), nil
}

// Namespace returns store namespace label.
func (s *FenceStore) Namespace() string {
	return s.namespace
}

// Put upserts encoded record under its id.
// Params: record with non-empty id.
// Returns: encode error or error matching ErrPersistence.
func (s *FenceStore) Put(ctx context.Context, record fence.Record) error {
	id := strings.TrimSpace(record.ID)
	if id == "" {
		return errors.New("put fence: id is required")
	}
	body, err := fence.Encode(record)
	if err != nil {
		return fmt.Errorf("encode fence %q: %w", id, err)
	}
	if err := s.kv.Put(ctx, id, body); err != nil {
		return persistErr("put", s.namespace, id, err)
	}
	return nil
}

// PutID stores id-only marker entry.
// Params: fence id.
// Returns: error matching ErrPersistence on write failure.
func (s *FenceStore) PutID(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("put fence id: id is required")
	}
	if err := s.kv.Put(ctx, id, []byte{}); err != nil {
		return persistErr("put", s.namespace, id, err)
	}
	return nil
}

// Remove deletes entry; absent ids are a no-op.
// Params: fence id.
// Returns: error matching ErrPersistence on delete failure.
func (s *FenceStore) Remove(ctx context.Context, id string) error {
	if err := s.kv.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return persistErr("remove", s.namespace, id, err)
	}
	return nil
}

// Has reports whether id has an entry (record or marker).
func (s *FenceStore) Has(ctx context.Context, id string) (bool, error) {
	if _, err := s.kv.Get(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, persistErr("get", s.namespace, id, err)
	}
	return true, nil
}

// Get loads one record.
// Params: fence id.
// Returns: record (id-only for markers), ErrNotFound, or decode/persistence error.
func (s *FenceStore) Get(ctx context.Context, id string) (fence.Record, error) {
	body, err := s.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fence.Record{}, ErrNotFound
		}
		return fence.Record{}, persistErr("get", s.namespace, id, err)
	}
	if len(body) == 0 {
		return fence.Record{ID: id}, nil
	}
	record, err := fence.Decode(body)
	if err != nil {
		return fence.Record{}, fmt.Errorf("decode %s/%s: %w", s.namespace, id, err)
	}
	if record.ID == "" {
		record.ID = id
	}
	return record, nil
}

// IDs lists ids present in the namespace.
// Params: context.
// Returns: sorted ids or error matching ErrPersistence.
func (s *FenceStore) IDs(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, persistErr("list", s.namespace, "", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Records loads every decodable record; malformed entries are logged and skipped.
// Params: context.
// Returns: records sorted by id or listing error.
func (s *FenceStore) Records(ctx context.Context) ([]fence.Record, error) {
	ids, err := s.IDs(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]fence.Record, 0, len(ids))
	for _, id := range ids {
		body, err := s.kv.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, persistErr("get", s.namespace, id, err)
		}
		if len(body) == 0 {
			continue
		}
		record, err := fence.Decode(body)
		if err != nil {
			s.logger.Warn("skip malformed fence record", "fence_id", id, "error", err.Error())
			continue
		}
		if record.ID == "" {
			record.ID = id
		}
		if record.ID != id {
			s.logger.Warn("skip fence record with mismatched id", "fence_id", id, "record_id", record.ID)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Len returns number of entries in the namespace.
func (s *FenceStore) Len(ctx context.Context) (int, error) {
	ids, err := s.IDs(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
