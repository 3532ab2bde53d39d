package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"fencesync/internal/config"

	"github.com/nats-io/nats.go"
)

// NATSProvider persists fence namespaces in JetStream KV buckets.
// Params: NATS connection, JetStream context, and bucket settings.
// Returns: KV-backed provider, one bucket per namespace.
type NATSProvider struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	settings config.NATSStoreConfig

	mu      sync.Mutex
	buckets map[string]nats.KeyValue
}

// NewNATSProvider connects to NATS and prepares JetStream context.
// Params: NATS store settings from config.
// Returns: provider or connect error.
func NewNATSProvider(settings config.NATSStoreConfig) (*NATSProvider, error) {
	nc, err := nats.Connect(strings.Join(settings.URL, ","))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	provider, err := NewNATSProviderFromConn(nc, settings)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return provider, nil
}

// NewNATSProviderFromConn builds provider over an existing connection; Close closes nc.
// Params: live NATS connection and store settings.
// Returns: provider or JetStream init error.
func NewNATSProviderFromConn(nc *nats.Conn, settings config.NATSStoreConfig) (*NATSProvider, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	if strings.TrimSpace(settings.BucketPrefix) == "" {
		settings.BucketPrefix = "fencesync"
	}
	return &NATSProvider{
		nc:       nc,
		js:       js,
		settings: settings,
		buckets:  make(map[string]nats.KeyValue),
	}, nil
}

// BucketName returns JetStream bucket used for namespace.
func (p *NATSProvider) BucketName(namespace string) string {
	return p.settings.BucketPrefix + "_" + namespace
}

// Open binds namespace to its KV bucket, creating it when allowed.
// Params: context and namespace.
// Returns: namespace KV or bucket open/create error.
func (p *NATSProvider) Open(_ context.Context, namespace string) (KV, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if kv, ok := p.buckets[namespace]; ok {
		return &natsKV{kv: kv}, nil
	}

	bucket := p.BucketName(namespace)
	kv, err := p.js.KeyValue(bucket)
	if err != nil {
		if !p.settings.AllowCreateBuckets {
			return nil, fmt.Errorf("open bucket %q: %w", bucket, err)
		}
		kv, err = p.js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  bucket,
			History: 1,
			Storage: nats.FileStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
		}
	}
	p.buckets[namespace] = kv
	return &natsKV{kv: kv}, nil
}

// Close closes underlying NATS connection.
func (p *NATSProvider) Close() error {
	p.nc.Close()
	return nil
}

// natsKV encodes fence ids because KV keys only allow a restricted alphabet.
type natsKV struct {
	kv nats.KeyValue
}

func encodeKey(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func decodeKey(key string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (s *natsKV) Put(_ context.Context, key string, value []byte) error {
	if _, err := s.kv.Put(encodeKey(key), value); err != nil {
		return fmt.Errorf("put key: %w", err)
	}
	return nil
}

func (s *natsKV) Get(_ context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(encodeKey(key))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get key: %w", err)
	}
	value := entry.Value()
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (s *natsKV) Delete(_ context.Context, key string) error {
	if err := s.kv.Delete(encodeKey(key)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete key: %w", err)
	}
	return nil
}

func (s *natsKV) Keys(_ context.Context) ([]string, error) {
	keys, err := s.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list keys: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id, err := decodeKey(key)
		if err != nil {
			// Foreign key written by another tool; not a fence entry.
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}
