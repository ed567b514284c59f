// Package cache keeps query embeddings and search results for reuse.
//
// A Backend stores opaque bytes with a per-entry TTL. RetrievalCache sits on
// top of a Backend and never fails a request: backend errors are reported
// in an Outcome, logged and counted, and treated as misses.
package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexd/internal/config"
)

// ErrInvalidConfig is returned for unusable cache settings.
var ErrInvalidConfig = errors.New("invalid cache config")

// Backend is a TTL key/value store.
type Backend interface {
	// Get returns the value and true, or false on a miss.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// NewBackend builds the backend named in cfg. nc is required for "nats".
func NewBackend(ctx context.Context, cfg config.CacheConfig, nc *nats.Conn, logger *zap.Logger) (Backend, error) {
	maxTTL := max(cfg.EmbeddingTTL.Duration(), cfg.ResultTTL.Duration())
	switch cfg.Backend {
	case "", "memory":
		return NewLRUBackend(cfg.Size, maxTTL)
	case "nats":
		if nc == nil {
			return nil, fmt.Errorf("%w: nats backend needs a NATS connection", ErrInvalidConfig)
		}
		return NewKVBackend(ctx, nc, cfg.Bucket, maxTTL, logger)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, cfg.Backend)
	}
}

type lruEntry struct {
	value   []byte
	expires time.Time
}

// LRUBackend is an in-process, size-bounded backend.
type LRUBackend struct {
	lru *expirable.LRU[string, lruEntry]
	now func() time.Time
}

// NewLRUBackend holds at most size entries. maxTTL bounds every entry; a
// shorter TTL passed to Set is enforced on read.
func NewLRUBackend(size int, maxTTL time.Duration) (*LRUBackend, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size must be positive, got %d", ErrInvalidConfig, size)
	}
	return &LRUBackend{
		lru: expirable.NewLRU[string, lruEntry](size, nil, maxTTL),
		now: time.Now,
	}, nil
}

func (b *LRUBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := b.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && !b.now().Before(e.expires) {
		b.lru.Remove(key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (b *LRUBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := lruEntry{value: value}
	if ttl > 0 {
		e.expires = b.now().Add(ttl)
	}
	b.lru.Add(key, e)
	return nil
}

// Len returns the number of entries, expired ones included until evicted.
func (b *LRUBackend) Len() int { return b.lru.Len() }

// KVBackend stores entries in a JetStream key/value bucket so every lexd
// process shares one cache.
type KVBackend struct {
	kv     jetstream.KeyValue
	logger *zap.Logger
	now    func() time.Time
}

// NewKVBackend creates or updates bucket. maxTTL becomes the bucket TTL.
func NewKVBackend(ctx context.Context, nc *nats.Conn, bucket string, maxTTL time.Duration, logger *zap.Logger) (*KVBackend, error) {
	if bucket == "" {
		bucket = "lexd-retrieval"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "lexd query embeddings and search results",
		TTL:         maxTTL,
		History:     1,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", bucket, err)
	}
	logger.Info("retrieval cache bucket ready", zap.String("bucket", bucket), zap.Duration("ttl", maxTTL))
	return &KVBackend{kv: kv, logger: logger, now: time.Now}, nil
}

// Values carry an 8-byte big-endian expiry in unix milliseconds (0 for
// none) ahead of the payload.
const expiryHeader = 8

func (b *KVBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := b.kv.Get(ctx, kvKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get: %w", err)
	}
	raw := entry.Value()
	if len(raw) < expiryHeader {
		return nil, false, fmt.Errorf("kv get: corrupt entry for %s", key)
	}
	if exp := int64(binary.BigEndian.Uint64(raw[:expiryHeader])); exp > 0 && b.now().UnixMilli() >= exp {
		return nil, false, nil
	}
	return raw[expiryHeader:], true, nil
}

func (b *KVBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	raw := make([]byte, expiryHeader+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(raw[:expiryHeader], uint64(b.now().Add(ttl).UnixMilli()))
	}
	copy(raw[expiryHeader:], value)
	if _, err := b.kv.Put(ctx, kvKey(key), raw); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// kvKey maps cache keys onto the KV key alphabet; ':' is not allowed there.
func kvKey(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}
