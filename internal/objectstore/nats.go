package objectstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// NATSStore keeps objects in a JetStream object store bucket.
type NATSStore struct {
	bucket  jetstream.ObjectStore
	name    string
	baseURL string
	logger  *zap.Logger
}

// NewNATSStore creates the bucket if it does not exist yet.
func NewNATSStore(ctx context.Context, nc *nats.Conn, bucket, baseURL string, logger *zap.Logger) (*NATSStore, error) {
	if nc == nil {
		return nil, fmt.Errorf("%w: nats connection is required", ErrInvalidConfig)
	}
	if bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	obs, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucket,
		Description: "lexd source documents",
	})
	if err != nil {
		return nil, fmt.Errorf("open object bucket %s: %w", bucket, err)
	}

	logger.Info("object store bucket ready", zap.String("bucket", bucket))
	return &NATSStore{bucket: obs, name: bucket, baseURL: baseURL, logger: logger}, nil
}

func (s *NATSStore) Upload(ctx context.Context, key string, data []byte) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	info, err := s.bucket.PutBytes(ctx, key, data)
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	s.logger.Debug("object stored",
		zap.String("bucket", s.name),
		zap.String("key", key),
		zap.Uint64("bytes", info.Size))
	return s.URLFor(key), nil
}

func (s *NATSStore) Download(ctx context.Context, key string) ([]byte, error) {
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := s.bucket.GetBytes(ctx, key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	return data, nil
}

func (s *NATSStore) URLFor(key string) string {
	if cleaned, err := cleanKey(key); err == nil {
		key = cleaned
	}
	return publicURL(s.baseURL, key)
}

// Close is a no-op; the connection belongs to the caller.
func (s *NATSStore) Close() error { return nil }
