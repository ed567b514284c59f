package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// FSStore keeps objects as files under a root directory.
type FSStore struct {
	root    string
	baseURL string
	logger  *zap.Logger
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root, baseURL string, logger *zap.Logger) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: dir is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object dir: %w", err)
	}
	return &FSStore{root: root, baseURL: baseURL, logger: logger}, nil
}

// Upload writes data through a temporary file and renames it into place so
// readers never observe a partial object.
func (s *FSStore) Upload(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write object %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close object %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store object %s: %w", key, err)
	}

	s.logger.Debug("object stored", zap.String("key", key), zap.Int("bytes", len(data)))
	return s.URLFor(key), nil
}

func (s *FSStore) Download(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

func (s *FSStore) URLFor(key string) string {
	if cleaned, err := cleanKey(key); err == nil {
		key = cleaned
	}
	return publicURL(s.baseURL, key)
}

func (s *FSStore) Close() error { return nil }
