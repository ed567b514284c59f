// Package objectstore holds the raw bytes of uploaded source documents.
//
// Documents are addressed by a key (the file reference stored on the
// document record). Two backends exist: a directory on the local
// filesystem and a NATS JetStream object store bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/fyrsmithlabs/lexd/internal/config"
	"github.com/fyrsmithlabs/lexd/internal/sanitize"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned by Download when no object exists for the key.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidKey is returned for empty keys or keys escaping the store root.
	ErrInvalidKey = errors.New("invalid object key")
	// ErrInvalidConfig is returned by constructors for unusable settings.
	ErrInvalidConfig = errors.New("invalid object store config")
)

// Store reads and writes document bytes.
type Store interface {
	// Upload stores data under key, replacing any previous object, and
	// returns the public URL of the object.
	Upload(ctx context.Context, key string, data []byte) (string, error)
	// Download returns the bytes stored under key.
	Download(ctx context.Context, key string) ([]byte, error)
	// URLFor returns the public URL of key without touching the backend.
	URLFor(key string) string
	Close() error
}

// New builds the backend selected by cfg.Provider. nc is required for the
// nats provider and ignored otherwise.
func New(ctx context.Context, cfg config.ObjectStoreConfig, nc *nats.Conn, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "", "local":
		return NewFSStore(cfg.Dir, cfg.PublicBaseURL, logger)
	case "nats":
		return NewNATSStore(ctx, nc, cfg.Bucket, cfg.PublicBaseURL, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

// cleanKey normalizes a key to a slash-separated relative path.
func cleanKey(key string) (string, error) {
	cleaned, err := sanitize.ObjectKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	return cleaned, nil
}

// publicURL joins base and key, escaping every path segment.
func publicURL(base, key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	escaped := strings.Join(segs, "/")
	if base == "" {
		return escaped
	}
	return strings.TrimRight(base, "/") + "/" + escaped
}
