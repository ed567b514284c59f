package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/lexd/internal/config"
	"github.com/fyrsmithlabs/lexd/internal/store"
)

// InvalidateSubject is published whenever the stored generation config
// changes, so every process drops its cached copy.
const InvalidateSubject = "lexd.config.generation.invalidate"

const defaultConfigTTL = time.Minute

// ConfigStore persists the generation config.
type ConfigStore interface {
	GetGenerationConfig(ctx context.Context) (*store.GenerationConfig, error)
	SaveGenerationConfig(ctx context.Context, c store.GenerationConfig) (*store.GenerationConfig, error)
}

// ConfigSource serves the durable generation config through a short-lived
// local cache. On first use with an empty store it saves the seed from the
// static configuration.
type ConfigSource struct {
	store  ConfigStore
	seed   store.GenerationConfig
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	cached   *store.GenerationConfig
	loadedAt time.Time

	nc  *nats.Conn
	sub *nats.Subscription
}

// NewConfigSource creates a ConfigSource. cfg supplies the seed values and
// the cache TTL.
func NewConfigSource(st ConfigStore, cfg config.GenerationConfig, logger *zap.Logger) *ConfigSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.ConfigTTL.Duration()
	if ttl <= 0 {
		ttl = defaultConfigTTL
	}
	return &ConfigSource{
		store: st,
		seed: store.GenerationConfig{
			Primary:        cfg.Primary,
			Fallback:       cfg.Fallback,
			OpenAIModel:    cfg.OpenAI.Model,
			AnthropicModel: cfg.Anthropic.Model,
			Temperature:    cfg.Temperature,
			MaxTokens:      cfg.MaxTokens,
			Style:          cfg.Style,
		},
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
	}
}

// Get returns the current config, reading through to the store when the
// cached copy is missing or older than the TTL.
func (s *ConfigSource) Get(ctx context.Context) (store.GenerationConfig, error) {
	s.mu.Lock()
	if s.cached != nil && s.now().Sub(s.loadedAt) < s.ttl {
		c := *s.cached
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	c, err := s.store.GetGenerationConfig(ctx)
	if errors.Is(err, store.ErrNotFound) {
		c, err = s.store.SaveGenerationConfig(ctx, s.seed)
		if err == nil {
			s.logger.Info("generation config seeded",
				zap.String("primary", c.Primary), zap.String("fallback", c.Fallback))
		}
	}
	if err != nil {
		return store.GenerationConfig{}, fmt.Errorf("load generation config: %w", err)
	}

	s.mu.Lock()
	s.cached = c
	s.loadedAt = s.now()
	s.mu.Unlock()
	return *c, nil
}

// Save stores a new config, drops the local copy and tells other
// processes to drop theirs.
func (s *ConfigSource) Save(ctx context.Context, c store.GenerationConfig) (*store.GenerationConfig, error) {
	saved, err := s.store.SaveGenerationConfig(ctx, c)
	if err != nil {
		return nil, err
	}
	s.Invalidate()
	s.mu.Lock()
	nc := s.nc
	s.mu.Unlock()
	if nc != nil {
		if err := nc.Publish(InvalidateSubject, []byte(fmt.Sprint(saved.Version))); err != nil {
			s.logger.Warn("failed to publish generation config invalidation", zap.Error(err))
		}
	}
	return saved, nil
}

// Invalidate drops the cached config.
func (s *ConfigSource) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// Subscribe invalidates the cache whenever InvalidateSubject is received
// on nc. Save publishes on the same connection.
func (s *ConfigSource) Subscribe(nc *nats.Conn) error {
	if nc == nil {
		return nil
	}
	sub, err := nc.Subscribe(InvalidateSubject, func(m *nats.Msg) {
		s.Invalidate()
		s.logger.Debug("generation config invalidated", zap.ByteString("version", m.Data))
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", InvalidateSubject, err)
	}
	s.mu.Lock()
	s.nc, s.sub = nc, sub
	s.mu.Unlock()
	return nil
}

// Close stops listening for invalidations.
func (s *ConfigSource) Close() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}
