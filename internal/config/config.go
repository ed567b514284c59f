// Package config provides configuration loading for lexd.
//
// Values are resolved in three layers: compiled defaults (Default), an
// optional YAML file, then LEXD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete lexd configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
	Store       StoreConfig       `koanf:"store"`
	ObjectStore ObjectStoreConfig `koanf:"objectstore"`
	NATS        NATSConfig        `koanf:"nats"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Ingestion   IngestionConfig   `koanf:"ingestion"`
	Temporal    TemporalConfig    `koanf:"temporal"`
	Search      SearchConfig      `koanf:"search"`
	Cache       CacheConfig       `koanf:"cache"`
	Generation  GenerationConfig  `koanf:"generation"`
	Redaction   RedactionConfig   `koanf:"redaction"`
	Credits     CreditsConfig     `koanf:"credits"`
	RateLimit   RateLimitConfig   `koanf:"ratelimit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	MaxQueryLength  int      `koanf:"max_query_length"`
}

// LoggingConfig selects log level and encoding. The logging package owns
// the full zap configuration; these are the operator-facing knobs.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled         bool     `koanf:"enabled"`
	Endpoint        string   `koanf:"endpoint"`
	Protocol        string   `koanf:"protocol"` // grpc or http/protobuf
	Insecure        bool     `koanf:"insecure"`
	ServiceName     string   `koanf:"service_name"`
	ServiceVersion  string   `koanf:"service_version"`
	SampleRate      float64  `koanf:"sample_rate"`
	MetricsInterval Duration `koanf:"metrics_interval"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StoreConfig locates the SQLite metadata database.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// ObjectStoreConfig selects where uploaded source files live.
type ObjectStoreConfig struct {
	Provider      string `koanf:"provider"` // local or nats
	Dir           string `koanf:"dir"`
	Bucket        string `koanf:"bucket"`
	PublicBaseURL string `koanf:"public_base_url"`
}

// NATSConfig configures the NATS connection used for task events, the
// shared cache, config invalidation and the optional object store.
type NATSConfig struct {
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
	StoreDir string `koanf:"store_dir"`
}

// VectorStoreConfig selects and configures the vector backend.
type VectorStoreConfig struct {
	Provider   string        `koanf:"provider"` // chromem or qdrant
	Collection string        `koanf:"collection"`
	Chromem    ChromemConfig `koanf:"chromem"`
	Qdrant     QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded chromem-go store.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig configures the Qdrant gRPC client.
type QdrantConfig struct {
	Host         string   `koanf:"host"`
	Port         int      `koanf:"port"`
	UseTLS       bool     `koanf:"use_tls"`
	APIKey       Secret   `koanf:"api_key"`
	MaxRetries   int      `koanf:"max_retries"`
	RetryBackoff Duration `koanf:"retry_backoff"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider    string   `koanf:"provider"` // tei, openai or fastembed
	BaseURL     string   `koanf:"base_url"`
	Model       string   `koanf:"model"`
	APIKey      Secret   `koanf:"api_key"`
	Dimension   int      `koanf:"dimension"`
	BatchSize   int      `koanf:"batch_size"`
	Concurrency int      `koanf:"concurrency"`
	Timeout     Duration `koanf:"timeout"`
	CacheDir    string   `koanf:"cache_dir"`
}

// IngestionConfig configures the ingestion pipeline and its retry policy.
type IngestionConfig struct {
	Executor          string   `koanf:"executor"` // local or temporal
	Workers           int      `koanf:"workers"`
	QueueSize         int      `koanf:"queue_size"`
	ChunkSize         int      `koanf:"chunk_size"`
	ChunkOverlap      int      `koanf:"chunk_overlap"`
	MaxAttempts       int      `koanf:"max_attempts"`
	InitialBackoff    Duration `koanf:"initial_backoff"`
	BackoffMultiplier float64  `koanf:"backoff_multiplier"`
	MaxBackoff        Duration `koanf:"max_backoff"`
	SweepInterval     Duration `koanf:"sweep_interval"`
	ProcessingTimeout Duration `koanf:"processing_timeout"`
	WatchDir          string   `koanf:"watch_dir"`
	WatchExtensions   []string `koanf:"watch_extensions"`
}

// TemporalConfig configures the temporal ingestion executor.
type TemporalConfig struct {
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// SearchConfig holds retrieval defaults.
type SearchConfig struct {
	DefaultLimit  int     `koanf:"default_limit"`
	MaxLimit      int     `koanf:"max_limit"`
	Threshold     float64 `koanf:"threshold"`
	Hybrid        bool    `koanf:"hybrid"`
	HybridAlpha   float64 `koanf:"hybrid_alpha"`
	PreNarrow     bool    `koanf:"pre_narrow"`
	ChunksPerPage int     `koanf:"chunks_per_page"`
	LinesPerChunk int     `koanf:"lines_per_chunk"`
}

// CacheConfig configures the retrieval cache.
type CacheConfig struct {
	Backend      string   `koanf:"backend"` // memory or nats
	Size         int      `koanf:"size"`
	EmbeddingTTL Duration `koanf:"embedding_ttl"`
	ResultTTL    Duration `koanf:"result_ttl"`
	Bucket       string   `koanf:"bucket"`
}

// GenerationConfig configures answer generation. Primary, Fallback,
// Temperature, MaxTokens and Style only seed the durable generation
// config on first start; afterwards the stored row is authoritative.
type GenerationConfig struct {
	Primary     string         `koanf:"primary"`
	Fallback    string         `koanf:"fallback"`
	Temperature float64        `koanf:"temperature"`
	MaxTokens   int            `koanf:"max_tokens"`
	Style       string         `koanf:"style"`
	Timeout     Duration       `koanf:"timeout"`
	ConfigTTL   Duration       `koanf:"config_ttl"`
	OpenAI      ProviderConfig `koanf:"openai"`
	Anthropic   ProviderConfig `koanf:"anthropic"`
}

// ProviderConfig holds connection settings for one generation provider.
type ProviderConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  Secret `koanf:"api_key"`
	Model   string `koanf:"model"`
}

// RedactionConfig controls secret scrubbing of outbound prompts.
type RedactionConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// CreditsConfig holds the pricing policy.
type CreditsConfig struct {
	BaseCost            int     `koanf:"base_cost"`
	LengthThreshold     int     `koanf:"length_threshold"`
	ConfidenceThreshold float64 `koanf:"confidence_threshold"`
}

// RateLimitConfig configures per-user request limiting.
type RateLimitConfig struct {
	Enabled           bool `koanf:"enabled"`
	RequestsPerMinute int  `koanf:"requests_per_minute"`
	Burst             int  `koanf:"burst"`
	MaxTrackedUsers   int  `koanf:"max_tracked_users"`
}

// Default returns a configuration that runs lexd fully locally: chromem
// vectors, SQLite metadata, filesystem objects and an in-process cache.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8420,
			ShutdownTimeout: Duration(10 * time.Second),
			MaxQueryLength:  2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			Protocol:        "grpc",
			Insecure:        true,
			ServiceName:     "lexd",
			ServiceVersion:  "0.1.0",
			SampleRate:      1.0,
			MetricsInterval: Duration(15 * time.Second),
			ShutdownTimeout: Duration(5 * time.Second),
		},
		Store: StoreConfig{
			Path: "data/lexd.db",
		},
		ObjectStore: ObjectStoreConfig{
			Provider:      "local",
			Dir:           "data/objects",
			Bucket:        "lexd-documents",
			PublicBaseURL: "http://127.0.0.1:8420/files",
		},
		NATS: NATSConfig{
			StoreDir: "data/nats",
		},
		VectorStore: VectorStoreConfig{
			Provider:   "chromem",
			Collection: "legal_chunks",
			Chromem: ChromemConfig{
				Path:     "data/vectors",
				Compress: true,
			},
			Qdrant: QdrantConfig{
				Host:         "localhost",
				Port:         6334,
				MaxRetries:   3,
				RetryBackoff: Duration(time.Second),
			},
		},
		Embeddings: EmbeddingsConfig{
			Provider:    "tei",
			BaseURL:     "http://localhost:8080",
			Model:       "intfloat/multilingual-e5-small",
			Dimension:   384,
			BatchSize:   32,
			Concurrency: 4,
			Timeout:     Duration(30 * time.Second),
		},
		Ingestion: IngestionConfig{
			Executor:          "local",
			Workers:           4,
			QueueSize:         256,
			ChunkSize:         1000,
			ChunkOverlap:      200,
			MaxAttempts:       3,
			InitialBackoff:    Duration(2 * time.Second),
			BackoffMultiplier: 2,
			MaxBackoff:        Duration(time.Minute),
			SweepInterval:     Duration(time.Minute),
			ProcessingTimeout: Duration(30 * time.Minute),
			WatchExtensions:   []string{".pdf", ".txt", ".md"},
		},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "lexd-ingestion",
		},
		Search: SearchConfig{
			DefaultLimit:  5,
			MaxLimit:      20,
			Threshold:     0.5,
			HybridAlpha:   0.7,
			ChunksPerPage: 3,
			LinesPerChunk: 15,
		},
		Cache: CacheConfig{
			Backend:      "memory",
			Size:         4096,
			EmbeddingTTL: Duration(24 * time.Hour),
			ResultTTL:    Duration(10 * time.Minute),
			Bucket:       "lexd-retrieval",
		},
		Generation: GenerationConfig{
			Primary:     "openai",
			Fallback:    "anthropic",
			Temperature: 0.2,
			MaxTokens:   1024,
			Style:       "detailed",
			Timeout:     Duration(60 * time.Second),
			ConfigTTL:   Duration(time.Minute),
			OpenAI: ProviderConfig{
				Model: "gpt-4o-mini",
			},
			Anthropic: ProviderConfig{
				Model: "claude-3-5-haiku-latest",
			},
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
		Credits: CreditsConfig{
			BaseCost:            2,
			LengthThreshold:     100,
			ConfidenceThreshold: 0.4,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 20,
			Burst:             5,
			MaxTrackedUsers:   10000,
		},
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server shutdown timeout must be positive"))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store path is required"))
	}

	switch c.ObjectStore.Provider {
	case "local":
		if c.ObjectStore.Dir == "" {
			errs = append(errs, errors.New("objectstore dir is required for the local provider"))
		}
	case "nats":
		if c.NATS.URL == "" && !c.NATS.Embedded {
			errs = append(errs, errors.New("nats url or embedded nats is required for the nats object store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown objectstore provider %q", c.ObjectStore.Provider))
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("unknown vectorstore provider %q", c.VectorStore.Provider))
	}
	if c.VectorStore.Collection == "" {
		errs = append(errs, errors.New("vectorstore collection is required"))
	}

	switch c.Embeddings.Provider {
	case "tei", "openai", "fastembed":
	default:
		errs = append(errs, fmt.Errorf("unknown embeddings provider %q", c.Embeddings.Provider))
	}
	if c.Embeddings.Dimension <= 0 {
		errs = append(errs, errors.New("embeddings dimension must be positive"))
	}
	if c.Embeddings.BatchSize <= 0 {
		errs = append(errs, errors.New("embeddings batch size must be positive"))
	}

	if c.Ingestion.Executor != "local" && c.Ingestion.Executor != "temporal" {
		errs = append(errs, fmt.Errorf("unknown ingestion executor %q", c.Ingestion.Executor))
	}
	if c.Ingestion.ChunkSize <= 0 || c.Ingestion.ChunkOverlap < 0 || c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize {
		errs = append(errs, fmt.Errorf("invalid chunking: size=%d overlap=%d", c.Ingestion.ChunkSize, c.Ingestion.ChunkOverlap))
	}
	if c.Ingestion.MaxAttempts < 1 {
		errs = append(errs, errors.New("ingestion max attempts must be at least 1"))
	}
	if c.Ingestion.Workers < 1 {
		errs = append(errs, errors.New("ingestion workers must be at least 1"))
	}

	if c.Search.Threshold < 0 || c.Search.Threshold > 1 {
		errs = append(errs, fmt.Errorf("search threshold must be within [0,1], got %v", c.Search.Threshold))
	}
	if c.Search.HybridAlpha < 0 || c.Search.HybridAlpha > 1 {
		errs = append(errs, fmt.Errorf("hybrid alpha must be within [0,1], got %v", c.Search.HybridAlpha))
	}

	if c.Cache.Backend != "memory" && c.Cache.Backend != "nats" {
		errs = append(errs, fmt.Errorf("unknown cache backend %q", c.Cache.Backend))
	}

	if c.Generation.Primary == "" {
		errs = append(errs, errors.New("generation primary provider is required"))
	}
	if c.Generation.Primary != "" && c.Generation.Primary == c.Generation.Fallback {
		errs = append(errs, errors.New("generation fallback must differ from primary"))
	}

	if c.Credits.LengthThreshold <= 0 {
		errs = append(errs, errors.New("credits length threshold must be positive"))
	}
	if c.Credits.ConfidenceThreshold < 0 || c.Credits.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("credits confidence threshold must be within [0,1], got %v", c.Credits.ConfidenceThreshold))
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry endpoint is required when telemetry is enabled"))
	}

	return errors.Join(errs...)
}
