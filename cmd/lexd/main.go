// Lexd is a retrieval-augmented question answering daemon for Turkish
// legal documents.
//
// Usage:
//
//	# Start with compiled defaults (chromem, SQLite, local files)
//	lexd
//
//	# Start with a config file; LEXD_* variables override it
//	LEXD_SERVER_PORT=9000 lexd --config lexd.yaml
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/lexd/internal/cache"
	"github.com/fyrsmithlabs/lexd/internal/chunker"
	"github.com/fyrsmithlabs/lexd/internal/config"
	"github.com/fyrsmithlabs/lexd/internal/credits"
	"github.com/fyrsmithlabs/lexd/internal/embeddings"
	"github.com/fyrsmithlabs/lexd/internal/generation"
	lexhttp "github.com/fyrsmithlabs/lexd/internal/http"
	"github.com/fyrsmithlabs/lexd/internal/ingestion"
	"github.com/fyrsmithlabs/lexd/internal/logging"
	"github.com/fyrsmithlabs/lexd/internal/natsutil"
	"github.com/fyrsmithlabs/lexd/internal/objectstore"
	"github.com/fyrsmithlabs/lexd/internal/parser"
	"github.com/fyrsmithlabs/lexd/internal/progress"
	"github.com/fyrsmithlabs/lexd/internal/query"
	"github.com/fyrsmithlabs/lexd/internal/ratelimit"
	"github.com/fyrsmithlabs/lexd/internal/redact"
	"github.com/fyrsmithlabs/lexd/internal/reliability"
	"github.com/fyrsmithlabs/lexd/internal/search"
	"github.com/fyrsmithlabs/lexd/internal/sources"
	"github.com/fyrsmithlabs/lexd/internal/store"
	"github.com/fyrsmithlabs/lexd/internal/telemetry"
	"github.com/fyrsmithlabs/lexd/internal/vectorstore"
	"github.com/fyrsmithlabs/lexd/internal/workflows"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "lexd",
	Short:         "Legal document question answering daemon",
	Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		return run(ctx, cfg)
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "override logging.level")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "lexd: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	if degraded, reason := tel.Degraded(); degraded && cfg.Telemetry.Enabled {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", reason))
	}
	logger.Info(ctx, "starting lexd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("executor", cfg.Ingestion.Executor))

	d, err := initDependencies(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer d.Close()

	// Ingestion.
	chunk, err := chunker.New(chunker.WithSize(cfg.Ingestion.ChunkSize), chunker.WithOverlap(cfg.Ingestion.ChunkOverlap))
	if err != nil {
		return fmt.Errorf("invalid chunker settings: %w", err)
	}
	pipeline, err := ingestion.NewPipeline(ingestion.PipelineDeps{
		Documents: d.store,
		Objects:   d.objects,
		Parser:    parser.New(zl.Named("parser")),
		Chunker:   chunk,
		Embedder:  d.embedder,
		Index:     d.vectors,
		Reporter:  d.tasks,
		Logger:    zl.Named("pipeline"),
	})
	if err != nil {
		return err
	}

	policy := ingestion.RetryPolicyFromConfig(cfg.Ingestion)
	var executor ingestion.Executor
	switch cfg.Ingestion.Executor {
	case "temporal":
		tc, err := workflows.Dial(cfg.Temporal)
		if err != nil {
			return err
		}
		defer tc.Close()
		w := workflows.NewWorker(tc, cfg.Temporal.TaskQueue, workflows.NewActivities(pipeline, zl.Named("activities")))
		if err := w.Start(); err != nil {
			return fmt.Errorf("start temporal worker: %w", err)
		}
		defer w.Stop()
		executor = workflows.NewExecutor(tc, cfg.Temporal.TaskQueue, policy, cfg.Ingestion.ProcessingTimeout.Duration(), zl.Named("executor"))
		d.checks["temporal"] = temporalCheck(tc)
	default:
		executor = ingestion.NewLocalExecutor(pipeline, policy, d.tasks, zl.Named("executor"))
	}

	orch := ingestion.NewOrchestrator(d.store, executor, d.tasks, ingestion.Options{
		Workers:   cfg.Ingestion.Workers,
		QueueSize: cfg.Ingestion.QueueSize,
		Logger:    logger.Named("ingestion"),
	})
	orch.Start(ctx)
	defer orch.Stop()
	if n, err := orch.Recover(ctx); err != nil {
		logger.Warn(ctx, "ingestion recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info(ctx, "resumed interrupted ingestion", zap.Int("documents", n))
	}

	// Query path.
	backend, err := cache.NewBackend(ctx, cfg.Cache, d.nc(), zl.Named("cache"))
	if err != nil {
		return err
	}
	retrieval := cache.NewRetrievalCache(backend, cfg.Cache.EmbeddingTTL.Duration(), cfg.Cache.ResultTTL.Duration(), zl.Named("cache"))
	searcher, err := search.New(search.Deps{
		Embedder:  d.embedder,
		Index:     d.vectors,
		Cache:     retrieval,
		Documents: d.store,
		Config:    cfg.Search,
		Logger:    zl.Named("search"),
	})
	if err != nil {
		return err
	}
	enhancer := sources.New(d.store, d.objects, cfg.Search, zl.Named("sources"))

	redactor, err := redact.New(cfg.Redaction, zl.Named("redact"))
	if err != nil {
		return err
	}
	registry, err := generation.NewRegistryFromConfig(cfg.Generation)
	if err != nil {
		return err
	}
	configs := generation.NewConfigSource(d.store, cfg.Generation, zl.Named("generation"))
	if err := configs.Subscribe(d.nc()); err != nil {
		return err
	}
	defer configs.Close()
	if _, err := configs.Get(ctx); err != nil {
		return fmt.Errorf("load generation config: %w", err)
	}
	generator, err := generation.NewGenerator(registry, configs,
		generation.WithRedactor(redactor),
		generation.WithTimeout(cfg.Generation.Timeout.Duration()),
		generation.WithLogger(zl.Named("generation")),
	)
	if err != nil {
		return err
	}

	gate, err := credits.NewGate(d.store, cfg.Credits, zl.Named("credits"))
	if err != nil {
		return err
	}
	processor, err := query.New(query.Deps{
		Search:              searcher,
		Enhancer:            enhancer,
		Generator:           generator,
		Scorer:              reliability.NewScorer(zl.Named("reliability")),
		Credits:             gate,
		ConfidenceThreshold: gate.ConfidenceThreshold(),
		MaxQueryLength:      cfg.Server.MaxQueryLength,
		Logger:              logger.Named("query"),
	})
	if err != nil {
		return err
	}

	limiter, err := ratelimit.New(cfg.RateLimit, zl.Named("ratelimit"))
	if err != nil {
		return err
	}
	srv, err := lexhttp.NewServer(lexhttp.Deps{
		Ingestor: orch,
		Querier:  processor,
		Files:    d.objects,
		Limiter:  limiter,
		Checks:   d.checks,
		Version:  version,
	}, zl.Named("http"), &lexhttp.Config{Host: cfg.Server.Host, Port: cfg.Server.Port})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		ingestion.NewSweeper(d.store, orch, cfg.Ingestion.SweepInterval.Duration(),
			cfg.Ingestion.ProcessingTimeout.Duration(), logger.Named("sweeper")).Run(gctx)
		return nil
	})
	if cfg.Ingestion.WatchDir != "" {
		watcher, err := ingestion.NewWatcher(ingestion.WatcherConfig{
			Dir:        cfg.Ingestion.WatchDir,
			Extensions: cfg.Ingestion.WatchExtensions,
		}, d.objects, d.store, orch, logger.Named("watcher"))
		if err != nil {
			return err
		}
		g.Go(func() error { return watcher.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info(context.Background(), "lexd stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dependencies holds the infrastructure shared by ingestion and queries.
type dependencies struct {
	conn     *natsutil.Conn
	store    *store.Store
	objects  objectstore.Store
	vectors  vectorstore.Store
	embedder *embeddings.Client
	tasks    *progress.Registry
	checks   map[string]lexhttp.CheckFunc
}

func (d *dependencies) nc() *nats.Conn {
	if d.conn == nil {
		return nil
	}
	return d.conn.Conn
}

func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *dependencies, err error) {
	d := &dependencies{checks: map[string]lexhttp.CheckFunc{}}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	if d.conn, err = natsutil.Connect(cfg.NATS, logger.Named("nats")); err != nil {
		return nil, err
	}
	if d.conn != nil {
		d.checks["nats"] = func(context.Context) error {
			if !d.conn.IsConnected() {
				return errors.New(d.conn.Status().String())
			}
			return nil
		}
	}

	if d.store, err = store.Open(cfg.Store.Path); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	d.checks["store"] = d.store.Ping

	if d.objects, err = objectstore.New(ctx, cfg.ObjectStore, d.nc(), logger.Named("objectstore")); err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}

	provider, err := embeddings.NewProvider(cfg.Embeddings, logger.Named("embeddings"))
	if err != nil {
		return nil, fmt.Errorf("create embedding provider: %w", err)
	}
	d.embedder = embeddings.NewClient(provider, cfg.Embeddings.Model, cfg.Embeddings.Dimension,
		embeddings.WithBatchSize(cfg.Embeddings.BatchSize),
		embeddings.WithConcurrency(cfg.Embeddings.Concurrency),
		embeddings.WithLogger(logger.Named("embeddings")),
		embeddings.WithMetrics(embeddings.NewMetrics(logger)),
	)

	if d.vectors, err = vectorstore.New(ctx, cfg.VectorStore, d.embedder.Dimension(), logger.Named("vectorstore")); err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	d.tasks = progress.NewRegistry(d.nc(), progress.WithLogger(logger.Named("progress")))
	return d, nil
}

// Close releases resources in reverse order of acquisition.
func (d *dependencies) Close() {
	if d.tasks != nil {
		d.tasks.Close()
	}
	if d.vectors != nil {
		_ = d.vectors.Close()
	}
	if d.embedder != nil {
		_ = d.embedder.Close()
	}
	if d.objects != nil {
		_ = d.objects.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	d.conn.Close()
}

func temporalCheck(c client.Client) lexhttp.CheckFunc {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		_, err := c.CheckHealth(ctx, &client.CheckHealthRequest{})
		return err
	}
}
