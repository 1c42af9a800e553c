// Package registry wires configuration into the process-wide service graph.
//
// New dials every backing adapter (postgres, redis, NATS, GCS, Document AI,
// OpenAI, Anthropic, qdrant), verifies the embedding dimension invariant,
// and hands the composed services to the HTTP layer and the CLI. Adapter
// construction failures classify as AdapterUnavailable; a dimension
// disagreement between configuration, embedder and the qdrant collection is
// an InvariantViolation and must stop the process.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/apperr"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/auth"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/blob"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/cache"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/catalog"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/chunker"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/composer"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/config"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/embed"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/extract"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/generator"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/ingest"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/ledger"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/metastore"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/planner"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/query"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/queue"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/vectorindex"
)

// bootstrapAdminID is the synthetic subject of the config-seeded admin
// credential. Real admin accounts come from the identity provider.
const bootstrapAdminID = "bootstrap-admin"

// Registry holds the composed service graph.
type Registry struct {
	cfg    *config.Config
	logger *logging.Logger

	store    *metastore.Store
	coord    *cache.Coordinator
	verifier auth.Verifier

	credits *ledger.Service
	queries *query.Service
	catalog *catalog.Service
	worker  *ingest.Worker
	sweeper *ingest.Sweeper

	closers []func() error
}

// Options carries pre-built adapters, used by tests and by New.
type Options struct {
	Config *config.Config
	Logger *logging.Logger

	Store       *metastore.Store
	Cache       cache.Cache
	Queue       queue.Queue
	Blobs       blob.Store
	Extractor   extract.Extractor
	Embedder    embed.Embedder
	Primary     generator.Provider
	Fallback    generator.Provider
	VectorIndex vectorindex.Index
	Verifier    auth.Verifier
}

// New dials all adapters from configuration and composes the services.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var closers []func() error

	store, err := metastore.New(ctx, metastore.Config{
		DSN:      cfg.Postgres.DSN.Value(),
		MaxConns: cfg.Postgres.MaxConns,
	}, logger)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "connecting to postgres", err)
	}
	closers = append(closers, func() error { store.Close(); return nil })

	redis, err := cache.NewRedis(ctx, cache.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password.Value(),
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		closeAll(closers, logger)
		return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "connecting to redis", err)
	}
	closers = append(closers, redis.Close)

	jobs, err := queue.NewJetStream(queue.JetStreamConfig{
		URL:        cfg.Queue.URL,
		Stream:     cfg.Queue.Stream,
		Subject:    cfg.Queue.Subject,
		Durable:    cfg.Queue.Durable,
		MaxDeliver: cfg.Queue.MaxDeliver,
	}, logger)
	if err != nil {
		closeAll(closers, logger)
		return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "connecting to the work queue", err)
	}
	closers = append(closers, jobs.Close)

	blobs, err := blob.NewGCS(ctx, blob.GCSConfig{
		Bucket: cfg.Blob.Bucket,
		Prefix: cfg.Blob.Prefix,
	}, logger)
	if err != nil {
		closeAll(closers, logger)
		return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "connecting to blob storage", err)
	}
	closers = append(closers, blobs.Close)

	extractor, err := extract.NewDocumentAI(ctx, extract.DocumentAIConfig{
		ProcessorName: cfg.Extract.ProcessorName,
		Endpoint:      cfg.Extract.Endpoint,
	}, logger)
	if err != nil {
		closeAll(closers, logger)
		return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "connecting to the extraction processor", err)
	}
	closers = append(closers, extractor.Close)

	embedder, err := embed.NewOpenAI(embed.OpenAIConfig{
		APIKey:            cfg.Embedding.APIKey.Value(),
		BaseURL:           cfg.Embedding.BaseURL,
		Model:             cfg.Embedding.Model,
		Dimensions:        cfg.Embedding.Dimensions,
		BatchSize:         cfg.Embedding.BatchSize,
		RequestsPerMinute: cfg.Embedding.RequestsPerMinute,
	}, logger)
	if err != nil {
		closeAll(closers, logger)
		return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "building the embedder", err)
	}

	primary, err := generator.NewOpenAI(generator.OpenAIConfig{
		APIKey:  cfg.Generation.OpenAIAPIKey.Value(),
		BaseURL: cfg.Generation.OpenAIBaseURL,
		Model:   cfg.Generation.OpenAIModel,
	})
	if err != nil {
		closeAll(closers, logger)
		return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "building the primary provider", err)
	}
	fallback, err := generator.NewAnthropic(generator.AnthropicConfig{
		APIKey: cfg.Generation.AnthropicAPIKey.Value(),
		Model:  cfg.Generation.AnthropicModel,
	})
	if err != nil {
		closeAll(closers, logger)
		return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "building the fallback provider", err)
	}
	breakerCfg := generator.BreakerConfig{
		Failures: uint32(cfg.Generation.BreakerFailures),
		Cooldown: cfg.Generation.BreakerCooldown.Duration(),
	}

	index, err := vectorindex.NewQdrant(vectorindex.QdrantConfig{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		APIKey:     cfg.Qdrant.APIKey.Value(),
		UseTLS:     cfg.Qdrant.UseTLS,
		Collection: cfg.Qdrant.Collection,
		VectorSize: cfg.Embedding.Dimensions,
	}, logger)
	if err != nil {
		closeAll(closers, logger)
		return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "connecting to qdrant", err)
	}
	closers = append(closers, index.Close)

	// The collection must carry exactly the configured vector width. A
	// mismatch means the index was built for another embedding model and
	// every search would silently return garbage.
	if err := index.EnsureCollection(ctx); err != nil {
		closeAll(closers, logger)
		if errors.Is(err, vectorindex.ErrDimensionMismatch) {
			return nil, apperr.Wrap(apperr.KindInvariantViolation, "qdrant collection vector size disagrees with embedding dimensions", err)
		}
		return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "preparing the qdrant collection", err)
	}

	opts := Options{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Cache:       redis,
		Queue:       jobs,
		Blobs:       blobs,
		Extractor:   extractor,
		Embedder:    embedder,
		Primary:     generator.NewBreaker(primary, breakerCfg, logger),
		Fallback:    generator.NewBreaker(fallback, breakerCfg, logger),
		VectorIndex: index,
	}
	r, err := NewFromOptions(opts)
	if err != nil {
		closeAll(closers, logger)
		return nil, err
	}
	r.closers = closers

	if err := r.seedBootstrapAdmin(ctx); err != nil {
		closeAll(closers, logger)
		return nil, err
	}
	return r, nil
}

// NewFromOptions composes the services from pre-built adapters. The
// embedding dimension invariant is enforced here so tests exercise it too.
func NewFromOptions(opts Options) (*Registry, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	if got := opts.Embedder.Dimensions(); got != cfg.Embedding.Dimensions {
		return nil, apperr.Newf(apperr.KindInvariantViolation,
			"embedder produces %d-dimensional vectors, configuration expects %d", got, cfg.Embedding.Dimensions)
	}

	coord := cache.NewCoordinator(opts.Cache, cache.CoordinatorConfig{
		AnswerTTL:      cfg.Redis.AnswerTTL.Duration(),
		EmbeddingTTL:   cfg.Redis.EmbeddingTTL.Duration(),
		MaintenanceTTL: cfg.Redis.MaintenanceTTL.Duration(),
	}, logger)

	credits := ledger.New(opts.Store, ledger.Config{
		CostPerAsk:   cfg.Credits.CostPerAsk,
		InitialGrant: cfg.Credits.InitialGrant,
	}, logger)

	plan := planner.New(opts.Embedder, opts.VectorIndex, coord, planner.Config{
		KDefault:         cfg.Retrieval.DefaultK,
		KMax:             cfg.Retrieval.MaxK,
		ThresholdDefault: cfg.Retrieval.DefaultThreshold,
		Oversample:       cfg.Retrieval.Oversample,
		AsksPerMinute:    cfg.Retrieval.RateLimitPerMinute,
	}, logger)

	comp := composer.New(opts.Primary, opts.Fallback, composer.Config{
		ProviderTimeout: cfg.Generation.Timeout.Duration(),
		MaxTokens:       cfg.Generation.MaxTokens,
		Temperature:     cfg.Generation.Temperature,
	}, logger)

	queries := query.New(plan, comp, credits, opts.Store, coord, logger)

	docs := catalog.New(opts.Store, opts.Blobs, opts.Queue, catalog.Config{
		MaxFileBytes: cfg.Ingest.MaxFileSizeBytes(),
	}, logger)

	chunks := chunker.New(chunker.Config{
		TargetChars:  cfg.Chunking.TargetChars,
		OverlapChars: cfg.Chunking.OverlapChars,
		MinChars:     cfg.Chunking.MinChars,
		MaxChars:     cfg.Chunking.MaxChars,
	})

	worker := ingest.NewWorker(opts.Store, opts.Blobs, opts.Extractor, chunks, opts.Embedder, opts.VectorIndex, opts.Queue, ingest.Config{
		Parallelism: cfg.Ingest.Parallelism,
		MaxAttempts: cfg.Ingest.MaxAttempts,
		JobTimeout:  cfg.Ingest.JobTimeout.Duration(),
	}, logger)

	sweeper := ingest.NewSweeper(opts.Store, opts.Blobs, opts.VectorIndex, opts.Queue, ingest.SweeperConfig{
		Interval:   cfg.Ingest.SweepInterval.Duration(),
		StaleAfter: cfg.Ingest.StaleAfter.Duration(),
	}, logger)

	verifier := opts.Verifier
	if verifier == nil {
		static := auth.NewStaticVerifier()
		if cfg.Auth.BootstrapAdminToken.IsSet() {
			static.Register(cfg.Auth.BootstrapAdminToken.Value(), auth.Identity{
				UserID: bootstrapAdminID,
				Role:   model.RoleAdmin,
				Email:  cfg.Auth.BootstrapAdminEmail,
			})
		}
		verifier = static
	}

	return &Registry{
		cfg:      cfg,
		logger:   logger,
		store:    opts.Store,
		coord:    coord,
		verifier: verifier,
		credits:  credits,
		queries:  queries,
		catalog:  docs,
		worker:   worker,
		sweeper:  sweeper,
	}, nil
}

// seedBootstrapAdmin ensures the config-seeded admin credential resolves to
// a ledger account, so admin asks get their zero-amount deductions.
func (r *Registry) seedBootstrapAdmin(ctx context.Context) error {
	if !r.cfg.Auth.BootstrapAdminToken.IsSet() {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return r.credits.EnsureAccount(ctx, &model.User{
		ID:    bootstrapAdminID,
		Email: r.cfg.Auth.BootstrapAdminEmail,
		Role:  model.RoleAdmin,
	})
}

// Config returns the loaded configuration.
func (r *Registry) Config() *config.Config { return r.cfg }

// Metastore returns the postgres-backed metadata store.
func (r *Registry) Metastore() *metastore.Store { return r.store }

// Coordinator returns the cache policy layer.
func (r *Registry) Coordinator() *cache.Coordinator { return r.coord }

// Credits returns the credit ledger service.
func (r *Registry) Credits() *ledger.Service { return r.credits }

// Query returns the ask/search orchestration service.
func (r *Registry) Query() *query.Service { return r.queries }

// Catalog returns the document catalog service.
func (r *Registry) Catalog() *catalog.Service { return r.catalog }

// Worker returns the ingestion worker.
func (r *Registry) Worker() *ingest.Worker { return r.worker }

// Sweeper returns the background sweeper.
func (r *Registry) Sweeper() *ingest.Sweeper { return r.sweeper }

// Verifier returns the credential verifier.
func (r *Registry) Verifier() auth.Verifier { return r.verifier }

// Close releases every adapter, in reverse construction order.
func (r *Registry) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func closeAll(closers []func() error, logger *logging.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Warn(context.Background(), "adapter close failed during startup unwind")
		}
	}
}
