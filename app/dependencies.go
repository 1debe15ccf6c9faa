package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/upb/policy-rag/config"
	"github.com/upb/policy-rag/handlers"
	"github.com/upb/policy-rag/middleware"
	"github.com/upb/policy-rag/repositories"
	"github.com/upb/policy-rag/repositories/memory"
	"github.com/upb/policy-rag/repositories/postgres"
	"github.com/upb/policy-rag/services/audit"
	"github.com/upb/policy-rag/services/chunker"
	"github.com/upb/policy-rag/services/confidence"
	"github.com/upb/policy-rag/services/generation"
	"github.com/upb/policy-rag/services/guard"
	"github.com/upb/policy-rag/services/ingestion"
	"github.com/upb/policy-rag/services/providers"
	"github.com/upb/policy-rag/services/providers/fake"
	"github.com/upb/policy-rag/services/providers/ollama"
	"github.com/upb/policy-rag/services/providers/openai"
	"github.com/upb/policy-rag/services/query"
	"github.com/upb/policy-rag/services/retrieval"
	"github.com/upb/policy-rag/services/vectorindex"
	memindex "github.com/upb/policy-rag/services/vectorindex/memory"
	"github.com/upb/policy-rag/services/vectorindex/pgvector"
	"github.com/upb/policy-rag/services/vectorindex/qdrant"
	"go.uber.org/zap"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	Logger *zap.Logger

	// RepoFactory is nil with the memory store
	RepoFactory *postgres.RepositoryFactory
	Repos       *repositories.Repositories

	VectorIndex vectorindex.Index
	vectorPool  *pgxpool.Pool

	// Providers
	Embedder  providers.EmbeddingProvider
	Generator providers.GenerationProvider

	// Services
	Ingestion *ingestion.Service
	Retrieval *retrieval.Service
	Answers   *generation.Generator
	Guard     *guard.Guard
	Audit     *audit.Service
	Query     *query.Service

	// HTTP
	AuthMiddleware  *middleware.AuthMiddleware
	QueryLimiter    *middleware.RateLimitMiddleware
	HealthHandler   *handlers.HealthHandler
	DocumentHandler *handlers.DocumentHandler
	QueryHandler    *handlers.QueryHandler
	AuditHandler    *handlers.AuditHandler

	outbox       *audit.SQLiteOutbox
	checks       map[string]handlers.CheckFunc
	auditStarted bool
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
		checks: map[string]handlers.CheckFunc{},
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"store", deps.initStore},
		{"vector index", deps.initVectorIndex},
		{"providers", deps.initProviders},
		{"services", deps.initServices},
	}
	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			_ = deps.Close(ctx)
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}
	deps.initHTTP()

	logger.Info("all dependencies initialized successfully",
		zap.String("store", cfg.Store.Backend),
		zap.String("vector_index", cfg.VectorIndex.Kind),
		zap.String("embedding_provider", deps.Embedder.Name()),
		zap.String("generation_provider", deps.Generator.Name()))
	return deps, nil
}

// initStore opens the Policy Store and Audit Store
func (d *Dependencies) initStore(ctx context.Context) error {
	if d.Config.Store.Backend == "memory" {
		d.Repos = memory.NewRepositories()
		d.Logger.Warn("using in-memory store, data is lost on restart")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(d.Config, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}
	d.RepoFactory = factory

	if err := factory.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := factory.InitSchema(ctx); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.Repos = factory.NewRepositories()
	d.checks["database"] = factory.HealthCheck

	d.Logger.Info("database connection established",
		zap.String("connection", d.Config.Database.LogString()))
	return nil
}

// initVectorIndex connects the configured vector index and ensures its schema
func (d *Dependencies) initVectorIndex(ctx context.Context) error {
	cfg := d.Config.VectorIndex

	switch cfg.Kind {
	case "memory":
		d.VectorIndex = memindex.New(cfg.Dimension)
	case "pgvector":
		pool, err := pgvector.Connect(ctx, cfg.PgvectorURL)
		if err != nil {
			return err
		}
		d.vectorPool = pool
		index := pgvector.New(pool, cfg.Dimension, d.Logger)
		if err := index.EnsureSchema(ctx); err != nil {
			return err
		}
		d.VectorIndex = index
		d.checks["vector_index"] = pool.Ping
	case "qdrant":
		index := qdrant.New(qdrant.Config{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.Collection,
			Dimension:  cfg.Dimension,
			Timeout:    cfg.Timeout,
		}, d.Logger)
		if err := index.EnsureCollection(ctx); err != nil {
			return err
		}
		d.VectorIndex = index
		d.checks["vector_index"] = index.EnsureCollection
	default:
		return fmt.Errorf("unknown vector index %q", cfg.Kind)
	}

	d.Logger.Info("vector index ready",
		zap.String("kind", cfg.Kind),
		zap.Int("dimension", cfg.Dimension))
	return nil
}

// initProviders builds the embedding and generation providers
func (d *Dependencies) initProviders(ctx context.Context) error {
	embedder, err := d.newEmbedder(d.Config.Providers.Embedding)
	if err != nil {
		return err
	}
	if embedder.Dimension() != d.Config.VectorIndex.Dimension {
		return fmt.Errorf("embedding dimension %d does not match index dimension %d",
			embedder.Dimension(), d.Config.VectorIndex.Dimension)
	}
	generator, err := d.newGenerator(d.Config.Providers.Generation)
	if err != nil {
		return err
	}

	d.Embedder = embedder
	d.Generator = generator
	return nil
}

func (d *Dependencies) providerConfig(apiKey, baseURL, embeddingModel, chatModel string) providers.ProviderConfig {
	p := d.Config.Providers
	return providers.ProviderConfig{
		APIKey:         apiKey,
		BaseURL:        baseURL,
		EmbeddingModel: embeddingModel,
		ChatModel:      chatModel,
		Dimension:      d.Config.VectorIndex.Dimension,
		Timeout:        p.Timeout,
		Retry: providers.RetryConfig{
			MaxRetries:        p.MaxRetries,
			BaseDelay:         p.RetryBaseDelay,
			MaxDelay:          p.RetryMaxDelay,
			RequestsPerSecond: p.RequestsPerSecond,
			Burst:             p.Burst,
			CallTimeout:       p.Timeout,
		},
	}
}

func (d *Dependencies) openAIConfig() providers.ProviderConfig {
	o := d.Config.Providers.OpenAI
	return d.providerConfig(o.APIKey, o.BaseURL, o.EmbeddingModel, o.ChatModel)
}

func (d *Dependencies) ollamaConfig() providers.ProviderConfig {
	o := d.Config.Providers.Ollama
	return d.providerConfig("", o.BaseURL, o.EmbeddingModel, o.ChatModel)
}

func (d *Dependencies) newEmbedder(kind string) (providers.EmbeddingProvider, error) {
	switch kind {
	case "openai":
		return openai.NewAdapter(d.openAIConfig(), d.Logger), nil
	case "ollama":
		return ollama.NewAdapter(d.ollamaConfig(), d.Logger), nil
	case "fake":
		d.Logger.Warn("using fake embedding provider")
		return fake.NewEmbedder(d.Config.VectorIndex.Dimension), nil
	}
	return nil, fmt.Errorf("unknown embedding provider %q", kind)
}

func (d *Dependencies) newGenerator(kind string) (providers.GenerationProvider, error) {
	switch kind {
	case "openai":
		return openai.NewAdapter(d.openAIConfig(), d.Logger), nil
	case "ollama":
		return ollama.NewAdapter(d.ollamaConfig(), d.Logger), nil
	case "fake":
		d.Logger.Warn("using fake generation provider")
		return fake.NewGenerator(), nil
	}
	return nil, fmt.Errorf("unknown generation provider %q", kind)
}

// initServices wires the ingestion and query pipelines
func (d *Dependencies) initServices(ctx context.Context) error {
	cfg := d.Config

	var counter chunker.TokenCounter = chunker.EstimateCounter{}
	if cfg.Chunking.TokenEncoding != "" {
		tc, err := chunker.NewTiktokenCounter(cfg.Chunking.TokenEncoding)
		if err != nil {
			d.Logger.Warn("falling back to estimated token counts", zap.Error(err))
		} else {
			counter = tc
		}
	}
	chunks := chunker.New(chunker.Config{
		ChunkSize:       cfg.Chunking.ChunkSize,
		OverlapFraction: cfg.Chunking.OverlapFraction,
		MinTailChars:    cfg.Chunking.MinTailChars,
	}, counter, d.Logger)

	d.Ingestion = ingestion.NewService(d.Repos, d.VectorIndex, d.Embedder, chunks, ingestion.Config{
		EmbedBatchSize:   cfg.Ingestion.EmbedBatchSize,
		EmbedConcurrency: cfg.Ingestion.EmbedConcurrency,
	}, d.Logger)

	d.Retrieval = retrieval.NewService(d.Repos.Documents, d.VectorIndex, d.Embedder,
		retrieval.NewEmbeddingCache(cfg.Retrieval.CacheSize, cfg.Retrieval.CacheTTL),
		retrieval.Config{
			TopK:           cfg.Retrieval.TopK,
			MaxTopK:        cfg.Retrieval.MaxTopK,
			ScoreThreshold: cfg.Retrieval.ScoreThreshold,
		}, d.Logger)

	d.Answers = generation.New(d.Generator, cfg.Rules, generation.Config{
		Temperature: cfg.Generation.Temperature,
		MaxTokens:   cfg.Generation.MaxTokens,
	}, d.Logger)

	g, err := guard.New(cfg.Rules.BlockedPatterns, d.Logger)
	if err != nil {
		return err
	}
	d.Guard = g

	if err := d.initAudit(); err != nil {
		return err
	}

	d.Query = query.NewService(d.Guard, d.Retrieval, d.Answers, d.Audit, confidence.Thresholds{
		Base:             cfg.Retrieval.ScoreThreshold,
		LowMargin:        cfg.Retrieval.LowMargin,
		High:             cfg.Retrieval.HighScore,
		MinCorroborating: cfg.Retrieval.MinCorroborating,
	}, d.Logger)
	return nil
}

// initAudit builds the audit service with its optional outbox and alerter
func (d *Dependencies) initAudit() error {
	cfg := d.Config.Audit

	var outbox audit.Outbox
	if cfg.OutboxPath != "" {
		ob, err := audit.OpenSQLiteOutbox(cfg.OutboxPath)
		if err != nil {
			return err
		}
		d.outbox = ob
		outbox = ob
	} else {
		d.Logger.Warn("audit outbox disabled, a failed audit write fails the request")
	}

	var alerter audit.Alerter
	if cfg.AlertWebhookURL != "" {
		alerter = audit.NewWebhookAlerter(cfg.AlertWebhookURL, 5*time.Second)
	}

	d.Audit = audit.NewService(d.Repos.QueryLogs, outbox, alerter, audit.Config{
		WriteTimeout:     cfg.WriteTimeout,
		Workers:          cfg.Workers,
		MaxAttempts:      cfg.MaxAttempts,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		PollInterval:     cfg.PollInterval,
		HighRiskKeywords: d.Config.Rules.HighRiskKeywords,
	}, d.Logger)
	return nil
}

// initHTTP builds middleware and handlers
func (d *Dependencies) initHTTP() {
	cfg := d.Config

	var validator middleware.TokenValidator
	if cfg.Auth.JWTSecret != "" {
		validator = middleware.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	} else if !cfg.Auth.AllowHeaderIdentity {
		d.Logger.Warn("no AUTH_JWT_SECRET and header identity disabled, every protected route returns 401")
	}
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, cfg.Auth.AllowHeaderIdentity, d.Logger)
	d.QueryLimiter = middleware.NewRateLimitMiddleware(cfg.Auth.QueryRatePerMinute, cfg.Auth.QueryBurst, d.Logger)

	d.HealthHandler = handlers.NewHealthHandler(d.checks, handlers.StatusInfo{
		Environment:        cfg.Environment,
		Store:              cfg.Store.Backend,
		VectorIndex:        cfg.VectorIndex.Kind,
		EmbeddingProvider:  d.Embedder.Name(),
		GenerationProvider: d.Generator.Name(),
	}, d.Logger)
	d.DocumentHandler = handlers.NewDocumentHandler(d.Ingestion, cfg.Ingestion.MaxUploadBytes, d.Logger)
	d.QueryHandler = handlers.NewQueryHandler(d.Query, d.Logger)
	d.AuditHandler = handlers.NewAuditHandler(d.Audit, d.Logger)
}

// Start launches the audit retry workers
func (d *Dependencies) Start() error {
	if err := d.Audit.Start(); err != nil {
		return fmt.Errorf("failed to start audit service: %w", err)
	}
	d.auditStarted = true
	return nil
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.auditStarted {
		timeout := d.Config.Server.ShutdownTimeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := d.Audit.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
		d.auditStarted = false
	}

	if d.outbox != nil {
		if err := d.outbox.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit outbox: %w", err))
		}
	}

	if d.vectorPool != nil {
		d.vectorPool.Close()
	}

	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	_ = d.Logger.Sync()

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}
	return nil
}
