// Package bootstrap wires the engine's storage, memory, vector index, and
// LLM capability dependencies into a single *engine.Engine, shared by
// cmd/orchestrator and cmd/knowledge-engine-api so neither binary carries
// its own copy of the construction logic.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spherical-ai/nl2sql-engine/internal/cache"
	"github.com/spherical-ai/nl2sql-engine/internal/config"
	"github.com/spherical-ai/nl2sql-engine/internal/kg"
	"github.com/spherical-ai/nl2sql-engine/internal/llm"
	"github.com/spherical-ai/nl2sql-engine/internal/llm/httpllm"
	"github.com/spherical-ai/nl2sql-engine/internal/memory"
	"github.com/spherical-ai/nl2sql-engine/internal/observability"
	"github.com/spherical-ai/nl2sql-engine/internal/storage"
	"github.com/spherical-ai/nl2sql-engine/internal/vectorindex"
	"github.com/spherical-ai/nl2sql-engine/pkg/engine"
)

// App bundles the constructed engine with the underlying resources so the
// caller can release everything in one Close call on shutdown.
type App struct {
	Engine       *engine.Engine
	db           *sql.DB
	pool         *pgxpool.Pool
	summaryCache cache.Client
}

// Close releases every resource opened by Build, in reverse order of
// acquisition.
func (a *App) Close() {
	a.Engine.Close()
	if a.summaryCache != nil {
		_ = a.summaryCache.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// Build constructs a fully wired engine from configuration: the KG store
// (opened twice, once as database/sql for the scalar repositories and once
// as a pgx pool for the pgvector-typed tables), the vector index adapter
// selected by cfg.Vector.Adapter, the LLM capability, and the KG
// manager/builder pair, then hands all of it to engine.New.
func Build(ctx context.Context, cfg *config.Config, log *observability.Logger) (*App, error) {
	db, err := sql.Open("postgres", cfg.Database.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("open kg store: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.Postgres.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping kg store: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.Database.Postgres.DSN)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open kg store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		db.Close()
		return nil, fmt.Errorf("ping kg store pool: %w", err)
	}

	repos := storage.NewRepositories(db)
	store := vectorindex.NewEmbeddingStore(pool)

	index, err := buildVectorAdapter(ctx, cfg)
	if err != nil {
		pool.Close()
		db.Close()
		return nil, fmt.Errorf("build vector adapter: %w", err)
	}

	capability, err := buildCapability(cfg)
	if err != nil {
		pool.Close()
		db.Close()
		return nil, fmt.Errorf("build llm capability: %w", err)
	}

	kgManager, err := kg.NewManager(repos, store, index, cfg.Cache.KGCacheSize, log)
	if err != nil {
		pool.Close()
		db.Close()
		return nil, fmt.Errorf("build kg manager: %w", err)
	}
	builder := kg.NewBuilder(repos, store, index, capability, cfg.Build, cfg.LLM, log)

	queryMem := memory.NewQueryMemoryRepository(pool)

	summaryCache, err := buildCache(cfg)
	if err != nil {
		pool.Close()
		db.Close()
		return nil, fmt.Errorf("build summary cache: %w", err)
	}
	summaries := memory.NewErrorSummaryManager(repos.ErrorSummary, capability, summaryCache, cfg.Cache.TTL, log)

	eng := engine.New(engine.Deps{
		Config:     cfg,
		Repos:      repos,
		KGManager:  kgManager,
		Builder:    builder,
		QueryMem:   queryMem,
		Summaries:  summaries,
		Capability: capability,
		Index:      index,
		Log:        log,
	})

	return &App{Engine: eng, db: db, pool: pool, summaryCache: summaryCache}, nil
}

// buildCache constructs the cache backing C12's compacted-summary reads,
// selected by cfg.Cache.Driver (C6's loaded-KG cache stays on the
// in-process golang-lru cache in kg.Manager regardless of this setting,
// since that cache holds live *kg.Graph values a Redis round-trip can't
// serve).
func buildCache(cfg *config.Config) (cache.Client, error) {
	switch cfg.Cache.Driver {
	case "redis":
		client, err := cache.NewRedisClient(cache.RedisConfig{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		if err != nil {
			return nil, fmt.Errorf("connect redis cache: %w", err)
		}
		return client, nil
	case "memory", "":
		return cache.NewMemoryClient(cfg.Cache.KGCacheSize), nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Cache.Driver)
	}
}

func buildVectorAdapter(ctx context.Context, cfg *config.Config) (vectorindex.Adapter, error) {
	switch cfg.Vector.Adapter {
	case "faiss":
		return vectorindex.NewFAISSAdapter(), nil
	case "pgvector", "":
		return vectorindex.NewPGVectorAdapter(ctx, vectorindex.PGVectorConfig{
			DSN:       cfg.Vector.PGVector.DSN,
			Dimension: cfg.LLM.EmbeddingDim,
			BatchSize: cfg.Vector.PGVector.BatchSize,
		})
	default:
		return nil, fmt.Errorf("unknown vector adapter %q", cfg.Vector.Adapter)
	}
}

// buildCapability constructs the one concrete LLM capability this
// repository ships: a raw-HTTP client against any OpenAI-compatible
// endpoint. The API key is never part of the YAML config tree (it's a
// secret, not a setting), so it's read directly from the environment.
func buildCapability(cfg *config.Config) (llm.Capability, error) {
	apiKey := os.Getenv("LLM_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	client, err := httpllm.NewClient(httpllm.Config{
		APIKey:     apiKey,
		BaseURL:    cfg.LLM.Endpoint,
		EmbedModel: cfg.LLM.EmbeddingModel,
		ChatModel:  cfg.LLM.ChatModel,
		Dimension:  cfg.LLM.EmbeddingDim,
		Timeout:    cfg.LLM.RequestTimeout,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}
