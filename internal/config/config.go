// Package config provides unified configuration loading for the knowledge engine.
// Supports YAML files, environment variables, and programmatic overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the knowledge engine.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	TargetDB      TargetDBConfig      `yaml:"target_db"`
	Vector        VectorConfig        `yaml:"vector"`
	Cache         CacheConfig         `yaml:"cache"`
	LLM           LLMConfig           `yaml:"llm"`
	SchemaSelect  SchemaSelectConfig  `yaml:"schema_select"`
	Build         BuildConfig         `yaml:"build"`
	Agent         AgentConfig         `yaml:"agent"`
	Memory        MemoryConfig        `yaml:"memory"`
	Observability ObservabilityConfig `yaml:"observability"`
	Auth          AuthConfig          `yaml:"auth"`
}

// ServerConfig holds HTTP server settings for the thin driver API.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DatabaseConfig holds connection settings for the KG store (C2) — the
// engine's own Postgres database holding kg_metadata, kg_tables, etc.
type DatabaseConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// TargetDBConfig holds settings for connecting to the customer database a
// KG is built from and against which C9 executes generated SQL. A single
// process may hold many target connections (one pool per KG); this section
// only carries pool-sizing defaults applied to each.
type TargetDBConfig struct {
	MaxOpenConns      int           `yaml:"max_open_conns"`
	MaxIdleConns      int           `yaml:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout      time.Duration `yaml:"query_timeout"`
	SampleValuesLimit int           `yaml:"sample_values_limit"`
}

// VectorConfig holds vector index (C3) settings.
type VectorConfig struct {
	Adapter  string         `yaml:"adapter"` // faiss or pgvector
	FAISS    FAISSConfig    `yaml:"faiss"`
	PGVector PGVectorConfig `yaml:"pgvector"`
}

// FAISSConfig holds in-memory vector index settings, used for local
// development and tests without a pgvector-enabled Postgres.
type FAISSConfig struct {
	Dimension int `yaml:"dimension"`
}

// PGVectorConfig holds pgvector-backed vector index settings.
type PGVectorConfig struct {
	DSN       string `yaml:"dsn"`
	IndexType string `yaml:"index_type"` // ivfflat or hnsw
	Lists     int    `yaml:"lists"`
	BatchSize int    `yaml:"batch_size"`
}

// CacheConfig holds cache settings for C12's compacted-summary cache.
// C6's loaded-KG cache is the separate in-process golang-lru cache sized by
// KGCacheSize (see kg.NewManager); it does not go through Driver/Redis since
// it holds live *kg.Graph values a round trip through Redis can't serve.
type CacheConfig struct {
	Driver      string        `yaml:"driver"` // memory or redis, backs C12's summary cache
	TTL         time.Duration `yaml:"ttl"`
	Redis       RedisConfig   `yaml:"redis"`
	KGCacheSize int           `yaml:"kg_cache_size"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// LLMConfig holds settings for the pluggable LLM capability (C1).
type LLMConfig struct {
	EmbeddingModel    string        `yaml:"embedding_model"`
	EmbeddingDim      int           `yaml:"embedding_dim"`
	ChatModel         string        `yaml:"chat_model"`
	Endpoint          string        `yaml:"endpoint"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	EmbeddingBatchSize int          `yaml:"embedding_batch_size"`
}

// SchemaSelectConfig holds C7 Schema Selector settings. Validate checks
// MaxFinalTables; no other code reads these fields, and the selector uses
// its own fixed search size and fallback table cap.
type SchemaSelectConfig struct {
	VectorTopK          int     `yaml:"vector_top_k"`
	MaxFinalTables       int    `yaml:"max_final_tables"`
	MaxBridgeHops        int    `yaml:"max_bridge_hops"`
	ConfidenceThreshold  float64 `yaml:"confidence_threshold"`
}

// BuildConfig tunes C5 KG Builder behavior.
type BuildConfig struct {
	MaxConcurrentTables int  `yaml:"max_concurrent_tables"`
	EnrichmentEnabled   bool `yaml:"enrichment_enabled"`
	SampleValuesPerCol  int  `yaml:"sample_values_per_col"`
}

// AgentConfig tunes the C13 Workflow Driver's retry budget: the engine
// copies MaxRetries into every query's State. AgentTimeout is not read.
type AgentConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	AgentTimeout   time.Duration `yaml:"agent_timeout"`
}

// MemoryConfig holds C11 Query Memory and C12 Error-Summary Manager
// settings. No code reads these fields; the compression threshold in use is
// storage.DefaultCompressionThreshold.
type MemoryConfig struct {
	QueryMemoryTopK       int `yaml:"query_memory_top_k"`
	CompressionThreshold  int `yaml:"compression_threshold"`
	ErrorPatternTopK      int `yaml:"error_pattern_top_k"`
}

// ObservabilityConfig holds logging, metrics, and tracing settings.
type ObservabilityConfig struct {
	LogLevel  string     `yaml:"log_level"`
	LogFormat string     `yaml:"log_format"`
	OTEL      OTELConfig `yaml:"otel"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// MetricsConfig holds Prometheus metrics exporter settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AuthConfig holds authentication settings for the thin HTTP driver.
type AuthConfig struct {
	Enabled bool         `yaml:"enabled"`
	OAuth2  OAuth2Config `yaml:"oauth2"`
}

// OAuth2Config holds OAuth2 settings.
type OAuth2Config struct {
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`
}

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8085,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     30 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				DSN:             "postgres://localhost:5432/nl2sql_engine?sslmode=disable",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		TargetDB: TargetDBConfig{
			MaxOpenConns:      10,
			MaxIdleConns:      2,
			ConnMaxLifetime:   5 * time.Minute,
			QueryTimeout:      30 * time.Second,
			SampleValuesLimit: 5,
		},
		Vector: VectorConfig{
			Adapter: "pgvector",
			FAISS: FAISSConfig{
				Dimension: 768,
			},
			PGVector: PGVectorConfig{
				DSN:       "postgres://localhost:5432/nl2sql_engine?sslmode=disable",
				IndexType: "ivfflat",
				Lists:     100,
				BatchSize: 100,
			},
		},
		Cache: CacheConfig{
			Driver:      "memory",
			TTL:         5 * time.Minute,
			KGCacheSize: 64,
			Redis: RedisConfig{
				Addr:     "localhost:6380",
				DB:       0,
				PoolSize: 10,
			},
		},
		LLM: LLMConfig{
			EmbeddingModel:     "qwen/qwen3-embedding-8b",
			EmbeddingDim:       768,
			ChatModel:          "gpt-4o-mini",
			RequestTimeout:     30 * time.Second,
			EmbeddingBatchSize: 100,
		},
		SchemaSelect: SchemaSelectConfig{
			VectorTopK:          15,
			MaxFinalTables:      8,
			MaxBridgeHops:       3,
			ConfidenceThreshold: 0.7,
		},
		Build: BuildConfig{
			MaxConcurrentTables: 8,
			EnrichmentEnabled:   true,
			SampleValuesPerCol:  5,
		},
		Agent: AgentConfig{
			MaxRetries:   3,
			AgentTimeout: 60 * time.Second,
		},
		Memory: MemoryConfig{
			QueryMemoryTopK:      5,
			CompressionThreshold: 500,
			ErrorPatternTopK:     5,
		},
		Observability: ObservabilityConfig{
			LogLevel:  "debug",
			LogFormat: "json",
			OTEL: OTELConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				ServiceName: "nl2sql-engine",
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Auth: AuthConfig{
			Enabled: false,
			OAuth2: OAuth2Config{
				Issuer:   "https://auth.nl2sql.local",
				Audience: "nl2sql-engine",
			},
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Vector.Adapter != "faiss" && c.Vector.Adapter != "pgvector" {
		return fmt.Errorf("invalid vector adapter: %s", c.Vector.Adapter)
	}

	if c.Cache.Driver != "memory" && c.Cache.Driver != "redis" {
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	if c.SchemaSelect.MaxFinalTables < 1 {
		return fmt.Errorf("schema_select.max_final_tables must be at least 1")
	}

	if c.Agent.MaxRetries < 0 {
		return fmt.Errorf("agent.max_retries must be non-negative")
	}

	if c.Memory.CompressionThreshold < 1 {
		return fmt.Errorf("memory.compression_threshold must be at least 1")
	}

	return nil
}

// IsDevelopment returns true if running without auth enabled.
func (c *Config) IsDevelopment() bool {
	return !c.Auth.Enabled
}

// DatabaseDSN returns the KG store's Postgres connection string.
func (c *Config) DatabaseDSN() string {
	return c.Database.Postgres.DSN
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.Postgres.DSN = v
	}

	if v := os.Getenv("POSTGRES_URL"); v != "" {
		cfg.Database.Postgres.DSN = v
	}

	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Driver = "redis"
		addr := strings.TrimPrefix(v, "redis://")
		cfg.Cache.Redis.Addr = addr
	}

	if v := os.Getenv("VECTOR_ADAPTER"); v != "" {
		cfg.Vector.Adapter = v
	}

	if v := os.Getenv("PGVECTOR_DSN"); v != "" {
		cfg.Vector.PGVector.DSN = v
	}

	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.LLM.EmbeddingModel = v
	}

	if v := os.Getenv("LLM_CHAT_MODEL"); v != "" {
		cfg.LLM.ChatModel = v
	}

	if v := os.Getenv("LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}

	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Observability.OTEL.Endpoint = v
		cfg.Observability.OTEL.Enabled = true
	}

	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		cfg.Observability.OTEL.ServiceName = v
	}

	if v := os.Getenv("AUTH_ENABLED"); v == "true" {
		cfg.Auth.Enabled = true
	}

	if v := os.Getenv("OAUTH2_ISSUER"); v != "" {
		cfg.Auth.OAuth2.Issuer = v
	}

	if v := os.Getenv("AGENT_MAX_RETRIES"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			cfg.Agent.MaxRetries = n
		}
	}
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if filepath.IsAbs(targetPath) {
		return targetPath
	}
	configDir := filepath.Dir(configPath)
	return filepath.Join(configDir, targetPath)
}
