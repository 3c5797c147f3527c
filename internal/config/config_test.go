package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"default server port", func(c *Config) bool { return c.Server.Port == 8085 }},
		{"default vector adapter is pgvector", func(c *Config) bool { return c.Vector.Adapter == "pgvector" }},
		{"default cache driver is memory", func(c *Config) bool { return c.Cache.Driver == "memory" }},
		{"default embedding dim matches faiss dimension", func(c *Config) bool {
			return c.LLM.EmbeddingDim == c.Vector.FAISS.Dimension
		}},
		{"default auth disabled", func(c *Config) bool { return !c.Auth.Enabled }},
		{"default compression threshold", func(c *Config) bool { return c.Memory.CompressionThreshold == 500 }},
	}

	cfg := DefaultConfig()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("DefaultConfig() failed check %q", tt.name)
			}
		})
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("DefaultConfig() should validate cleanly, got: %v", err)
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.IsDevelopment() {
		t.Error("IsDevelopment() = false with auth disabled, want true")
	}
	cfg.Auth.Enabled = true
	if cfg.IsDevelopment() {
		t.Error("IsDevelopment() = true with auth enabled, want false")
	}
}

func TestConfig_DatabaseDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Postgres.DSN = "postgres://user:pass@db:5432/app"
	if got := cfg.DatabaseDSN(); got != cfg.Database.Postgres.DSN {
		t.Errorf("DatabaseDSN() = %q, want %q", got, cfg.Database.Postgres.DSN)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"port too low", func(c *Config) { c.Server.Port = 0 }, true},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, true},
		{"unknown vector adapter", func(c *Config) { c.Vector.Adapter = "pinecone" }, true},
		{"unknown cache driver", func(c *Config) { c.Cache.Driver = "memcached" }, true},
		{"zero max final tables", func(c *Config) { c.SchemaSelect.MaxFinalTables = 0 }, true},
		{"negative max retries", func(c *Config) { c.Agent.MaxRetries = -1 }, true},
		{"zero compression threshold", func(c *Config) { c.Memory.CompressionThreshold = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("Validate() = nil, want error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	vars := map[string]string{
		"SERVER_PORT":     "9090",
		"SERVER_HOST":     "127.0.0.1",
		"DATABASE_URL":    "postgres://override/db",
		"REDIS_URL":       "redis://cache.internal:6379",
		"VECTOR_ADAPTER":  "faiss",
		"EMBEDDING_MODEL": "text-embedding-3-small",
		"AUTH_ENABLED":    "true",
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Database.Postgres.DSN != "postgres://override/db" {
		t.Errorf("Database.Postgres.DSN = %q, want override", cfg.Database.Postgres.DSN)
	}
	if cfg.Cache.Driver != "redis" {
		t.Errorf("Cache.Driver = %q, want redis (REDIS_URL implies the driver)", cfg.Cache.Driver)
	}
	if cfg.Cache.Redis.Addr != "cache.internal:6379" {
		t.Errorf("Cache.Redis.Addr = %q, want cache.internal:6379 (redis:// prefix stripped)", cfg.Cache.Redis.Addr)
	}
	if cfg.Vector.Adapter != "faiss" {
		t.Errorf("Vector.Adapter = %q, want faiss", cfg.Vector.Adapter)
	}
	if cfg.LLM.EmbeddingModel != "text-embedding-3-small" {
		t.Errorf("LLM.EmbeddingModel = %q, want text-embedding-3-small", cfg.LLM.EmbeddingModel)
	}
	if !cfg.Auth.Enabled {
		t.Error("Auth.Enabled = false, want true")
	}
}

func TestApplyEnvOverrides_LeavesDefaultsWhenUnset(t *testing.T) {
	cfg := DefaultConfig()
	before := *cfg
	applyEnvOverrides(cfg)
	if cfg.Server.Port != before.Server.Port || cfg.Vector.Adapter != before.Vector.Adapter {
		t.Error("applyEnvOverrides() changed config with no environment variables set")
	}
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}
	if cfg.Server.Port != DefaultConfig().Server.Port {
		t.Errorf("Load(\"\") Server.Port = %d, want default %d", cfg.Server.Port, DefaultConfig().Server.Port)
	}
}

func TestLoad_NonexistentFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("Load() with a nonexistent path should return an error")
	}
}

func TestLoad_AppliesEnvOverrideOnTopOfFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 7000\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("SERVER_PORT", "1234")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}
	if cfg.Server.Port != 1234 {
		t.Errorf("Server.Port = %d, want 1234 from env override", cfg.Server.Port)
	}
}

func TestResolveRelativePath(t *testing.T) {
	tests := []struct {
		name       string
		configPath string
		targetPath string
		want       string
	}{
		{"absolute path passes through", "/etc/nl2sql/config.yaml", "/abs/schema.sql", "/abs/schema.sql"},
		{"relative path joined to config dir", "/etc/nl2sql/config.yaml", "schema.sql", "/etc/nl2sql/schema.sql"},
		{"relative path with subdir", "configs/dev.yaml", "sql/seed.sql", "configs/sql/seed.sql"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveRelativePath(tt.configPath, tt.targetPath); got != tt.want {
				t.Errorf("ResolveRelativePath(%q, %q) = %q, want %q", tt.configPath, tt.targetPath, got, tt.want)
			}
		})
	}
}
