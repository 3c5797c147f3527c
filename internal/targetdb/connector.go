// Package targetdb connects to the customer's relational database — the
// one a knowledge graph is built from (C4 Schema Extractor) and against
// which generated SQL is executed (C9 Executor-Validator). It is kept
// distinct from internal/storage, which owns the engine's own KG store
// connection.
package targetdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Config describes one target database connection.
type Config struct {
	DSN               string
	MaxOpenConns      int
	MaxIdleConns      int
	ConnMaxLifetime   time.Duration
	QueryTimeout      time.Duration
	SampleValuesLimit int
}

// Connector wraps a *sql.DB to the target database, plus the fingerprint
// derived from its connection parameters.
type Connector struct {
	db                *sql.DB
	fingerprint       string
	queryTimeout      time.Duration
	sampleValuesLimit int
}

// Connect opens a connection pool to the target database and computes its
// source fingerprint from (host, port, database name) as the server reports
// them for the open connection (see connectionIdentity).
func Connect(ctx context.Context, cfg Config) (*Connector, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open target db: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping target db: %w", err)
	}

	host, port, dbName, err := connectionIdentity(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("resolve target db identity: %w", err)
	}

	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sampleLimit := cfg.SampleValuesLimit
	if sampleLimit <= 0 {
		sampleLimit = 5
	}

	return &Connector{
		db:                db,
		fingerprint:       SourceFingerprint(host, port, dbName),
		queryTimeout:      timeout,
		sampleValuesLimit: sampleLimit,
	}, nil
}

// DB returns the underlying *sql.DB for extraction/execution queries.
func (c *Connector) DB() *sql.DB { return c.db }

// Fingerprint returns the deterministic fingerprint of this connection's
// (host, port, database) identity, used as the KG's natural key.
func (c *Connector) Fingerprint() string { return c.fingerprint }

// QueryTimeout returns the configured per-query timeout.
func (c *Connector) QueryTimeout() time.Duration { return c.queryTimeout }

// SampleValuesLimit returns the configured sample-value fetch limit.
func (c *Connector) SampleValuesLimit() int { return c.sampleValuesLimit }

// Close closes the underlying connection pool.
func (c *Connector) Close() error {
	return c.db.Close()
}

// connectionIdentity asks Postgres itself for the host/port/database name
// of the current connection, rather than re-parsing the DSN, so the
// fingerprint is stable across equivalent DSN spellings (e.g. with/without
// a trailing sslmode parameter).
func connectionIdentity(ctx context.Context, db *sql.DB) (host string, port int, dbName string, err error) {
	err = db.QueryRowContext(ctx, `
		SELECT
			COALESCE(inet_server_addr()::text, 'localhost'),
			COALESCE(inet_server_port(), 5432),
			current_database()
	`).Scan(&host, &port, &dbName)
	return host, port, dbName, err
}
