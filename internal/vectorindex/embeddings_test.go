package vectorindex

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq"

	"github.com/spherical-ai/nl2sql-engine/internal/storage/migrations"
)

// embeddingStoreFixture carries the seeded ids a test needs to exercise
// EmbeddingStore against a real schema, not just a bare kg_metadata row.
type embeddingStoreFixture struct {
	store    *EmbeddingStore
	pool     *pgxpool.Pool
	kgID     uuid.UUID
	tableID  uuid.UUID
	columnID uuid.UUID
}

func setupEmbeddingStore(t *testing.T) embeddingStoreFixture {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"pgvector/pgvector:pg17",
		postgres.WithDatabase("nl2sql_engine_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/nl2sql_engine_test?sslmode=disable", host, port.Port())

	require.NoError(t, migrations.Run(dsn))

	setupDB, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer setupDB.Close()

	kgID := uuid.New()
	_, err = setupDB.ExecContext(ctx,
		`INSERT INTO kg_metadata (kg_id, source_fingerprint, status) VALUES ($1, $2, 'ready')`,
		kgID, "fp-embeddings-test")
	require.NoError(t, err)

	tableID := uuid.New()
	_, err = setupDB.ExecContext(ctx,
		`INSERT INTO kg_tables (table_id, kg_id, name, qualified_name, business_domain, description)
		 VALUES ($1, $2, 'orders', 'public.orders', 'sales', 'customer purchase orders')`,
		tableID, kgID)
	require.NoError(t, err)

	columnID := uuid.New()
	_, err = setupDB.ExecContext(ctx,
		`INSERT INTO kg_columns (column_id, table_id, name, qualified_name, data_type, position, is_pii)
		 VALUES ($1, $2, 'email', 'public.orders.email', 'text', 0, true)`,
		columnID, tableID)
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return embeddingStoreFixture{
		store:    NewEmbeddingStore(pool),
		pool:     pool,
		kgID:     kgID,
		tableID:  tableID,
		columnID: columnID,
	}
}

func TestEmbeddingStore_SaveAndLoadTableEntries(t *testing.T) {
	f := setupEmbeddingStore(t)
	ctx := context.Background()

	vector := unitVector(0)
	require.NoError(t, f.store.Save(ctx, f.kgID, EntityTypeTable, f.tableID, "Table: orders", vector, "mock-embed-v1"))

	entries, err := f.store.LoadTableEntries(ctx, f.kgID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "table_orders", entries[0].ID)
	require.Equal(t, f.tableID, entries[0].EntityID)
	require.Equal(t, "sales", entries[0].Metadata["business_domain"])
	require.Contains(t, entries[0].Document, "Description: customer purchase orders")
}

func TestEmbeddingStore_SaveAndLoadColumnEntries(t *testing.T) {
	f := setupEmbeddingStore(t)
	ctx := context.Background()

	vector := unitVector(1)
	require.NoError(t, f.store.Save(ctx, f.kgID, EntityTypeColumn, f.columnID, "Column: public.orders.email", vector, "mock-embed-v1"))

	entries, err := f.store.LoadColumnEntries(ctx, f.kgID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "column_public_orders_email", entries[0].ID)
	require.Equal(t, true, entries[0].Metadata["is_pii"])
}

func TestEmbeddingStore_Save_IsIdempotent(t *testing.T) {
	f := setupEmbeddingStore(t)
	ctx := context.Background()

	require.NoError(t, f.store.Save(ctx, f.kgID, EntityTypeTable, f.tableID, "v1", unitVector(0), "model-a"))
	require.NoError(t, f.store.Save(ctx, f.kgID, EntityTypeTable, f.tableID, "v2", unitVector(1), "model-b"))

	entries, err := f.store.LoadTableEntries(ctx, f.kgID)
	require.NoError(t, err)
	require.Len(t, entries, 1, "re-saving the same (kg, entity_type, entity_id) should update, not duplicate")
}

func TestEnsurePopulated_RehydratesEmptyIndex(t *testing.T) {
	f := setupEmbeddingStore(t)
	ctx := context.Background()

	require.NoError(t, f.store.Save(ctx, f.kgID, EntityTypeTable, f.tableID, "Table: orders", unitVector(0), "mock-embed-v1"))
	require.NoError(t, f.store.Save(ctx, f.kgID, EntityTypeColumn, f.columnID, "Column: email", unitVector(1), "mock-embed-v1"))

	adapter := NewFAISSAdapter()
	defer adapter.Close()

	count, err := adapter.Count(ctx, f.kgID)
	require.NoError(t, err)
	require.Equal(t, int64(0), count)

	require.NoError(t, EnsurePopulated(ctx, adapter, f.store, f.kgID, 1))

	count, err = adapter.Count(ctx, f.kgID)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestEnsurePopulated_NoOpWhenAlreadyPopulated(t *testing.T) {
	f := setupEmbeddingStore(t)
	ctx := context.Background()

	require.NoError(t, f.store.Save(ctx, f.kgID, EntityTypeTable, f.tableID, "Table: orders", unitVector(0), "mock-embed-v1"))

	adapter := NewFAISSAdapter()
	defer adapter.Close()
	require.NoError(t, adapter.Upsert(ctx, []Entry{
		{ID: "table_orders", KGID: f.kgID, EntityType: EntityTypeTable, EntityID: f.tableID, Vector: unitVector(0), Document: "pre-existing"},
	}))

	require.NoError(t, EnsurePopulated(ctx, adapter, f.store, f.kgID, 100))

	count, err := adapter.Count(ctx, f.kgID)
	require.NoError(t, err)
	require.Equal(t, int64(1), count, "EnsurePopulated should be a no-op once the index already holds entries")
}
