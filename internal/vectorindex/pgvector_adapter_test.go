package vectorindex

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq"

	"github.com/spherical-ai/nl2sql-engine/internal/storage/migrations"
)

// setupPGVectorAdapter starts a pgvector-enabled Postgres container,
// applies the KG store migrations, seeds one kg_metadata row (the adapter's
// rows carry a foreign key to it), and returns a ready adapter.
func setupPGVectorAdapter(t *testing.T) (*PGVectorAdapter, uuid.UUID) {
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
		kgID, "fp-pgvector-test")
	require.NoError(t, err)

	adapter, err := NewPGVectorAdapter(ctx, PGVectorConfig{DSN: dsn, Dimension: 768, BatchSize: 10})
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	return adapter, kgID
}

// unitVector returns a 768-dimensional vector (matching the fixed width of
// the kg_vector_entries table) with 1.0 at pos and zeros elsewhere, so
// distinct positions are orthogonal and pos 0 is trivially the closest match
// to itself.
func unitVector(pos int) []float32 {
	v := make([]float32, 768)
	v[pos] = 1
	return v
}

func TestPGVectorAdapter_UpsertSearchCountDelete(t *testing.T) {
	adapter, kgID := setupPGVectorAdapter(t)
	ctx := context.Background()

	entries := []Entry{
		{ID: "table_orders", KGID: kgID, EntityType: EntityTypeTable, EntityID: uuid.New(), Vector: unitVector(0), Document: "orders table"},
		{ID: "table_customers", KGID: kgID, EntityType: EntityTypeTable, EntityID: uuid.New(), Vector: unitVector(1), Document: "customers table"},
	}
	require.NoError(t, adapter.Upsert(ctx, entries))

	count, err := adapter.Count(ctx, kgID)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	results, err := adapter.Search(ctx, unitVector(0), 2, Filters{KGID: kgID})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "table_orders", results[0].ID, "exact match should rank first")

	require.NoError(t, adapter.Delete(ctx, kgID, []string{"table_orders"}))
	count, err = adapter.Count(ctx, kgID)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestPGVectorAdapter_Upsert_IsIdempotent(t *testing.T) {
	adapter, kgID := setupPGVectorAdapter(t)
	ctx := context.Background()

	entry := Entry{ID: "table_orders", KGID: kgID, EntityType: EntityTypeTable, EntityID: uuid.New(), Vector: unitVector(0), Document: "v1"}
	require.NoError(t, adapter.Upsert(ctx, []Entry{entry}))

	entry.Document = "v2"
	entry.Vector = unitVector(1)
	require.NoError(t, adapter.Upsert(ctx, []Entry{entry}))

	count, err := adapter.Count(ctx, kgID)
	require.NoError(t, err)
	require.Equal(t, int64(1), count, "re-upserting the same id should update, not duplicate")

	results, err := adapter.Search(ctx, unitVector(1), 1, Filters{KGID: kgID})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "v2", results[0].Document)
}

func TestPGVectorAdapter_Search_FiltersByEntityType(t *testing.T) {
	adapter, kgID := setupPGVectorAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.Upsert(ctx, []Entry{
		{ID: "table_orders", KGID: kgID, EntityType: EntityTypeTable, EntityID: uuid.New(), Vector: unitVector(0), Document: "table"},
		{ID: "column_orders_id", KGID: kgID, EntityType: EntityTypeColumn, EntityID: uuid.New(), Vector: unitVector(0), Document: "column"},
	}))

	colType := EntityTypeColumn
	results, err := adapter.Search(ctx, unitVector(0), 10, Filters{KGID: kgID, EntityType: &colType})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "column_orders_id", results[0].ID)
}

func TestPGVectorAdapter_Delete_NoOpOnEmptyIDs(t *testing.T) {
	adapter, kgID := setupPGVectorAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.Upsert(ctx, []Entry{
		{ID: "table_orders", KGID: kgID, EntityType: EntityTypeTable, EntityID: uuid.New(), Vector: unitVector(0), Document: "table"},
	}))

	require.NoError(t, adapter.Delete(ctx, kgID, nil))

	count, err := adapter.Count(ctx, kgID)
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}
