package storage

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

// setupTestDB starts a pgvector-enabled Postgres container, applies the KG
// store's migrations, and returns a ready-to-use *sql.DB. Tests using this
// are skipped in short mode since they need Docker.
func setupTestDB(t *testing.T) *sql.DB {
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
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/nl2sql_engine_test?sslmode=disable", host, port.Port())

	require.NoError(t, migrations.Run(dsn))

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.PingContext(ctx))
	return db
}

func TestKGRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewKGRepository(db)
	ctx := context.Background()

	kg := &KG{SourceFingerprint: "fp-1", Status: KGStatusBuilding}
	require.NoError(t, repo.Create(ctx, kg))
	require.NotEqual(t, uuid.Nil, kg.KGID)

	got, err := repo.GetByID(ctx, kg.KGID)
	require.NoError(t, err)
	require.Equal(t, kg.KGID, got.KGID)
	require.Equal(t, "fp-1", got.SourceFingerprint)
	require.Equal(t, KGStatusBuilding, got.Status)
	require.Equal(t, 1, got.Version)
}

func TestKGRepository_GetByID_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := NewKGRepository(db)

	_, err := repo.GetByID(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestKGRepository_GetByFingerprint(t *testing.T) {
	db := setupTestDB(t)
	repo := NewKGRepository(db)
	ctx := context.Background()

	kg := &KG{SourceFingerprint: "fp-unique", Status: KGStatusReady}
	require.NoError(t, repo.Create(ctx, kg))

	got, err := repo.GetByFingerprint(ctx, "fp-unique")
	require.NoError(t, err)
	require.Equal(t, kg.KGID, got.KGID)

	_, err = repo.GetByFingerprint(ctx, "no-such-fingerprint")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestKGRepository_SetStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewKGRepository(db)
	ctx := context.Background()

	kg := &KG{SourceFingerprint: "fp-status", Status: KGStatusBuilding}
	require.NoError(t, repo.Create(ctx, kg))

	errMsg := "column extraction failed"
	require.NoError(t, repo.SetStatus(ctx, kg.KGID, KGStatusError, &errMsg))

	got, err := repo.GetByID(ctx, kg.KGID)
	require.NoError(t, err)
	require.Equal(t, KGStatusError, got.Status)
	require.NotNil(t, got.ErrorMessage)
	require.Equal(t, errMsg, *got.ErrorMessage)
	require.Equal(t, 2, got.Version, "SetStatus should bump version")
}

func TestKGRepository_List(t *testing.T) {
	db := setupTestDB(t)
	repo := NewKGRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &KG{SourceFingerprint: "fp-a", Status: KGStatusReady}))
	require.NoError(t, repo.Create(ctx, &KG{SourceFingerprint: "fp-b", Status: KGStatusReady}))

	kgs, err := repo.List(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(kgs), 2)
}

func TestTableAndColumnRepositories_BatchCreateAndList(t *testing.T) {
	db := setupTestDB(t)
	kgRepo := NewKGRepository(db)
	tableRepo := NewTableRepository(db)
	columnRepo := NewColumnRepository(db)
	ctx := context.Background()

	kg := &KG{SourceFingerprint: "fp-schema", Status: KGStatusBuilding}
	require.NoError(t, kgRepo.Create(ctx, kg))

	ordersTable := &Table{KGID: kg.KGID, Name: "orders", QualifiedName: "public.orders"}
	customersTable := &Table{KGID: kg.KGID, Name: "customers", QualifiedName: "public.customers"}
	require.NoError(t, tableRepo.BatchCreate(ctx, []*Table{ordersTable, customersTable}))

	tables, err := tableRepo.ListByKG(ctx, kg.KGID)
	require.NoError(t, err)
	require.Len(t, tables, 2)
	require.Equal(t, "customers", tables[0].Name, "ListByKG orders by name")

	cols := []*Column{
		{TableID: ordersTable.TableID, Name: "id", QualifiedName: "public.orders.id", DataType: "uuid", IsPK: true, Position: 0},
		{TableID: ordersTable.TableID, Name: "customer_id", QualifiedName: "public.orders.customer_id", DataType: "uuid", IsFK: true, Position: 1},
	}
	require.NoError(t, columnRepo.BatchCreate(ctx, cols))

	listed, err := columnRepo.ListByTable(ctx, ordersTable.TableID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "id", listed[0].Name, "ListByTable should order by position")
	require.True(t, listed[0].IsPK)

	byKG, err := columnRepo.ListByKG(ctx, kg.KGID)
	require.NoError(t, err)
	require.Len(t, byKG, 2)
}

func TestTableRepository_UpdateEnrichment(t *testing.T) {
	db := setupTestDB(t)
	kgRepo := NewKGRepository(db)
	tableRepo := NewTableRepository(db)
	ctx := context.Background()

	kg := &KG{SourceFingerprint: "fp-enrich", Status: KGStatusBuilding}
	require.NoError(t, kgRepo.Create(ctx, kg))

	table := &Table{KGID: kg.KGID, Name: "orders", QualifiedName: "public.orders"}
	require.NoError(t, tableRepo.BatchCreate(ctx, []*Table{table}))

	desc := "customer purchase orders"
	domain := "sales"
	require.NoError(t, tableRepo.UpdateEnrichment(ctx, table.TableID, &desc, &domain, []string{"revenue reporting"}))

	tables, err := tableRepo.ListByKG(ctx, kg.KGID)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	require.Equal(t, desc, *tables[0].Description)
	require.Equal(t, domain, *tables[0].BusinessDomain)
	require.Equal(t, []string{"revenue reporting"}, tables[0].TypicalUseCases)
}

func TestRelationshipRepository_BatchCreateAndList(t *testing.T) {
	db := setupTestDB(t)
	kgRepo := NewKGRepository(db)
	tableRepo := NewTableRepository(db)
	relRepo := NewRelationshipRepository(db)
	ctx := context.Background()

	kg := &KG{SourceFingerprint: "fp-rel", Status: KGStatusBuilding}
	require.NoError(t, kgRepo.Create(ctx, kg))

	orders := &Table{KGID: kg.KGID, Name: "orders", QualifiedName: "public.orders"}
	customers := &Table{KGID: kg.KGID, Name: "customers", QualifiedName: "public.customers"}
	require.NoError(t, tableRepo.BatchCreate(ctx, []*Table{orders, customers}))

	rel := &Relationship{
		KGID:        kg.KGID,
		FromTableID: orders.TableID,
		ToTableID:   customers.TableID,
		FromColumn:  "customer_id",
		ToColumn:    "id",
		Type:        RelationshipManyToOne,
	}
	require.NoError(t, relRepo.BatchCreate(ctx, []*Relationship{rel}))

	rels, err := relRepo.ListByKG(ctx, kg.KGID)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	require.Equal(t, orders.TableID, rels[0].FromTableID)
	require.Equal(t, RelationshipManyToOne, rels[0].Type)
}

func TestNewRepositories_WiresEveryRepo(t *testing.T) {
	db := setupTestDB(t)
	repos := NewRepositories(db)

	require.NotNil(t, repos.KGs)
	require.NotNil(t, repos.Tables)
	require.NotNil(t, repos.Columns)
	require.NotNil(t, repos.Relationships)
	require.NotNil(t, repos.ErrorPatterns)
	require.NotNil(t, repos.ErrorSummary)
}
