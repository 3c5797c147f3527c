package vectorindex

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// EmbeddingStore persists the authoritative per-entity embedding rows
// (kg_embeddings) that the vector index is built and rebuilt from. It is
// deliberately separate from the Adapter's own kg_vector_entries table: an
// Adapter's index can be dropped and rehydrated from here without losing
// the underlying embeddings, mirroring the original implementation's
// ensure_collection_loaded / _load_embeddings_from_postgres split between
// an in-memory collection and its Postgres-backed source of truth.
type EmbeddingStore struct {
	pool *pgxpool.Pool
}

// NewEmbeddingStore wraps an existing pgx pool (typically the same one
// backing a PGVectorAdapter, but not required to be).
func NewEmbeddingStore(pool *pgxpool.Pool) *EmbeddingStore {
	return &EmbeddingStore{pool: pool}
}

// Save upserts one embedding row, keyed by (kg_id, entity_type, entity_id).
func (s *EmbeddingStore) Save(ctx context.Context, kgID uuid.UUID, entityType EntityType, entityID uuid.UUID, text string, vector []float32, modelID string) error {
	vec := pgvector.NewVector(vector)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO kg_embeddings (kg_id, entity_type, entity_id, text, vector, model_id, dim)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (kg_id, entity_type, entity_id) DO UPDATE SET
			text = EXCLUDED.text, vector = EXCLUDED.vector,
			model_id = EXCLUDED.model_id, dim = EXCLUDED.dim
	`, kgID, string(entityType), entityID, text, vec, modelID, len(vector))
	if err != nil {
		return fmt.Errorf("save embedding for %s %s: %w", entityType, entityID, err)
	}
	return nil
}

// LoadTableEntries rebuilds the Adapter Entry slice for every table-level
// embedding in a KG, joining kg_embeddings to kg_tables. The id/metadata/
// document shapes here must exactly match what the KG Builder produced at
// build time so a rehydrated index is indistinguishable from a freshly
// built one.
func (s *EmbeddingStore) LoadTableEntries(ctx context.Context, kgID uuid.UUID) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.table_id, t.name, t.qualified_name, t.schema_namespace,
			t.business_domain, t.row_count_estimate, t.description, e.vector
		FROM kg_embeddings e
		JOIN kg_tables t ON e.entity_id = t.table_id
		WHERE e.kg_id = $1 AND e.entity_type = 'table'
		ORDER BY t.name
	`, kgID)
	if err != nil {
		return nil, fmt.Errorf("load table embeddings: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var tableID uuid.UUID
		var name, qualifiedName, schemaName string
		var businessDomain, description *string
		var rowCount *int64
		var vec pgvector.Vector
		if err := rows.Scan(&tableID, &name, &qualifiedName, &schemaName, &businessDomain, &rowCount, &description, &vec); err != nil {
			return nil, fmt.Errorf("scan table embedding row: %w", err)
		}

		domain := ""
		if businessDomain != nil {
			domain = *businessDomain
		}
		var rc int64
		if rowCount != nil {
			rc = *rowCount
		}

		document := "Table: " + name
		if description != nil && *description != "" {
			document += "\nDescription: " + *description
		}
		if domain != "" {
			document += "\nDomain: " + domain
		}

		entries = append(entries, Entry{
			ID:         "table_" + name,
			KGID:       kgID,
			EntityType: EntityTypeTable,
			EntityID:   tableID,
			Vector:     vec.Slice(),
			Document:   document,
			Metadata: map[string]interface{}{
				"entity_type":     "table",
				"table_name":      name,
				"qualified_name":  qualifiedName,
				"schema_name":     schemaName,
				"business_domain": domain,
				"row_count":       rc,
			},
		})
	}
	return entries, rows.Err()
}

// LoadColumnEntries rebuilds the Adapter Entry slice for every column-level
// embedding in a KG, joining kg_embeddings to kg_columns.
func (s *EmbeddingStore) LoadColumnEntries(ctx context.Context, kgID uuid.UUID) ([]Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.column_id, c.qualified_name, c.name, c.data_type, c.is_pii,
			c.cardinality, c.description, e.vector
		FROM kg_embeddings e
		JOIN kg_columns c ON e.entity_id = c.column_id
		JOIN kg_tables t ON c.table_id = t.table_id
		WHERE e.kg_id = $1 AND e.entity_type = 'column'
		ORDER BY t.name, c.position
	`, kgID)
	if err != nil {
		return nil, fmt.Errorf("load column embeddings: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var columnID uuid.UUID
		var qualifiedName, name, dataType string
		var isPII bool
		var cardinality, description *string
		var vec pgvector.Vector
		if err := rows.Scan(&columnID, &qualifiedName, &name, &dataType, &isPII, &cardinality, &description, &vec); err != nil {
			return nil, fmt.Errorf("scan column embedding row: %w", err)
		}

		card := ""
		if cardinality != nil {
			card = *cardinality
		}

		document := "Column: " + qualifiedName
		if description != nil && *description != "" {
			document += "\nDescription: " + *description
		}

		id := "column_" + dotsToUnderscores(qualifiedName)
		entries = append(entries, Entry{
			ID:         id,
			KGID:       kgID,
			EntityType: EntityTypeColumn,
			EntityID:   columnID,
			Vector:     vec.Slice(),
			Document:   document,
			Metadata: map[string]interface{}{
				"entity_type":    "column",
				"qualified_name": qualifiedName,
				"column_name":    name,
				"data_type":      dataType,
				"is_pii":         isPII,
				"cardinality":    card,
			},
		})
	}
	return entries, rows.Err()
}

func dotsToUnderscores(s string) string {
	out := []byte(s)
	for i, b := range out {
		if b == '.' {
			out[i] = '_'
		}
	}
	return string(out)
}

// EnsurePopulated rehydrates an Adapter's index for a KG from the
// authoritative kg_embeddings store when the index is empty, batching
// upserts at batchSize rows, matching the original implementation's
// rehydration batch size. It is a no-op if the index already holds
// entries for this KG.
func EnsurePopulated(ctx context.Context, adapter Adapter, store *EmbeddingStore, kgID uuid.UUID, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 100
	}

	count, err := adapter.Count(ctx, kgID)
	if err != nil {
		return fmt.Errorf("count existing index entries: %w", err)
	}
	if count > 0 {
		return nil
	}

	tableEntries, err := store.LoadTableEntries(ctx, kgID)
	if err != nil {
		return err
	}
	columnEntries, err := store.LoadColumnEntries(ctx, kgID)
	if err != nil {
		return err
	}

	all := append(tableEntries, columnEntries...)
	for i := 0; i < len(all); i += batchSize {
		end := i + batchSize
		if end > len(all) {
			end = len(all)
		}
		if err := adapter.Upsert(ctx, all[i:end]); err != nil {
			return fmt.Errorf("upsert rehydration batch %d-%d: %w", i, end, err)
		}
	}
	return nil
}
