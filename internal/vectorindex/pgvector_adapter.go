package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PGVectorAdapter implements Adapter against a Postgres database with the
// pgvector extension enabled. It owns its own table (kg_vector_entries),
// kept separate from the KG store's authoritative kg_embeddings table
// (internal/vectorindex's EmbeddingStore) so the index can be dropped and
// rebuilt independently of the persisted embeddings it was built from.
type PGVectorAdapter struct {
	pool      *pgxpool.Pool
	dimension int
}

// PGVectorConfig holds PGVectorAdapter configuration.
type PGVectorConfig struct {
	DSN       string
	Dimension int
	BatchSize int
}

// NewPGVectorAdapter opens a pgx pool and returns a ready adapter. Callers
// are responsible for having run the internal/storage/migrations that
// create the kg_vector_entries table and the pgvector extension.
func NewPGVectorAdapter(ctx context.Context, cfg PGVectorConfig) (*PGVectorAdapter, error) {
	if cfg.Dimension <= 0 {
		cfg.Dimension = 768
	}

	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open pgvector pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pgvector pool: %w", err)
	}

	return &PGVectorAdapter{pool: pool, dimension: cfg.Dimension}, nil
}

// Search finds the k nearest neighbors using pgvector's cosine-distance
// operator (<=>), optionally filtered by entity type.
func (a *PGVectorAdapter) Search(ctx context.Context, query []float32, k int, filters Filters) ([]SearchResult, error) {
	vec := pgvector.NewVector(query)

	var rows pgxRows
	var err error
	if filters.EntityType != nil {
		rows, err = a.pool.Query(ctx, `
			SELECT id, vector <=> $1 AS distance, metadata, document
			FROM kg_vector_entries
			WHERE kg_id = $2 AND entity_type = $3
			ORDER BY vector <=> $1
			LIMIT $4
		`, vec, filters.KGID, string(*filters.EntityType), k)
	} else {
		rows, err = a.pool.Query(ctx, `
			SELECT id, vector <=> $1 AS distance, metadata, document
			FROM kg_vector_entries
			WHERE kg_id = $2
			ORDER BY vector <=> $1
			LIMIT $3
		`, vec, filters.KGID, k)
	}
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var id, document string
		var distance float32
		var metadataRaw []byte
		if err := rows.Scan(&id, &distance, &metadataRaw, &document); err != nil {
			return nil, fmt.Errorf("scan pgvector row: %w", err)
		}
		var metadata map[string]interface{}
		if len(metadataRaw) > 0 {
			if err := json.Unmarshal(metadataRaw, &metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		results = append(results, SearchResult{
			ID:         id,
			Distance:   distance,
			Similarity: CosineDistanceToSimilarity(distance),
			Metadata:   metadata,
			Document:   document,
		})
	}
	return results, rows.Err()
}

// Upsert inserts or replaces entries with one INSERT ... ON CONFLICT
// statement per entry, outside any transaction. PGVectorConfig.BatchSize is
// not read here; callers that rehydrate from the KG store pass batches.
func (a *PGVectorAdapter) Upsert(ctx context.Context, entries []Entry) error {
	const query = `
		INSERT INTO kg_vector_entries (id, kg_id, entity_type, entity_id, vector, metadata, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			vector = EXCLUDED.vector,
			metadata = EXCLUDED.metadata,
			document = EXCLUDED.document
	`

	for _, e := range entries {
		metadataJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", e.ID, err)
		}
		vec := pgvector.NewVector(e.Vector)
		if _, err := a.pool.Exec(ctx, query, e.ID, e.KGID, string(e.EntityType), e.EntityID, vec, metadataJSON, e.Document); err != nil {
			return fmt.Errorf("upsert vector entry %s: %w", e.ID, err)
		}
	}
	return nil
}

// Delete removes entries by id, scoped to a KG.
func (a *PGVectorAdapter) Delete(ctx context.Context, kgID uuid.UUID, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := a.pool.Exec(ctx, `DELETE FROM kg_vector_entries WHERE kg_id = $1 AND id = ANY($2)`, kgID, ids)
	if err != nil {
		return fmt.Errorf("delete vector entries: %w", err)
	}
	return nil
}

// Count returns the number of indexed vectors for a KG.
func (a *PGVectorAdapter) Count(ctx context.Context, kgID uuid.UUID) (int64, error) {
	var count int64
	err := a.pool.QueryRow(ctx, `SELECT COUNT(*) FROM kg_vector_entries WHERE kg_id = $1`, kgID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count vector entries: %w", err)
	}
	return count, nil
}

// Close closes the underlying pgx pool.
func (a *PGVectorAdapter) Close() error {
	a.pool.Close()
	return nil
}

// pgxRows is the subset of pgx.Rows this file uses, declared locally so
// Search's two query shapes can share one variable without importing pgx's
// concrete Rows type twice.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close()
	Err() error
}
