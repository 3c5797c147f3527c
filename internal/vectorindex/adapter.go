// Package vectorindex implements the vector index (C3): a rebuildable ANN
// collection over table/column embeddings, distinct from the authoritative
// kg_embeddings store (internal/storage owns the persisted vector; this
// package owns the queryable index built from it).
package vectorindex

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrDimensionMismatch indicates a vector being inserted does not match the
// index's established dimensionality.
var ErrDimensionMismatch = errors.New("vectorindex: dimension mismatch")

// EntityType distinguishes table-level from column-level vector entries,
// mirroring storage.EntityType without importing internal/storage (this
// package deals in opaque ids and metadata, not storage's domain structs).
type EntityType string

const (
	EntityTypeTable  EntityType = "table"
	EntityTypeColumn EntityType = "column"
)

// Entry is one vector to be indexed, carrying the metadata and document
// text needed to reconstruct a SearchResult without a second round trip to
// the KG store.
type Entry struct {
	ID         string // e.g. "table_customers" or "column_public_orders_status"
	KGID       uuid.UUID
	EntityType EntityType
	EntityID   uuid.UUID
	Vector     []float32
	Metadata   map[string]interface{}
	Document   string
}

// SearchResult is one nearest-neighbor hit.
type SearchResult struct {
	ID       string
	Distance float32
	// Similarity is 1 - distance/2 for cosine distance in [0, 2], matching
	// the conversion used across the KG store and query memory.
	Similarity float32
	Metadata   map[string]interface{}
	Document   string
}

// Filters narrows a Search call to one KG and, optionally, one entity type.
type Filters struct {
	KGID       uuid.UUID
	EntityType *EntityType
}

// Adapter is the vector index's storage-agnostic interface. Two
// implementations exist: FAISSAdapter (in-memory, for development and unit
// tests) and PGVectorAdapter (pgvector-backed, durable, for production).
type Adapter interface {
	// Search finds the k nearest neighbors to the query vector.
	Search(ctx context.Context, query []float32, k int, filters Filters) ([]SearchResult, error)

	// Upsert adds or replaces vectors in the index, keyed by Entry.ID.
	Upsert(ctx context.Context, entries []Entry) error

	// Delete removes entries by id.
	Delete(ctx context.Context, kgID uuid.UUID, ids []string) error

	// Count returns the number of indexed vectors for a KG.
	Count(ctx context.Context, kgID uuid.UUID) (int64, error)

	// Close releases resources.
	Close() error
}

// CosineDistanceToSimilarity converts a cosine distance in [0, 2] to a
// similarity score in [0, 1], matching the convention used by the learning
// memory subsystem's query similarity search.
func CosineDistanceToSimilarity(distance float32) float32 {
	return 1 - distance/2
}
