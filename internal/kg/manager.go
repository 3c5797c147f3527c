package kg

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/spherical-ai/nl2sql-engine/internal/observability"
	"github.com/spherical-ai/nl2sql-engine/internal/storage"
	"github.com/spherical-ai/nl2sql-engine/internal/vectorindex"
)

// DefaultCacheSize is the number of loaded KGs the Manager keeps resident
// in memory before evicting the least recently used one. The original
// implementation keeps every loaded KG in an unbounded dict for the
// lifetime of the process; this is a deliberate tightening so a long-
// running orchestrator serving many source databases has a bounded
// memory footprint instead of growing without limit.
const DefaultCacheSize = 64

// Manager loads knowledge graphs from the KG store into memory, caching
// them by kg_id and guaranteeing a KG is only loaded once even under
// concurrent requests for the same id.
type Manager struct {
	repos   *storage.Repositories
	store   *vectorindex.EmbeddingStore
	index   vectorindex.Adapter
	cache   *lru.Cache[uuid.UUID, *Graph]
	loading singleflight.Group
	log     *observability.Logger
}

// NewManager creates a Manager with a bounded LRU cache. cacheSize <= 0
// uses DefaultCacheSize.
func NewManager(repos *storage.Repositories, store *vectorindex.EmbeddingStore, index vectorindex.Adapter, cacheSize int, log *observability.Logger) (*Manager, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[uuid.UUID, *Graph](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create kg cache: %w", err)
	}
	return &Manager{repos: repos, store: store, index: index, cache: cache, log: log}, nil
}

// LoadKG returns the in-memory Graph for a kg_id, serving from cache when
// present. A cache miss triggers a load from the KG store; concurrent
// misses for the same kg_id are collapsed into one load via singleflight,
// matching the spec's "load-once-per-kg_id" requirement more strictly
// than the original's plain dict cache (which offers no such guard).
func (m *Manager) LoadKG(ctx context.Context, kgID uuid.UUID) (*Graph, error) {
	log := m.log.WithKG(kgID.String())

	if g, ok := m.cache.Get(kgID); ok {
		log.Debug().Msg("kg cache hit")
		if err := m.ensureVectorIndexReady(ctx, kgID); err != nil {
			log.Warn().Err(err).Msg("vector index not ready for cached kg")
		}
		return g, nil
	}

	result, err, _ := m.loading.Do(kgID.String(), func() (interface{}, error) {
		return m.loadFromStore(ctx, kgID)
	})
	if err != nil {
		return nil, err
	}

	graph := result.(*Graph)
	m.cache.Add(kgID, graph)
	log.Info().Int("tables", graph.TableCount()).Msg("loaded and cached kg")
	return graph, nil
}

// LoadBySourceFingerprint resolves a KG by its source fingerprint and
// loads it, returning storage.ErrNotFound if no KG exists for that
// fingerprint yet (the caller should fall back to building one).
func (m *Manager) LoadBySourceFingerprint(ctx context.Context, fingerprint string) (*Graph, error) {
	row, err := m.repos.KGs.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	return m.LoadKG(ctx, row.KGID)
}

// Invalidate drops a kg_id from the cache, forcing the next LoadKG to
// re-read the store. Used after a KG is rebuilt or its status changes.
func (m *Manager) Invalidate(kgID uuid.UUID) {
	m.cache.Remove(kgID)
}

// List returns every KG row known to the store, regardless of whether it
// is currently cached in memory.
func (m *Manager) List(ctx context.Context) ([]*storage.KG, error) {
	return m.repos.KGs.List(ctx)
}

func (m *Manager) loadFromStore(ctx context.Context, kgID uuid.UUID) (*Graph, error) {
	row, err := m.repos.KGs.GetByID(ctx, kgID)
	if err != nil {
		return nil, fmt.Errorf("load kg metadata: %w", err)
	}

	graph := NewGraph(row.KGID, row.SourceFingerprint, row.Status)
	graph.CreatedAt = row.CreatedAt
	graph.LastUpdated = row.LastUpdated

	tables, err := m.repos.Tables.ListByKG(ctx, kgID)
	if err != nil {
		return nil, fmt.Errorf("load tables: %w", err)
	}
	for _, t := range tables {
		graph.AddTable(t)
	}

	columns, err := m.repos.Columns.ListByKG(ctx, kgID)
	if err != nil {
		return nil, fmt.Errorf("load columns: %w", err)
	}
	for _, c := range columns {
		graph.AddColumn(c)
	}

	relationships, err := m.repos.Relationships.ListByKG(ctx, kgID)
	if err != nil {
		return nil, fmt.Errorf("load relationships: %w", err)
	}
	for _, r := range relationships {
		graph.AddRelationship(r)
	}

	if err := m.ensureVectorIndexReady(ctx, kgID); err != nil {
		m.log.WithKG(kgID.String()).Warn().Err(err).Msg("vector index not ready after kg load")
	}

	return graph, nil
}

// ensureVectorIndexReady rehydrates the vector index from the persisted
// embedding store when it's empty, so a loaded KG is immediately usable
// for similarity search even if the in-memory/pgvector index was dropped
// or this is a fresh process.
func (m *Manager) ensureVectorIndexReady(ctx context.Context, kgID uuid.UUID) error {
	if m.index == nil || m.store == nil {
		return nil
	}
	return vectorindex.EnsurePopulated(ctx, m.index, m.store, kgID, 100)
}
