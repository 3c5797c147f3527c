package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// FAISSAdapter implements Adapter with an in-memory, pure-Go index. It is
// intended for local development and tests that don't need a real
// pgvector-enabled Postgres; it keeps no vectors on disk, so a process
// restart loses the index (KGManager re-populates it from the KG store on
// first use, see ensureVectorIndexReady in internal/kg/manager.go).
type FAISSAdapter struct {
	mu      sync.RWMutex
	entries map[string]indexedEntry
}

type indexedEntry struct {
	entry    Entry
	unitized []float32
}

// NewFAISSAdapter creates a new in-memory adapter.
func NewFAISSAdapter() *FAISSAdapter {
	return &FAISSAdapter{entries: make(map[string]indexedEntry)}
}

// Search finds the k nearest neighbors using cosine distance over
// unit-normalized vectors.
func (a *FAISSAdapter) Search(ctx context.Context, query []float32, k int, filters Filters) ([]SearchResult, error) {
	unitQuery := normalize(query)

	a.mu.RLock()
	defer a.mu.RUnlock()

	type scored struct {
		id       string
		distance float32
		metadata map[string]interface{}
		document string
	}

	var candidates []scored
	for _, ie := range a.entries {
		if ie.entry.KGID != filters.KGID {
			continue
		}
		if filters.EntityType != nil && ie.entry.EntityType != *filters.EntityType {
			continue
		}
		if len(ie.unitized) != len(unitQuery) {
			continue
		}
		candidates = append(candidates, scored{
			id:       ie.entry.ID,
			distance: cosineDistance(unitQuery, ie.unitized),
			metadata: ie.entry.Metadata,
			document: ie.entry.Document,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})

	if k > len(candidates) {
		k = len(candidates)
	}
	out := make([]SearchResult, k)
	for i := 0; i < k; i++ {
		c := candidates[i]
		out[i] = SearchResult{
			ID:         c.id,
			Distance:   c.distance,
			Similarity: CosineDistanceToSimilarity(c.distance),
			Metadata:   c.metadata,
			Document:   c.document,
		}
	}
	return out, nil
}

// Upsert adds or replaces vectors in the index.
func (a *FAISSAdapter) Upsert(ctx context.Context, entries []Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, e := range entries {
		if len(e.Vector) == 0 {
			continue
		}
		a.entries[e.ID] = indexedEntry{entry: e, unitized: normalize(e.Vector)}
	}
	return nil
}

// Delete removes entries by id, scoped to a KG.
func (a *FAISSAdapter) Delete(ctx context.Context, kgID uuid.UUID, ids []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range ids {
		if ie, ok := a.entries[id]; ok && ie.entry.KGID == kgID {
			delete(a.entries, id)
		}
	}
	return nil
}

// Count returns the number of indexed vectors for a KG.
func (a *FAISSAdapter) Count(ctx context.Context, kgID uuid.UUID) (int64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var n int64
	for _, ie := range a.entries {
		if ie.entry.KGID == kgID {
			n++
		}
	}
	return n, nil
}

// Close is a no-op: the in-memory index holds no external resources.
func (a *FAISSAdapter) Close() error {
	return nil
}

func cosineDistance(a, b []float32) float32 {
	if len(a) != len(b) {
		return 2.0
	}
	var dot float32
	for i := range a {
		dot += a[i] * b[i]
	}
	if dot > 1 {
		dot = 1
	} else if dot < -1 {
		dot = -1
	}
	return 1 - dot
}

func normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
