package vectorindex

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"
)

func TestCosineDistanceToSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		distance float32
		want     float32
	}{
		{"identical vectors", 0, 1},
		{"orthogonal vectors", 1, 0.5},
		{"opposite vectors", 2, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CosineDistanceToSimilarity(tt.distance); got != tt.want {
				t.Errorf("CosineDistanceToSimilarity(%v) = %v, want %v", tt.distance, got, tt.want)
			}
		})
	}
}

func TestFAISSAdapter_UpsertAndCount(t *testing.T) {
	a := NewFAISSAdapter()
	kgID := uuid.New()
	ctx := context.Background()

	err := a.Upsert(ctx, []Entry{
		{ID: "table_orders", KGID: kgID, Vector: []float32{1, 0, 0}},
		{ID: "table_customers", KGID: kgID, Vector: []float32{0, 1, 0}},
	})
	if err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	count, err := a.Count(ctx, kgID)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if count != 2 {
		t.Errorf("Count() = %d, want 2", count)
	}

	otherKG, err := a.Count(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if otherKG != 0 {
		t.Errorf("Count() for an unrelated KG = %d, want 0", otherKG)
	}
}

func TestFAISSAdapter_Upsert_SkipsEmptyVectors(t *testing.T) {
	a := NewFAISSAdapter()
	kgID := uuid.New()
	ctx := context.Background()

	if err := a.Upsert(ctx, []Entry{{ID: "no_vector", KGID: kgID, Vector: nil}}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	count, _ := a.Count(ctx, kgID)
	if count != 0 {
		t.Errorf("Count() = %d, want 0 (entry with no vector should be skipped)", count)
	}
}

func TestFAISSAdapter_Search_RanksByProximity(t *testing.T) {
	a := NewFAISSAdapter()
	kgID := uuid.New()
	ctx := context.Background()

	err := a.Upsert(ctx, []Entry{
		{ID: "exact", KGID: kgID, Vector: []float32{1, 0, 0}},
		{ID: "close", KGID: kgID, Vector: []float32{0.9, 0.1, 0}},
		{ID: "far", KGID: kgID, Vector: []float32{0, 0, 1}},
	})
	if err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	results, err := a.Search(ctx, []float32{1, 0, 0}, 3, Filters{KGID: kgID})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Search() returned %d results, want 3", len(results))
	}
	if results[0].ID != "exact" {
		t.Errorf("Search()[0].ID = %q, want %q (nearest first)", results[0].ID, "exact")
	}
	if results[2].ID != "far" {
		t.Errorf("Search()[2].ID = %q, want %q (farthest last)", results[2].ID, "far")
	}
	if math.Abs(float64(results[0].Distance)) > 1e-5 {
		t.Errorf("Search()[0].Distance = %v, want ~0 for an exact match", results[0].Distance)
	}
}

func TestFAISSAdapter_Search_FiltersByKG(t *testing.T) {
	a := NewFAISSAdapter()
	kg1 := uuid.New()
	kg2 := uuid.New()
	ctx := context.Background()

	a.Upsert(ctx, []Entry{
		{ID: "kg1_table", KGID: kg1, Vector: []float32{1, 0}},
		{ID: "kg2_table", KGID: kg2, Vector: []float32{1, 0}},
	})

	results, err := a.Search(ctx, []float32{1, 0}, 10, Filters{KGID: kg1})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 1 || results[0].ID != "kg1_table" {
		t.Errorf("Search() = %v, want only kg1_table", results)
	}
}

func TestFAISSAdapter_Search_FiltersByEntityType(t *testing.T) {
	a := NewFAISSAdapter()
	kgID := uuid.New()
	ctx := context.Background()

	a.Upsert(ctx, []Entry{
		{ID: "table_orders", KGID: kgID, EntityType: EntityTypeTable, Vector: []float32{1, 0}},
		{ID: "column_orders_id", KGID: kgID, EntityType: EntityTypeColumn, Vector: []float32{1, 0}},
	})

	colType := EntityTypeColumn
	results, err := a.Search(ctx, []float32{1, 0}, 10, Filters{KGID: kgID, EntityType: &colType})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 1 || results[0].ID != "column_orders_id" {
		t.Errorf("Search() = %v, want only the column entry", results)
	}
}

func TestFAISSAdapter_Search_CapsAtAvailableResults(t *testing.T) {
	a := NewFAISSAdapter()
	kgID := uuid.New()
	ctx := context.Background()

	a.Upsert(ctx, []Entry{{ID: "only_one", KGID: kgID, Vector: []float32{1, 0}}})

	results, err := a.Search(ctx, []float32{1, 0}, 10, Filters{KGID: kgID})
	if err != nil {
		t.Fatalf("Search() error: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("Search() returned %d results, want 1 (k capped at available entries)", len(results))
	}
}

func TestFAISSAdapter_Delete(t *testing.T) {
	a := NewFAISSAdapter()
	kgID := uuid.New()
	ctx := context.Background()

	a.Upsert(ctx, []Entry{{ID: "to_delete", KGID: kgID, Vector: []float32{1, 0}}})

	if err := a.Delete(ctx, kgID, []string{"to_delete"}); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	count, _ := a.Count(ctx, kgID)
	if count != 0 {
		t.Errorf("Count() after Delete() = %d, want 0", count)
	}
}

func TestFAISSAdapter_Delete_ScopedToKG(t *testing.T) {
	a := NewFAISSAdapter()
	kg1 := uuid.New()
	kg2 := uuid.New()
	ctx := context.Background()

	a.Upsert(ctx, []Entry{{ID: "shared_id", KGID: kg1, Vector: []float32{1, 0}}})

	// Deleting under the wrong KG must not remove an entry owned by another KG.
	if err := a.Delete(ctx, kg2, []string{"shared_id"}); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	count, _ := a.Count(ctx, kg1)
	if count != 1 {
		t.Errorf("Count() = %d, want 1 (delete under wrong KG should not remove it)", count)
	}
}

func TestFAISSAdapter_Close(t *testing.T) {
	a := NewFAISSAdapter()
	if err := a.Close(); err != nil {
		t.Errorf("Close() error: %v, want nil", err)
	}
}
