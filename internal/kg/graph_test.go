package kg

import (
	"sort"
	"testing"

	"github.com/google/uuid"

	"github.com/spherical-ai/nl2sql-engine/internal/storage"
)

func newTestGraph(t *testing.T) (*Graph, *storage.Table, *storage.Table, *storage.Table) {
	t.Helper()
	g := NewGraph(uuid.New(), "fingerprint", storage.KGStatusReady)

	orders := &storage.Table{TableID: uuid.New(), Name: "orders"}
	customers := &storage.Table{TableID: uuid.New(), Name: "customers"}
	products := &storage.Table{TableID: uuid.New(), Name: "products"}
	g.AddTable(orders)
	g.AddTable(customers)
	g.AddTable(products)

	g.AddRelationship(&storage.Relationship{
		FromTableID: orders.TableID,
		ToTableID:   customers.TableID,
	})

	return g, orders, customers, products
}

func TestGraph_TableLookup(t *testing.T) {
	g, orders, _, _ := newTestGraph(t)

	if got := g.Table("orders"); got != orders {
		t.Errorf("Table(%q) = %v, want %v", "orders", got, orders)
	}
	if got := g.Table("missing"); got != nil {
		t.Errorf("Table(%q) = %v, want nil", "missing", got)
	}
	if got := g.TableByID(orders.TableID); got != orders {
		t.Errorf("TableByID() = %v, want %v", got, orders)
	}
	if got := g.TableByID(uuid.New()); got != nil {
		t.Errorf("TableByID(unknown) = %v, want nil", got)
	}
}

func TestGraph_TableCount(t *testing.T) {
	g, _, _, _ := newTestGraph(t)
	if got := g.TableCount(); got != 3 {
		t.Errorf("TableCount() = %d, want 3", got)
	}
}

func TestGraph_Columns_PreservesInsertionOrder(t *testing.T) {
	g, orders, _, _ := newTestGraph(t)
	c1 := &storage.Column{TableID: orders.TableID, Name: "id", Position: 0}
	c2 := &storage.Column{TableID: orders.TableID, Name: "customer_id", Position: 1}
	g.AddColumn(c1)
	g.AddColumn(c2)

	cols := g.Columns(orders.TableID)
	if len(cols) != 2 || cols[0] != c1 || cols[1] != c2 {
		t.Errorf("Columns() = %v, want insertion order [%v %v]", cols, c1, c2)
	}
}

func TestGraph_RelationshipsForTable(t *testing.T) {
	g, orders, customers, products := newTestGraph(t)

	rels := g.RelationshipsForTable("orders")
	if len(rels) != 1 {
		t.Fatalf("RelationshipsForTable(orders) = %d rels, want 1", len(rels))
	}

	rels = g.RelationshipsForTable("customers")
	if len(rels) != 1 {
		t.Fatalf("RelationshipsForTable(customers) = %d rels, want 1", len(rels))
	}

	rels = g.RelationshipsForTable("products")
	if len(rels) != 0 {
		t.Errorf("RelationshipsForTable(products) = %d rels, want 0", len(rels))
	}

	_ = customers
	_ = products
}

func TestGraph_Neighbors(t *testing.T) {
	g, _, _, products := newTestGraph(t)

	tests := []struct {
		table string
		want  []string
	}{
		{"orders", []string{"customers"}},
		{"customers", []string{"orders"}},
		{"products", nil},
	}

	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			got := g.Neighbors(tt.table)
			sort.Strings(got)
			if len(got) != len(tt.want) {
				t.Fatalf("Neighbors(%q) = %v, want %v", tt.table, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Neighbors(%q) = %v, want %v", tt.table, got, tt.want)
				}
			}
		})
	}

	_ = products
}

func TestGraph_Neighbors_NoSelfLoop(t *testing.T) {
	g := NewGraph(uuid.New(), "fp", storage.KGStatusReady)
	t1 := &storage.Table{TableID: uuid.New(), Name: "tree_nodes"}
	g.AddTable(t1)
	g.AddRelationship(&storage.Relationship{
		FromTableID:     t1.TableID,
		ToTableID:       t1.TableID,
		IsSelfReference: true,
	})

	got := g.Neighbors("tree_nodes")
	if len(got) != 0 {
		t.Errorf("Neighbors() on a self-referencing table = %v, want empty (no self loop)", got)
	}
}
