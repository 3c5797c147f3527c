package kg

import (
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/nl2sql-engine/internal/storage"
)

// Graph is the in-memory representation of one knowledge graph, loaded
// from the KG store and handed to the agent pipeline (C7-C9) for schema
// traversal. It mirrors the structural lookups the Python implementation
// keeps on its KnowledgeGraph object (tables keyed by name, a table-id to
// name lookup, and relationships queryable per table).
type Graph struct {
	KGID              uuid.UUID
	SourceFingerprint string
	Status            storage.KGStatus
	CreatedAt         time.Time
	LastUpdated       time.Time

	tables        map[string]*storage.Table
	tableIDToName map[uuid.UUID]string
	columns       map[uuid.UUID][]*storage.Column // table_id -> columns
	relationships []*storage.Relationship
}

// NewGraph builds an empty Graph for a KG identity.
func NewGraph(kgID uuid.UUID, sourceFingerprint string, status storage.KGStatus) *Graph {
	return &Graph{
		KGID:              kgID,
		SourceFingerprint: sourceFingerprint,
		Status:            status,
		tables:            make(map[string]*storage.Table),
		tableIDToName:     make(map[uuid.UUID]string),
		columns:           make(map[uuid.UUID][]*storage.Column),
	}
}

// AddTable registers a table under its name.
func (g *Graph) AddTable(t *storage.Table) {
	g.tables[t.Name] = t
	g.tableIDToName[t.TableID] = t.Name
}

// AddColumn attaches a column to its parent table.
func (g *Graph) AddColumn(c *storage.Column) {
	g.columns[c.TableID] = append(g.columns[c.TableID], c)
}

// AddRelationship registers a foreign-key edge.
func (g *Graph) AddRelationship(r *storage.Relationship) {
	g.relationships = append(g.relationships, r)
}

// Table returns a table by name, or nil if not present.
func (g *Graph) Table(name string) *storage.Table {
	return g.tables[name]
}

// TableByID resolves a table by its id.
func (g *Graph) TableByID(id uuid.UUID) *storage.Table {
	name, ok := g.tableIDToName[id]
	if !ok {
		return nil
	}
	return g.tables[name]
}

// Columns returns the columns of a table, in position order (BatchCreate
// callers are expected to have inserted them already ordered; this keeps
// the ordering invariant rather than re-sorting on every read).
func (g *Graph) Columns(tableID uuid.UUID) []*storage.Column {
	return g.columns[tableID]
}

// Tables returns every table in the graph, in no particular order.
func (g *Graph) Tables() []*storage.Table {
	out := make([]*storage.Table, 0, len(g.tables))
	for _, t := range g.tables {
		out = append(out, t)
	}
	return out
}

// TableCount reports how many tables the graph holds.
func (g *Graph) TableCount() int { return len(g.tables) }

// RelationshipsForTable returns every relationship touching a table,
// whether it is the referring or the referenced side.
func (g *Graph) RelationshipsForTable(tableName string) []*storage.Relationship {
	var out []*storage.Relationship
	for _, r := range g.relationships {
		fromName := g.tableIDToName[r.FromTableID]
		toName := g.tableIDToName[r.ToTableID]
		if fromName == tableName || toName == tableName {
			out = append(out, r)
		}
	}
	return out
}

// Relationships returns every relationship in the graph.
func (g *Graph) Relationships() []*storage.Relationship {
	return g.relationships
}

// Neighbors returns the names of tables directly reachable from tableName
// via a single foreign-key hop, used by the schema selector's graph
// traversal when searching for bridging tables and checking that the
// selected tables are connected.
func (g *Graph) Neighbors(tableName string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range g.RelationshipsForTable(tableName) {
		fromName := g.tableIDToName[r.FromTableID]
		toName := g.tableIDToName[r.ToTableID]
		var other string
		if fromName == tableName {
			other = toName
		} else {
			other = fromName
		}
		if other != "" && other != tableName && !seen[other] {
			seen[other] = true
			out = append(out, other)
		}
	}
	return out
}
