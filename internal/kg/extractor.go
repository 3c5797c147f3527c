// Package kg implements the knowledge graph build/load pipeline: schema
// extraction (C4), enrichment and embedding generation orchestrated by the
// builder (C5), and the cached, guarded KG manager (C6).
package kg

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/spherical-ai/nl2sql-engine/internal/storage"
)

// piiKeywords is the column-name substring list KeywordPIIDetector matches
// against. It is the extractor's only PII check; the builder's enrichment
// phase can later mark a column as PII from the LLM's answer, but never
// clears a flag set here.
var piiKeywords = []string{"email", "phone", "ssn", "social_security", "credit_card", "password", "address"}

// PIIDetector classifies whether a column likely holds personally
// identifiable information. The builder always passes KeywordPIIDetector,
// which never calls out; LLM input on PII arrives only later, through the
// column descriptions generated during enrichment.
type PIIDetector interface {
	IsPII(ctx context.Context, columnName, dataType string, sampleValues []string) bool
}

// KeywordPIIDetector is the always-available fallback.
type KeywordPIIDetector struct{}

// IsPII reports whether columnName matches a known PII keyword.
func (KeywordPIIDetector) IsPII(ctx context.Context, columnName, dataType string, sampleValues []string) bool {
	lower := strings.ToLower(columnName)
	for _, kw := range piiKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Extractor pulls table/column/relationship structure and statistics out
// of a customer's Postgres database via information_schema/pg_catalog,
// mirroring the three original extractors (table, column, relationship).
type Extractor struct {
	db                *sql.DB
	pii               PIIDetector
	sampleValuesLimit int
}

// NewExtractor creates a schema extractor over an already-connected target
// database. pii may be nil, in which case KeywordPIIDetector is used.
func NewExtractor(db *sql.DB, pii PIIDetector, sampleValuesLimit int) *Extractor {
	if pii == nil {
		pii = KeywordPIIDetector{}
	}
	if sampleValuesLimit <= 0 {
		sampleValuesLimit = 5
	}
	return &Extractor{db: db, pii: pii, sampleValuesLimit: sampleValuesLimit}
}

// ExtractedSchema is the raw structural output of one extraction pass,
// before enrichment (descriptions, business domain) and embedding.
type ExtractedSchema struct {
	Tables        []*storage.Table
	Columns       []*storage.Column
	Relationships []*storage.Relationship
}

// Extract runs the full table -> column -> relationship extraction
// sequence against one schema namespace (typically "public"), in that
// order since relationship extraction needs the table id map columns
// extraction doesn't depend on.
func (e *Extractor) Extract(ctx context.Context, kgID uuid.UUID, schemaName string) (*ExtractedSchema, error) {
	tables, err := e.extractTables(ctx, kgID, schemaName)
	if err != nil {
		return nil, fmt.Errorf("extract tables: %w", err)
	}

	tableIDByName := make(map[string]uuid.UUID, len(tables))
	for _, t := range tables {
		tableIDByName[t.Name] = t.TableID
	}

	var allColumns []*storage.Column
	for _, t := range tables {
		cols, err := e.extractColumns(ctx, t, schemaName)
		if err != nil {
			return nil, fmt.Errorf("extract columns for %s: %w", t.Name, err)
		}
		allColumns = append(allColumns, cols...)
	}

	relationships, err := e.extractRelationships(ctx, kgID, tableIDByName, schemaName)
	if err != nil {
		return nil, fmt.Errorf("extract relationships: %w", err)
	}

	return &ExtractedSchema{Tables: tables, Columns: allColumns, Relationships: relationships}, nil
}

func (e *Extractor) extractTables(ctx context.Context, kgID uuid.UUID, schemaName string) ([]*storage.Table, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`, schemaName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables := make([]*storage.Table, 0, len(names))
	for _, name := range names {
		rowCount := e.rowCountEstimate(ctx, schemaName, name)
		tables = append(tables, &storage.Table{
			TableID:          uuid.New(),
			KGID:             kgID,
			Name:             name,
			SchemaNamespace:  schemaName,
			QualifiedName:    schemaName + "." + name,
			RowCountEstimate: &rowCount,
		})
	}
	return tables, nil
}

// rowCountEstimate reads pg_class.reltuples for a fast approximate row
// count, falling back to an exact COUNT(*) when the catalog estimate is
// unavailable (e.g. the table was never analyzed).
func (e *Extractor) rowCountEstimate(ctx context.Context, schemaName, tableName string) int64 {
	qualified := schemaName + "." + tableName
	var estimate int64
	err := e.db.QueryRowContext(ctx, `
		SELECT reltuples::bigint FROM pg_class WHERE oid = $1::regclass
	`, qualified).Scan(&estimate)
	if err == nil && estimate >= 0 {
		return estimate
	}

	var exact int64
	err = e.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, quoteIdent(schemaName, tableName))).Scan(&exact)
	if err != nil {
		return 0
	}
	return exact
}

func (e *Extractor) extractColumns(ctx context.Context, table *storage.Table, schemaName string) ([]*storage.Column, error) {
	type colMeta struct {
		name     string
		dataType string
		nullable bool
		position int
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable, ordinal_position
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, schemaName, table.Name)
	if err != nil {
		return nil, err
	}
	var metas []colMeta
	for rows.Next() {
		var m colMeta
		var nullable string
		if err := rows.Scan(&m.name, &m.dataType, &nullable, &m.position); err != nil {
			rows.Close()
			return nil, err
		}
		m.nullable = nullable == "YES"
		metas = append(metas, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	primaryKeys, err := e.constraintColumns(ctx, schemaName, table.Name, "PRIMARY KEY")
	if err != nil {
		return nil, err
	}
	uniqueColumns, err := e.constraintColumns(ctx, schemaName, table.Name, "UNIQUE")
	if err != nil {
		return nil, err
	}
	foreignKeys, err := e.constraintColumns(ctx, schemaName, table.Name, "FOREIGN KEY")
	if err != nil {
		return nil, err
	}

	columns := make([]*storage.Column, 0, len(metas))
	for _, m := range metas {
		sampleValues := e.sampleValues(ctx, schemaName, table.Name, m.name, e.sampleValuesLimit)
		cardinality, nullPct, enumValues := e.statistics(ctx, schemaName, table.Name, m.name)
		isPII := e.pii.IsPII(ctx, m.name, m.dataType, sampleValues)

		columns = append(columns, &storage.Column{
			ColumnID:      uuid.New(),
			TableID:       table.TableID,
			Name:          m.name,
			QualifiedName: table.Name + "." + m.name,
			DataType:      m.dataType,
			Nullable:      m.nullable,
			IsPK:          primaryKeys[m.name],
			IsUnique:      uniqueColumns[m.name],
			IsFK:          foreignKeys[m.name],
			Position:      m.position,
			SampleValues:  sampleValues,
			EnumValues:    enumValues,
			Cardinality:   cardinality,
			NullPct:       nullPct,
			IsPII:         isPII,
		})
	}
	return columns, nil
}

func (e *Extractor) constraintColumns(ctx context.Context, schemaName, tableName, constraintType string) (map[string]bool, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = $1 AND tc.table_name = $2 AND tc.constraint_type = $3
	`, schemaName, tableName, constraintType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		set[name] = true
	}
	return set, rows.Err()
}

// sampleValues fetches up to limit distinct non-null values for a column,
// returning an empty slice (not an error) if the query fails — a column of
// an unsupported type or an access-restricted table shouldn't abort the
// whole extraction.
func (e *Extractor) sampleValues(ctx context.Context, schemaName, tableName, columnName string, limit int) []string {
	query := fmt.Sprintf(`
		SELECT DISTINCT %s::text FROM %s WHERE %s IS NOT NULL LIMIT %d
	`, quoteIdentOne(columnName), quoteIdent(schemaName, tableName), quoteIdentOne(columnName), limit)

	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return []string{}
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return []string{}
		}
		values = append(values, v)
	}
	if rows.Err() != nil {
		return []string{}
	}
	return values
}

// statistics computes null percentage and cardinality bucket for a column.
// Thresholds: unique_count < 10 is "low" cardinality (with up to 20 sample
// values captured as enum candidates); unique_count < total_count*0.5 is
// "medium"; otherwise "high". Any query failure yields all-nil stats
// rather than aborting extraction.
func (e *Extractor) statistics(ctx context.Context, schemaName, tableName, columnName string) (*storage.Cardinality, *float64, []string) {
	quoted := quoteIdentOne(columnName)
	query := fmt.Sprintf(`
		SELECT COUNT(DISTINCT %s), COUNT(*), COUNT(%s) FROM %s
	`, quoted, quoted, quoteIdent(schemaName, tableName))

	var uniqueCount, totalCount, nonNullCount int64
	err := e.db.QueryRowContext(ctx, query).Scan(&uniqueCount, &totalCount, &nonNullCount)
	if err != nil {
		return nil, nil, nil
	}

	var nullPct float64
	if totalCount > 0 {
		nullPct = float64(totalCount-nonNullCount) / float64(totalCount) * 100
	}

	var cardinality storage.Cardinality
	var enumValues []string
	switch {
	case uniqueCount < 10:
		cardinality = storage.CardinalityLow
		enumValues = e.sampleValues(ctx, schemaName, tableName, columnName, 20)
	case float64(uniqueCount) < float64(totalCount)*0.5:
		cardinality = storage.CardinalityMedium
	default:
		cardinality = storage.CardinalityHigh
	}

	return &cardinality, &nullPct, enumValues
}

func (e *Extractor) extractRelationships(ctx context.Context, kgID uuid.UUID, tableIDByName map[string]uuid.UUID, schemaName string) ([]*storage.Relationship, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT tc.constraint_name, kcu.table_name AS from_table, kcu.column_name AS from_column,
			ccu.table_name AS to_table, ccu.column_name AS to_column
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1
		ORDER BY tc.constraint_name
	`, schemaName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relationships []*storage.Relationship
	for rows.Next() {
		var constraintName, fromTable, fromColumn, toTable, toColumn string
		if err := rows.Scan(&constraintName, &fromTable, &fromColumn, &toTable, &toColumn); err != nil {
			return nil, err
		}

		fromTableID, ok := tableIDByName[fromTable]
		if !ok {
			continue
		}
		toTableID, ok := tableIDByName[toTable]
		if !ok {
			continue
		}

		relType, err := e.relationshipType(ctx, schemaName, fromTable, fromColumn)
		if err != nil {
			return nil, err
		}

		name := constraintName
		relationships = append(relationships, &storage.Relationship{
			RelID:           uuid.New(),
			KGID:            kgID,
			FromTableID:     fromTableID,
			ToTableID:       toTableID,
			FromColumn:      fromColumn,
			ToColumn:        toColumn,
			Type:            relType,
			JoinCondition:   fmt.Sprintf("%s.%s = %s.%s", fromTable, fromColumn, toTable, toColumn),
			IsSelfReference: fromTable == toTable,
			ConstraintName:  &name,
		})
	}
	return relationships, rows.Err()
}

// relationshipType determines one-to-one vs many-to-one from the FK side's
// perspective: if the referring column itself carries a PK/UNIQUE
// constraint, at most one row per referenced row exists, so it's
// one-to-one; otherwise many rows may reference the same target, so
// many-to-one.
func (e *Extractor) relationshipType(ctx context.Context, schemaName, fromTable, fromColumn string) (storage.RelationshipType, error) {
	var count int
	err := e.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu ON tc.constraint_name = kcu.constraint_name
		WHERE tc.table_schema = $1 AND tc.table_name = $2 AND kcu.column_name = $3
			AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE')
	`, schemaName, fromTable, fromColumn).Scan(&count)
	if err != nil {
		return "", err
	}
	if count > 0 {
		return storage.RelationshipOneToOne, nil
	}
	return storage.RelationshipManyToOne, nil
}

func quoteIdent(schema, table string) string {
	return fmt.Sprintf(`"%s"."%s"`, schema, table)
}

func quoteIdentOne(ident string) string {
	return fmt.Sprintf(`"%s"`, ident)
}

// sortedTableNames returns the keys of a table-id map in sorted order. No
// code in the module calls it.
func sortedTableNames(m map[string]uuid.UUID) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
