// Package storage provides database models and repositories for the knowledge engine.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Common errors.
var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record conflict")
)

// DB is the subset of *sql.DB (or *sql.Tx) the repositories need.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// KGRepository handles CRUD for the kg_metadata table.
type KGRepository struct {
	db DB
}

// NewKGRepository creates a new KG repository.
func NewKGRepository(db DB) *KGRepository {
	return &KGRepository{db: db}
}

// Create inserts a new KG row in the building state.
func (r *KGRepository) Create(ctx context.Context, kg *KG) error {
	if kg.KGID == uuid.Nil {
		kg.KGID = uuid.New()
	}
	if kg.CreatedAt.IsZero() {
		kg.CreatedAt = time.Now()
	}
	kg.LastUpdated = time.Now()
	if kg.Version == 0 {
		kg.Version = 1
	}

	query := `
		INSERT INTO kg_metadata (kg_id, source_fingerprint, status, version, created_at, last_updated, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		kg.KGID, kg.SourceFingerprint, kg.Status, kg.Version, kg.CreatedAt, kg.LastUpdated, kg.ErrorMessage,
	)
	return err
}

// GetByID retrieves a KG by id.
func (r *KGRepository) GetByID(ctx context.Context, kgID uuid.UUID) (*KG, error) {
	query := `
		SELECT kg_id, source_fingerprint, status, version, created_at, last_updated, error_message
		FROM kg_metadata WHERE kg_id = $1
	`
	kg := &KG{}
	err := r.db.QueryRowContext(ctx, query, kgID).Scan(
		&kg.KGID, &kg.SourceFingerprint, &kg.Status, &kg.Version, &kg.CreatedAt, &kg.LastUpdated, &kg.ErrorMessage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return kg, err
}

// GetByFingerprint returns the KG with the given source fingerprint, if any.
// source_fingerprint is unique, so this returns at most one row.
func (r *KGRepository) GetByFingerprint(ctx context.Context, fingerprint string) (*KG, error) {
	query := `
		SELECT kg_id, source_fingerprint, status, version, created_at, last_updated, error_message
		FROM kg_metadata WHERE source_fingerprint = $1
	`
	kg := &KG{}
	err := r.db.QueryRowContext(ctx, query, fingerprint).Scan(
		&kg.KGID, &kg.SourceFingerprint, &kg.Status, &kg.Version, &kg.CreatedAt, &kg.LastUpdated, &kg.ErrorMessage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return kg, err
}

// List returns all KGs ordered by most recently updated.
func (r *KGRepository) List(ctx context.Context) ([]*KG, error) {
	query := `
		SELECT kg_id, source_fingerprint, status, version, created_at, last_updated, error_message
		FROM kg_metadata ORDER BY last_updated DESC
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var kgs []*KG
	for rows.Next() {
		kg := &KG{}
		if err := rows.Scan(&kg.KGID, &kg.SourceFingerprint, &kg.Status, &kg.Version, &kg.CreatedAt, &kg.LastUpdated, &kg.ErrorMessage); err != nil {
			return nil, err
		}
		kgs = append(kgs, kg)
	}
	return kgs, rows.Err()
}

// SetStatus transitions a KG's status, bumping version and last_updated.
func (r *KGRepository) SetStatus(ctx context.Context, kgID uuid.UUID, status KGStatus, errMsg *string) error {
	query := `
		UPDATE kg_metadata
		SET status = $2, error_message = $3, version = version + 1, last_updated = NOW()
		WHERE kg_id = $1
	`
	res, err := r.db.ExecContext(ctx, query, kgID, status, errMsg)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// TableRepository handles CRUD for kg_tables.
type TableRepository struct {
	db DB
}

// NewTableRepository creates a new table repository.
func NewTableRepository(db DB) *TableRepository {
	return &TableRepository{db: db}
}

// BatchCreate inserts a batch of tables, failing the whole batch on any error.
func (r *TableRepository) BatchCreate(ctx context.Context, tables []*Table) error {
	for _, t := range tables {
		if t.TableID == uuid.Nil {
			t.TableID = uuid.New()
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = time.Now()
		}
		query := `
			INSERT INTO kg_tables (table_id, kg_id, name, schema_namespace, qualified_name,
				row_count_estimate, description, business_domain, typical_use_cases, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`
		_, err := r.db.ExecContext(ctx, query,
			t.TableID, t.KGID, t.Name, t.SchemaNamespace, t.QualifiedName,
			t.RowCountEstimate, t.Description, t.BusinessDomain, pq.Array(t.TypicalUseCases), t.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert table %s: %w", t.QualifiedName, err)
		}
	}
	return nil
}

// ListByKG returns every table belonging to a KG, ordered by name.
func (r *TableRepository) ListByKG(ctx context.Context, kgID uuid.UUID) ([]*Table, error) {
	query := `
		SELECT table_id, kg_id, name, schema_namespace, qualified_name,
			row_count_estimate, description, business_domain, typical_use_cases, created_at
		FROM kg_tables WHERE kg_id = $1 ORDER BY name
	`
	rows, err := r.db.QueryContext(ctx, query, kgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []*Table
	for rows.Next() {
		t := &Table{}
		if err := rows.Scan(&t.TableID, &t.KGID, &t.Name, &t.SchemaNamespace, &t.QualifiedName,
			&t.RowCountEstimate, &t.Description, &t.BusinessDomain, pq.Array(&t.TypicalUseCases), &t.CreatedAt); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// UpdateEnrichment writes the LLM-generated description/domain/use-cases for a table.
func (r *TableRepository) UpdateEnrichment(ctx context.Context, tableID uuid.UUID, description, domain *string, useCases []string) error {
	query := `
		UPDATE kg_tables SET description = $2, business_domain = $3, typical_use_cases = $4
		WHERE table_id = $1
	`
	_, err := r.db.ExecContext(ctx, query, tableID, description, domain, pq.Array(useCases))
	return err
}

// ColumnRepository handles CRUD for kg_columns.
type ColumnRepository struct {
	db DB
}

// NewColumnRepository creates a new column repository.
func NewColumnRepository(db DB) *ColumnRepository {
	return &ColumnRepository{db: db}
}

// BatchCreate inserts a batch of columns, failing the whole batch on any error.
func (r *ColumnRepository) BatchCreate(ctx context.Context, columns []*Column) error {
	for _, c := range columns {
		if c.ColumnID == uuid.Nil {
			c.ColumnID = uuid.New()
		}
		query := `
			INSERT INTO kg_columns (column_id, table_id, name, qualified_name, data_type, nullable,
				is_pk, is_unique, is_fk, position, description, business_meaning, sample_values,
				enum_values, cardinality, null_pct, is_pii)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		`
		_, err := r.db.ExecContext(ctx, query,
			c.ColumnID, c.TableID, c.Name, c.QualifiedName, c.DataType, c.Nullable,
			c.IsPK, c.IsUnique, c.IsFK, c.Position, c.Description, c.BusinessMeaning,
			pq.Array(c.SampleValues), pq.Array(c.EnumValues), c.Cardinality, c.NullPct, c.IsPII,
		)
		if err != nil {
			return fmt.Errorf("insert column %s: %w", c.QualifiedName, err)
		}
	}
	return nil
}

// ListByTable returns every column of a table, ordered by ordinal position.
func (r *ColumnRepository) ListByTable(ctx context.Context, tableID uuid.UUID) ([]*Column, error) {
	query := `
		SELECT column_id, table_id, name, qualified_name, data_type, nullable,
			is_pk, is_unique, is_fk, position, description, business_meaning, sample_values,
			enum_values, cardinality, null_pct, is_pii
		FROM kg_columns WHERE table_id = $1 ORDER BY position
	`
	return r.scanColumns(ctx, query, tableID)
}

// ListByKG returns every column belonging to any table of a KG.
func (r *ColumnRepository) ListByKG(ctx context.Context, kgID uuid.UUID) ([]*Column, error) {
	query := `
		SELECT c.column_id, c.table_id, c.name, c.qualified_name, c.data_type, c.nullable,
			c.is_pk, c.is_unique, c.is_fk, c.position, c.description, c.business_meaning, c.sample_values,
			c.enum_values, c.cardinality, c.null_pct, c.is_pii
		FROM kg_columns c JOIN kg_tables t ON c.table_id = t.table_id
		WHERE t.kg_id = $1 ORDER BY t.name, c.position
	`
	return r.scanColumns(ctx, query, kgID)
}

func (r *ColumnRepository) scanColumns(ctx context.Context, query string, arg interface{}) ([]*Column, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []*Column
	for rows.Next() {
		c := &Column{}
		if err := rows.Scan(&c.ColumnID, &c.TableID, &c.Name, &c.QualifiedName, &c.DataType, &c.Nullable,
			&c.IsPK, &c.IsUnique, &c.IsFK, &c.Position, &c.Description, &c.BusinessMeaning,
			pq.Array(&c.SampleValues), pq.Array(&c.EnumValues), &c.Cardinality, &c.NullPct, &c.IsPII); err != nil {
			return nil, err
		}
		columns = append(columns, c)
	}
	return columns, rows.Err()
}

// UpdateEnrichment writes LLM-generated description/business-meaning and a
// PII override for a column.
func (r *ColumnRepository) UpdateEnrichment(ctx context.Context, columnID uuid.UUID, description, businessMeaning *string, isPII bool) error {
	query := `UPDATE kg_columns SET description = $2, business_meaning = $3, is_pii = $4 WHERE column_id = $1`
	_, err := r.db.ExecContext(ctx, query, columnID, description, businessMeaning, isPII)
	return err
}

// RelationshipRepository handles CRUD for kg_relationships.
type RelationshipRepository struct {
	db DB
}

// NewRelationshipRepository creates a new relationship repository.
func NewRelationshipRepository(db DB) *RelationshipRepository {
	return &RelationshipRepository{db: db}
}

// BatchCreate inserts a batch of relationships, failing the whole batch on any error.
func (r *RelationshipRepository) BatchCreate(ctx context.Context, rels []*Relationship) error {
	for _, rel := range rels {
		if rel.RelID == uuid.Nil {
			rel.RelID = uuid.New()
		}
		query := `
			INSERT INTO kg_relationships (rel_id, kg_id, from_table_id, to_table_id, from_column, to_column,
				type, join_condition, is_self_reference, constraint_name)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`
		_, err := r.db.ExecContext(ctx, query,
			rel.RelID, rel.KGID, rel.FromTableID, rel.ToTableID, rel.FromColumn, rel.ToColumn,
			rel.Type, rel.JoinCondition, rel.IsSelfReference, rel.ConstraintName,
		)
		if err != nil {
			return fmt.Errorf("insert relationship %s.%s -> %s: %w", rel.FromTableID, rel.FromColumn, rel.ToTableID, err)
		}
	}
	return nil
}

// ListByKG returns every relationship in a KG.
func (r *RelationshipRepository) ListByKG(ctx context.Context, kgID uuid.UUID) ([]*Relationship, error) {
	query := `
		SELECT rel_id, kg_id, from_table_id, to_table_id, from_column, to_column,
			type, join_condition, is_self_reference, constraint_name
		FROM kg_relationships WHERE kg_id = $1
	`
	rows, err := r.db.QueryContext(ctx, query, kgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []*Relationship
	for rows.Next() {
		rel := &Relationship{}
		if err := rows.Scan(&rel.RelID, &rel.KGID, &rel.FromTableID, &rel.ToTableID, &rel.FromColumn, &rel.ToColumn,
			&rel.Type, &rel.JoinCondition, &rel.IsSelfReference, &rel.ConstraintName); err != nil {
			return nil, err
		}
		rels = append(rels, rel)
	}
	return rels, rows.Err()
}

// ErrorPatternRepository handles CRUD for query_error_patterns.
type ErrorPatternRepository struct {
	db DB
}

// NewErrorPatternRepository creates a new error pattern repository.
func NewErrorPatternRepository(db DB) *ErrorPatternRepository {
	return &ErrorPatternRepository{db: db}
}

// Upsert inserts a new error pattern or, if (kg_id, description) already
// exists, increments occurrence_count and refreshes last_seen.
func (r *ErrorPatternRepository) Upsert(ctx context.Context, p *ErrorPattern) error {
	if p.PatternID == uuid.Nil {
		p.PatternID = uuid.New()
	}
	now := time.Now()
	if p.FirstSeen.IsZero() {
		p.FirstSeen = now
	}
	p.LastSeen = now

	query := `
		INSERT INTO query_error_patterns (pattern_id, kg_id, category, description, example_error,
			fix_applied, affected_tables, occurrence_count, first_seen, last_seen, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9, true)
		ON CONFLICT (kg_id, description) DO UPDATE SET
			occurrence_count = query_error_patterns.occurrence_count + 1,
			last_seen = EXCLUDED.last_seen,
			example_error = EXCLUDED.example_error,
			fix_applied = EXCLUDED.fix_applied
	`
	_, err := r.db.ExecContext(ctx, query,
		p.PatternID, p.KGID, p.Category, p.Description, p.ExampleError,
		p.FixApplied, pq.Array(p.AffectedTables), p.FirstSeen, p.LastSeen,
	)
	return err
}

// ListActive returns active patterns for a KG ordered by occurrence_count
// desc, last_seen desc, optionally filtered by category and by overlap with
// affectedTables.
func (r *ErrorPatternRepository) ListActive(ctx context.Context, kgID uuid.UUID, category *ErrorCategory, affectedTables []string, k int) ([]*ErrorPattern, error) {
	query := `
		SELECT pattern_id, kg_id, category, description, example_error, fix_applied,
			affected_tables, occurrence_count, first_seen, last_seen, is_active
		FROM query_error_patterns
		WHERE kg_id = $1 AND is_active = true
			AND ($2::text IS NULL OR category = $2)
			AND ($3::text[] IS NULL OR affected_tables && $3)
		ORDER BY occurrence_count DESC, last_seen DESC
		LIMIT $4
	`
	var catArg interface{}
	if category != nil {
		catArg = string(*category)
	}
	var tablesArg interface{}
	if len(affectedTables) > 0 {
		tablesArg = pq.Array(affectedTables)
	}

	rows, err := r.db.QueryContext(ctx, query, kgID, catArg, tablesArg, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var patterns []*ErrorPattern
	for rows.Next() {
		p := &ErrorPattern{}
		if err := rows.Scan(&p.PatternID, &p.KGID, &p.Category, &p.Description, &p.ExampleError, &p.FixApplied,
			pq.Array(&p.AffectedTables), &p.OccurrenceCount, &p.FirstSeen, &p.LastSeen, &p.IsActive); err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}

// ErrorSummaryRepository handles the one-row-per-KG kg_error_summary table.
type ErrorSummaryRepository struct {
	db DB
}

// NewErrorSummaryRepository creates a new error summary repository.
func NewErrorSummaryRepository(db DB) *ErrorSummaryRepository {
	return &ErrorSummaryRepository{db: db}
}

// GetOrCreate returns the existing summary row for a KG, creating an empty
// one if it does not exist yet.
func (r *ErrorSummaryRepository) GetOrCreate(ctx context.Context, kgID uuid.UUID) (*ErrorSummary, error) {
	s, err := r.Get(ctx, kgID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	query := `
		INSERT INTO kg_error_summary (kg_id, schema_lessons, sql_lessons, lesson_count, word_count,
			compression_threshold, version)
		VALUES ($1, '', '', 0, 0, $2, 1)
		ON CONFLICT (kg_id) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, kgID, DefaultCompressionThreshold); err != nil {
		return nil, err
	}
	return r.Get(ctx, kgID)
}

// Get returns the summary row for a KG.
func (r *ErrorSummaryRepository) Get(ctx context.Context, kgID uuid.UUID) (*ErrorSummary, error) {
	query := `
		SELECT kg_id, schema_lessons, sql_lessons, lesson_count, word_count,
			compression_threshold, last_compressed_at, version
		FROM kg_error_summary WHERE kg_id = $1
	`
	s := &ErrorSummary{}
	err := r.db.QueryRowContext(ctx, query, kgID).Scan(
		&s.KGID, &s.SchemaLessons, &s.SQLLessons, &s.LessonCount, &s.WordCount,
		&s.CompressionThreshold, &s.LastCompressedAt, &s.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// AppendLesson writes updatedField (the field's full new text, built by the
// caller) and newWordCount in a single UPDATE, increments lesson_count by
// exactly 1, and bumps version. Returns the updated summary.
func (r *ErrorSummaryRepository) AppendLesson(ctx context.Context, kgID uuid.UUID, lessonType LessonType, updatedField string, newWordCount int) (*ErrorSummary, error) {
	column := "sql_lessons"
	if lessonType == LessonTypeSchema {
		column = "schema_lessons"
	}
	query := fmt.Sprintf(`
		UPDATE kg_error_summary
		SET %s = $2, lesson_count = lesson_count + 1, word_count = $3, version = version + 1
		WHERE kg_id = $1
		RETURNING kg_id, schema_lessons, sql_lessons, lesson_count, word_count, compression_threshold, last_compressed_at, version
	`, column)

	s := &ErrorSummary{}
	err := r.db.QueryRowContext(ctx, query, kgID, updatedField, newWordCount).Scan(
		&s.KGID, &s.SchemaLessons, &s.SQLLessons, &s.LessonCount, &s.WordCount,
		&s.CompressionThreshold, &s.LastCompressedAt, &s.Version,
	)
	return s, err
}

// SaveCompressed writes the compacted lesson fields, the recomputed counts,
// and stamps last_compressed_at, bumping version.
func (r *ErrorSummaryRepository) SaveCompressed(ctx context.Context, kgID uuid.UUID, schemaLessons, sqlLessons string, lessonCount, wordCount int) (*ErrorSummary, error) {
	query := `
		UPDATE kg_error_summary
		SET schema_lessons = $2, sql_lessons = $3, lesson_count = $4, word_count = $5,
			last_compressed_at = NOW(), version = version + 1
		WHERE kg_id = $1
		RETURNING kg_id, schema_lessons, sql_lessons, lesson_count, word_count, compression_threshold, last_compressed_at, version
	`
	s := &ErrorSummary{}
	err := r.db.QueryRowContext(ctx, query, kgID, schemaLessons, sqlLessons, lessonCount, wordCount).Scan(
		&s.KGID, &s.SchemaLessons, &s.SQLLessons, &s.LessonCount, &s.WordCount,
		&s.CompressionThreshold, &s.LastCompressedAt, &s.Version,
	)
	return s, err
}

// Repositories bundles the KG store's non-vector repositories together.
// Embedding and query-log storage (which carry vector columns) live in
// internal/vectorindex and internal/memory respectively, backed by a pgx
// pool rather than this DB interface.
type Repositories struct {
	KGs           *KGRepository
	Tables        *TableRepository
	Columns       *ColumnRepository
	Relationships *RelationshipRepository
	ErrorPatterns *ErrorPatternRepository
	ErrorSummary  *ErrorSummaryRepository
}

// NewRepositories creates all repositories with the given database connection.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		KGs:           NewKGRepository(db),
		Tables:        NewTableRepository(db),
		Columns:       NewColumnRepository(db),
		Relationships: NewRelationshipRepository(db),
		ErrorPatterns: NewErrorPatternRepository(db),
		ErrorSummary:  NewErrorSummaryRepository(db),
	}
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
