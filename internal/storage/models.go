// Package storage provides database models and repositories for the knowledge engine.
package storage

import (
	"time"

	"github.com/google/uuid"
)

// KGStatus represents the build status of a knowledge graph.
type KGStatus string

const (
	KGStatusBuilding KGStatus = "building"
	KGStatusReady    KGStatus = "ready"
	KGStatusError    KGStatus = "error"
)

// Cardinality buckets a column's distinct-value density.
type Cardinality string

const (
	CardinalityLow    Cardinality = "low"
	CardinalityMedium Cardinality = "medium"
	CardinalityHigh   Cardinality = "high"
)

// RelationshipType describes the multiplicity of a foreign-key relationship.
type RelationshipType string

const (
	RelationshipOneToOne  RelationshipType = "one-to-one"
	RelationshipManyToOne RelationshipType = "many-to-one"
)

// EntityType names the kind of entity an embedding or vector-index record describes.
type EntityType string

const (
	EntityTypeTable  EntityType = "table"
	EntityTypeColumn EntityType = "column"
)

// ErrorCategory is the top-level classification a failed query attempt falls into.
type ErrorCategory string

const (
	ErrorCategorySchema     ErrorCategory = "schema_error"
	ErrorCategorySQLSyntax  ErrorCategory = "sql_syntax_error"
	ErrorCategorySQLLogic   ErrorCategory = "sql_logic_error"
	ErrorCategoryExecution  ErrorCategory = "execution_error"
	ErrorCategorySystem     ErrorCategory = "system_error"
	ErrorCategoryKGNotFound ErrorCategory = "kg_not_found"
	ErrorCategoryConnection ErrorCategory = "connection_error"
)

// LessonType selects which half of the error summary a lesson belongs in.
type LessonType string

const (
	LessonTypeSchema LessonType = "schema"
	LessonTypeSQL    LessonType = "sql"
)

// KG is the top-level knowledge graph row: one per target database.
type KG struct {
	KGID              uuid.UUID `db:"kg_id" json:"kg_id"`
	SourceFingerprint string    `db:"source_fingerprint" json:"source_fingerprint"`
	Status            KGStatus  `db:"status" json:"status"`
	Version           int       `db:"version" json:"version"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	LastUpdated       time.Time `db:"last_updated" json:"last_updated"`
	ErrorMessage      *string   `db:"error_message" json:"error_message,omitempty"`
}

// Table is one base table captured by the schema extractor.
type Table struct {
	TableID          uuid.UUID `db:"table_id" json:"table_id"`
	KGID             uuid.UUID `db:"kg_id" json:"kg_id"`
	Name             string    `db:"name" json:"name"`
	SchemaNamespace  string    `db:"schema_namespace" json:"schema_namespace"`
	QualifiedName    string    `db:"qualified_name" json:"qualified_name"`
	RowCountEstimate *int64    `db:"row_count_estimate" json:"row_count_estimate,omitempty"`
	Description      *string   `db:"description" json:"description,omitempty"`
	BusinessDomain   *string   `db:"business_domain" json:"business_domain,omitempty"`
	TypicalUseCases  []string  `db:"typical_use_cases" json:"typical_use_cases,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// Column is one column of a Table, with structural and statistical metadata.
type Column struct {
	ColumnID        uuid.UUID    `db:"column_id" json:"column_id"`
	TableID         uuid.UUID    `db:"table_id" json:"table_id"`
	Name            string       `db:"name" json:"name"`
	QualifiedName   string       `db:"qualified_name" json:"qualified_name"`
	DataType        string       `db:"data_type" json:"data_type"`
	Nullable        bool         `db:"nullable" json:"nullable"`
	IsPK            bool         `db:"is_pk" json:"is_pk"`
	IsUnique        bool         `db:"is_unique" json:"is_unique"`
	IsFK            bool         `db:"is_fk" json:"is_fk"`
	Position        int          `db:"position" json:"position"`
	Description     *string      `db:"description" json:"description,omitempty"`
	BusinessMeaning *string      `db:"business_meaning" json:"business_meaning,omitempty"`
	SampleValues    []string     `db:"sample_values" json:"sample_values,omitempty"`
	EnumValues      []string     `db:"enum_values" json:"enum_values,omitempty"`
	Cardinality     *Cardinality `db:"cardinality" json:"cardinality,omitempty"`
	NullPct         *float64     `db:"null_pct" json:"null_pct,omitempty"`
	IsPII           bool         `db:"is_pii" json:"is_pii"`
}

// Relationship is one foreign-key edge in the knowledge graph, from the
// referring table/column to the referenced table/column.
type Relationship struct {
	RelID           uuid.UUID        `db:"rel_id" json:"rel_id"`
	KGID            uuid.UUID        `db:"kg_id" json:"kg_id"`
	FromTableID     uuid.UUID        `db:"from_table_id" json:"from_table_id"`
	ToTableID       uuid.UUID        `db:"to_table_id" json:"to_table_id"`
	FromColumn      string           `db:"from_column" json:"from_column"`
	ToColumn        string           `db:"to_column" json:"to_column"`
	Type            RelationshipType `db:"type" json:"type"`
	JoinCondition   string           `db:"join_condition" json:"join_condition"`
	IsSelfReference bool             `db:"is_self_reference" json:"is_self_reference"`
	ConstraintName  *string          `db:"constraint_name" json:"constraint_name,omitempty"`
}

// Embedding is a stored vector for a table or column entity, plus the
// canonical document text it was derived from.
type Embedding struct {
	KGID       uuid.UUID  `db:"kg_id" json:"kg_id"`
	EntityType EntityType `db:"entity_type" json:"entity_type"`
	EntityID   uuid.UUID  `db:"entity_id" json:"entity_id"`
	Text       string     `db:"text" json:"text"`
	Vector     []float32  `db:"vector" json:"vector"`
	ModelID    string     `db:"model_id" json:"model_id"`
	Dim        int        `db:"dim" json:"dim"`
}

// QueryLog records a single terminal outcome (success or exhausted retries)
// of a process_query call.
type QueryLog struct {
	QueryID           uuid.UUID      `db:"query_id" json:"query_id"`
	KGID              uuid.UUID      `db:"kg_id" json:"kg_id"`
	UserQuestion      string         `db:"user_question" json:"user_question"`
	RefinedQuestion   *string        `db:"refined_question" json:"refined_question,omitempty"`
	SelectedTables    []string       `db:"selected_tables" json:"selected_tables"`
	GeneratedSQL      string         `db:"generated_sql" json:"generated_sql"`
	Success           bool           `db:"success" json:"success"`
	ExecutionTimeMs   *int64         `db:"execution_time_ms" json:"execution_time_ms,omitempty"`
	ErrorMessage      *string        `db:"error_message" json:"error_message,omitempty"`
	ErrorCategory     *ErrorCategory `db:"error_category" json:"error_category,omitempty"`
	CorrectionSummary *string        `db:"correction_summary" json:"correction_summary,omitempty"`
	TablesUsed        []string       `db:"tables_used" json:"tables_used"`
	Iterations        int            `db:"iterations" json:"iterations"`
	Confidence        *float64       `db:"confidence" json:"confidence,omitempty"`
	QueryEmbedding    []float32      `db:"query_embedding" json:"query_embedding,omitempty"`
	UserFeedback      *string        `db:"user_feedback" json:"user_feedback,omitempty"`
	FeedbackRating    *int           `db:"feedback_rating" json:"feedback_rating,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"created_at"`
}

// ErrorPattern is a deduplicated, occurrence-counted record of a recurring
// failure shape for a KG.
type ErrorPattern struct {
	PatternID       uuid.UUID     `db:"pattern_id" json:"pattern_id"`
	KGID            uuid.UUID     `db:"kg_id" json:"kg_id"`
	Category        ErrorCategory `db:"category" json:"category"`
	Description     string        `db:"description" json:"description"`
	ExampleError    *string       `db:"example_error" json:"example_error,omitempty"`
	FixApplied      string        `db:"fix_applied" json:"fix_applied"`
	AffectedTables  []string      `db:"affected_tables" json:"affected_tables"`
	OccurrenceCount int           `db:"occurrence_count" json:"occurrence_count"`
	FirstSeen       time.Time     `db:"first_seen" json:"first_seen"`
	LastSeen        time.Time     `db:"last_seen" json:"last_seen"`
	IsActive        bool          `db:"is_active" json:"is_active"`
}

// ErrorSummary is the single per-KG compacted lesson store consulted by
// the agent pipeline.
type ErrorSummary struct {
	KGID                 uuid.UUID  `db:"kg_id" json:"kg_id"`
	SchemaLessons        string     `db:"schema_lessons" json:"schema_lessons"`
	SQLLessons           string     `db:"sql_lessons" json:"sql_lessons"`
	LessonCount          int        `db:"lesson_count" json:"lesson_count"`
	WordCount            int        `db:"word_count" json:"word_count"`
	CompressionThreshold int        `db:"compression_threshold" json:"compression_threshold"`
	LastCompressedAt     *time.Time `db:"last_compressed_at" json:"last_compressed_at,omitempty"`
	Version              int        `db:"version" json:"version"`
}

// DefaultCompressionThreshold is the word-count above which lessons are
// asynchronously compacted, absent a per-KG override.
const DefaultCompressionThreshold = 500
