// Package memory persists the NL2SQL agent pipeline's long-term recall:
// the per-query log used to surface similar past questions to the SQL
// generator, and the error-pattern/lesson store consulted by the error
// router and the schema/SQL agents on retry.
package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/spherical-ai/nl2sql-engine/internal/storage"
)

// QueryLogEntry is one row accepted by InsertQueryLog. Fields left zero
// (empty string / nil) are stored as NULL, matching the original's
// optional-key dict payload.
type QueryLogEntry struct {
	KGID                uuid.UUID
	UserQuestion        string
	RefinedQuestion     *string
	SelectedTables      []string
	GeneratedSQL        string
	Success             bool
	ExecutionTimeMs     *int64
	ErrorMessage        *string
	ErrorCategory       *storage.ErrorCategory
	CorrectionSummary   *string
	TablesUsed          []string
	Iterations          int
	SchemaRetrievalMs   *int64
	SQLGenerationMs     *int64
	Confidence          *float64
	QueryEmbedding      []float32
}

// SimilarQuery is one result of SearchSimilarQueries: a past attempt
// ranked by cosine similarity to the current question's embedding.
type SimilarQuery struct {
	QueryID      uuid.UUID
	UserQuestion string
	GeneratedSQL string
	Success      bool
	TablesUsed   []string
	Confidence   float64
	Similarity   float64
}

// QueryMemoryRepository manages kg_query_log and query_error_patterns.
// It talks to Postgres directly through a pgx pool (rather than the
// storage.DB interface the scalar KG repositories use) because both
// tables carry a pgvector column.
type QueryMemoryRepository struct {
	pool *pgxpool.Pool
}

// NewQueryMemoryRepository wraps an existing pgx pool.
func NewQueryMemoryRepository(pool *pgxpool.Pool) *QueryMemoryRepository {
	return &QueryMemoryRepository{pool: pool}
}

// InsertQueryLog records the terminal outcome of a process_query call,
// embedding included when the caller supplied one so future similarity
// search can recall it.
func (r *QueryMemoryRepository) InsertQueryLog(ctx context.Context, e QueryLogEntry) (uuid.UUID, error) {
	queryID := uuid.New()

	var vec interface{}
	if len(e.QueryEmbedding) > 0 {
		vec = pgvector.NewVector(e.QueryEmbedding)
	}

	const query = `
		INSERT INTO kg_query_log (
			query_id, kg_id, user_question, refined_question,
			selected_tables, generated_sql, success, execution_time_ms,
			error_message, error_category, correction_summary, tables_used,
			iterations, schema_retrieval_time_ms, sql_generation_time_ms,
			confidence, query_embedding, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, NOW()
		)
	`
	_, err := r.pool.Exec(ctx, query,
		queryID, e.KGID, e.UserQuestion, e.RefinedQuestion,
		e.SelectedTables, e.GeneratedSQL, e.Success, e.ExecutionTimeMs,
		e.ErrorMessage, e.ErrorCategory, e.CorrectionSummary, e.TablesUsed,
		e.Iterations, e.SchemaRetrievalMs, e.SQLGenerationMs,
		e.Confidence, vec,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert query log: %w", err)
	}
	return queryID, nil
}

// SearchSimilarQueries finds past questions whose embedding is closest to
// queryEmbedding, by default restricted to successful attempts so the SQL
// generator only learns from queries that actually ran. Cosine distance
// (<=>, range [0,2]) is converted to a [0,1] similarity score.
func (r *QueryMemoryRepository) SearchSimilarQueries(ctx context.Context, kgID uuid.UUID, queryEmbedding []float32, limit int, onlySuccessful bool) ([]SimilarQuery, error) {
	if limit <= 0 {
		limit = 5
	}
	vec := pgvector.NewVector(queryEmbedding)

	rows, err := r.pool.Query(ctx, `
		SELECT query_id, user_question, generated_sql, success, tables_used, confidence,
			1 - (query_embedding <=> $1) / 2 AS similarity
		FROM kg_query_log
		WHERE kg_id = $2
			AND (success OR NOT $3)
			AND query_embedding IS NOT NULL
		ORDER BY query_embedding <=> $1
		LIMIT $4
	`, vec, kgID, onlySuccessful, limit)
	if err != nil {
		return nil, fmt.Errorf("search similar queries: %w", err)
	}
	defer rows.Close()

	var out []SimilarQuery
	for rows.Next() {
		var sq SimilarQuery
		var confidence *float64
		if err := rows.Scan(&sq.QueryID, &sq.UserQuestion, &sq.GeneratedSQL, &sq.Success,
			&sq.TablesUsed, &confidence, &sq.Similarity); err != nil {
			return nil, fmt.Errorf("scan similar query row: %w", err)
		}
		if confidence != nil {
			sq.Confidence = *confidence
		}
		out = append(out, sq)
	}
	return out, rows.Err()
}

// GetErrorPatterns retrieves active error patterns for a KG, optionally
// narrowed by category and by overlap with affectedTables, ranked by
// occurrence count and recency. This is a read path distinct from
// internal/storage's ErrorPatternRepository.ListActive: that one backs
// the scalar DB interface used by the KG builder/store; this one lives
// alongside the rest of the agent pipeline's memory reads so the error
// router and SQL generator have a single package to depend on.
func (r *QueryMemoryRepository) GetErrorPatterns(ctx context.Context, kgID uuid.UUID, category *storage.ErrorCategory, affectedTables []string, limit int) ([]*storage.ErrorPattern, error) {
	if limit <= 0 {
		limit = 5
	}

	query := `
		SELECT pattern_id, kg_id, category, description, example_error, fix_applied,
			affected_tables, occurrence_count, first_seen, last_seen, is_active
		FROM query_error_patterns
		WHERE kg_id = $1 AND is_active = true
	`
	args := []interface{}{kgID}
	argN := 2

	if category != nil {
		query += fmt.Sprintf(" AND category = $%d", argN)
		args = append(args, string(*category))
		argN++
	}
	if len(affectedTables) > 0 {
		query += fmt.Sprintf(" AND affected_tables && $%d", argN)
		args = append(args, affectedTables)
		argN++
	}
	query += fmt.Sprintf(" ORDER BY occurrence_count DESC, last_seen DESC LIMIT $%d", argN)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get error patterns: %w", err)
	}
	defer rows.Close()

	var out []*storage.ErrorPattern
	for rows.Next() {
		p := &storage.ErrorPattern{}
		if err := rows.Scan(&p.PatternID, &p.KGID, &p.Category, &p.Description, &p.ExampleError,
			&p.FixApplied, &p.AffectedTables, &p.OccurrenceCount, &p.FirstSeen, &p.LastSeen, &p.IsActive); err != nil {
			return nil, fmt.Errorf("scan error pattern row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// InsertErrorPattern records a new error pattern or, if one with the same
// (kg_id, description) already exists, bumps its occurrence_count and
// refreshes last_seen/example_error. Mirrors
// storage.ErrorPatternRepository.Upsert's ON CONFLICT shape; kept here too
// so callers reading error patterns through this package can also write
// them without taking a second dependency.
func (r *QueryMemoryRepository) InsertErrorPattern(ctx context.Context, p *storage.ErrorPattern) error {
	if p.PatternID == uuid.Nil {
		p.PatternID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO query_error_patterns (pattern_id, kg_id, category, description, example_error,
			fix_applied, affected_tables, occurrence_count, first_seen, last_seen, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, NOW(), NOW(), true)
		ON CONFLICT (kg_id, description) DO UPDATE SET
			occurrence_count = query_error_patterns.occurrence_count + 1,
			last_seen = NOW(),
			example_error = EXCLUDED.example_error,
			fix_applied = EXCLUDED.fix_applied
	`, p.PatternID, p.KGID, p.Category, p.Description, p.ExampleError,
		p.FixApplied, p.AffectedTables)
	if err != nil {
		return fmt.Errorf("insert error pattern: %w", err)
	}
	return nil
}

// UpdateQueryFeedback attaches a user's thumbs-up/down and free-text note
// to a previously logged query, used by the public API's submit_feedback.
func (r *QueryMemoryRepository) UpdateQueryFeedback(ctx context.Context, queryID uuid.UUID, rating *int, feedback *string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE kg_query_log SET feedback_rating = $2, user_feedback = $3 WHERE query_id = $1
	`, queryID, rating, feedback)
	if err != nil {
		return fmt.Errorf("update query feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
