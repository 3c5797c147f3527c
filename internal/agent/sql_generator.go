package agent

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/nl2sql-engine/internal/llm"
	"github.com/spherical-ai/nl2sql-engine/internal/memory"
	"github.com/spherical-ai/nl2sql-engine/internal/observability"
	"github.com/spherical-ai/nl2sql-engine/internal/storage"
)

const similarQueryLimit = 5

// sqlGenerationOutput is the LLM's structured answer for a SQL generation
// or self-correction call.
type sqlGenerationOutput struct {
	Reasoning   string  `json:"reasoning"`
	SQLQuery    string  `json:"sql_query"`
	Explanation string  `json:"explanation"`
	Confidence  float64 `json:"confidence"`
}

// SQLGenerator is agent_2: it turns the schema selector's table set into a
// validated SQL query, consulting past successful queries and learned
// lessons before asking the model to write anything.
type SQLGenerator struct {
	capability llm.Capability
	queryMem   *memory.QueryMemoryRepository
	summaries  *memory.ErrorSummaryManager
	log        *observability.Logger
}

// NewSQLGenerator wires agent_2's dependencies.
func NewSQLGenerator(capability llm.Capability, queryMem *memory.QueryMemoryRepository, summaries *memory.ErrorSummaryManager, log *observability.Logger) *SQLGenerator {
	return &SQLGenerator{capability: capability, queryMem: queryMem, summaries: summaries, log: log}
}

// Process runs SQL generation: retrieve similar past queries, load SQL
// lessons, generate SQL with the model, validate its syntax, and attempt
// one self-correction pass if validation fails. Regardless of whether the
// self-correction itself validates clean, the pipeline always advances to
// the executor next: a query that still doesn't parse is still worth
// trying against the database, since the validator's checks are
// conservative and can false-positive on legal SQL.
func (a *SQLGenerator) Process(ctx context.Context, state *State) {
	log := a.log.WithKG(state.KGID.String()).WithQuery(state.UserQuery)
	log.Info().Int("retry_count", state.RetryCount).Msg("sql generator starting")
	start := time.Now()

	query := state.UserQuery
	if state.RefinedQuery != "" {
		query = state.RefinedQuery
	}

	state.SimilarPastQueries = a.loadSimilarQueries(ctx, state.KGID, query, log)

	sqlLessons := ""
	if a.summaries != nil {
		if s, err := a.summaries.GetSummary(ctx, state.KGID); err == nil {
			sqlLessons = s.SQLLessons
		}
	}

	schemaText := formatTableSchemas(state.TableContexts)
	examplesText := formatExamplesForPrompt(state.SimilarPastQueries)

	out, err := a.generateSQL(ctx, query, schemaText, examplesText, sqlLessons, state.CorrectionSummary)
	if err != nil {
		a.fail(state, fmt.Sprintf("sql generation failed: %v", err))
		return
	}

	state.GeneratedSQL = stripSQLFences(out.SQLQuery)
	state.SQLExplanation = out.Explanation
	state.GenerationReasoning = out.Reasoning
	state.ConfidenceScore = out.Confidence

	tableNames := make([]string, 0, len(state.TableContexts))
	for name := range state.TableContexts {
		tableNames = append(tableNames, name)
	}

	validation := validateSQL(state.GeneratedSQL, tableNames)
	if !validation.IsValid {
		log.Warn().Strs("errors", validation.Errors).Msg("generated sql failed validation, attempting self-correction")
		corrected, err := a.selfCorrect(ctx, query, schemaText, state.GeneratedSQL, validation.Errors)
		if err == nil && corrected.SQLQuery != "" {
			state.GeneratedSQL = stripSQLFences(corrected.SQLQuery)
			state.SQLExplanation = corrected.Explanation
			state.GenerationReasoning = corrected.Reasoning
			state.ConfidenceScore = corrected.Confidence
		} else {
			state.RecordError(StageSQLGenerator, fmt.Sprintf("sql validation failed: %s", strings.Join(validation.Errors, "; ")), storage.ErrorCategorySQLSyntax, StageExecutor)
		}
	}

	state.SQLGenerationTimeMs = time.Since(start).Milliseconds()
	state.RouteToAgent = StageExecutor
	log.Info().Dur("duration", time.Since(start)).Msg("sql generator complete")
}

func (a *SQLGenerator) loadSimilarQueries(ctx context.Context, kgID uuid.UUID, query string, log *observability.Logger) []SimilarQuery {
	if a.queryMem == nil {
		return nil
	}

	vectors, err := a.capability.Embed(ctx, []string{query})
	if err != nil || len(vectors) == 0 {
		log.Warn().Err(err).Msg("failed to embed query for similar-query lookup")
		return nil
	}

	rows, err := a.queryMem.SearchSimilarQueries(ctx, kgID, vectors[0], similarQueryLimit, true)
	if err != nil {
		log.Warn().Err(err).Msg("similar query lookup failed")
		return nil
	}

	out := make([]SimilarQuery, 0, len(rows))
	for _, r := range rows {
		out = append(out, SimilarQuery{
			UserQuestion: r.UserQuestion,
			GeneratedSQL: r.GeneratedSQL,
			Success:      r.Success,
			Similarity:   r.Similarity,
		})
	}
	return out
}

func (a *SQLGenerator) fail(state *State, message string) {
	state.RecordError(StageSQLGenerator, message, storage.ErrorCategorySQLLogic, StageComplete)
	a.log.WithKG(state.KGID.String()).Error().Str("error", message).Msg("sql generation failed")
}

func (a *SQLGenerator) generateSQL(ctx context.Context, query, schemaText, examplesText, lessons, correctionSummary string) (*sqlGenerationOutput, error) {
	lessonsSection := ""
	if strings.TrimSpace(lessons) != "" {
		lessonsSection = fmt.Sprintf("\nIMPORTANT - Learned Rules from Past Mistakes:\n%s\n\nApply these rules when generating SQL. These rules were derived from previous errors and their successful fixes.\n", lessons)
	}

	retrySection := ""
	if correctionSummary != "" {
		retrySection = fmt.Sprintf("\nNote: a previous attempt at this query failed for the following reason, take it into account:\n%s\n", correctionSummary)
	}

	prompt := fmt.Sprintf(`You are an expert SQL developer. Generate a PostgreSQL query to answer the user's question.

User Query: "%s"

Database Schema:
%s
%s
%s
Similar Past Queries (for reference):
%s

Instructions:
1. Write a single SELECT query that answers the user's question
2. Use explicit JOINs based on the foreign key relationships shown above
3. IMPORTANT: When a column is a foreign key (e.g. order_items.product_id referencing products.product_id), JOIN to the referenced table and select a human-readable column (e.g. products.name AS product_name) instead of just returning the raw id
4. Use meaningful column aliases for computed or joined columns
5. Do not end the query with a semicolon
6. Do not wrap the query in markdown code fences
7. Return only a single SQL statement

Think step by step about which tables and columns are needed, then write the query.`,
		query, schemaText, lessonsSection, retrySection, examplesText)

	var out sqlGenerationOutput
	err := a.capability.CompleteStructured(ctx, []llm.Message{
		{Role: "system", Content: "You are an expert PostgreSQL developer. Generate correct, efficient SQL queries with proper JOINs." + lessonsSection},
		{Role: "user", Content: prompt},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (a *SQLGenerator) selfCorrect(ctx context.Context, query, schemaText, badSQL string, validationErrors []string) (*sqlGenerationOutput, error) {
	prompt := fmt.Sprintf(`The following SQL query failed validation:

Query:
%s

Validation Errors:
%s

Original User Query: "%s"

Database Schema:
%s

Please fix the SQL query to resolve the validation errors above. Keep the query's intent the same, do not end it with a semicolon, and do not wrap it in markdown code fences.`,
		badSQL, strings.Join(validationErrors, "\n"), query, schemaText)

	var out sqlGenerationOutput
	err := a.capability.CompleteStructured(ctx, []llm.Message{
		{Role: "system", Content: "You are an expert PostgreSQL developer fixing a query that failed syntax validation."},
		{Role: "user", Content: prompt},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

var sqlFencePattern = regexp.MustCompile("(?s)```(?:sql)?\\n?(.*?)```")

// stripSQLFences removes markdown code fences the model wrote anyway,
// despite being told not to, and trims the trailing semicolon the
// executor re-adds its own safety measures around.
func stripSQLFences(sql string) string {
	if m := sqlFencePattern.FindStringSubmatch(sql); m != nil {
		sql = m[1]
	}
	sql = strings.TrimSpace(sql)
	sql = strings.TrimSuffix(sql, ";")
	return strings.TrimSpace(sql)
}

// formatTableSchemas renders every selected table's columns and
// relationships into the schema-context block the generation prompt
// embeds, in a stable (sorted) table order so prompts are reproducible.
func formatTableSchemas(contexts map[string]*TableContext) string {
	names := make([]string, 0, len(contexts))
	for name := range contexts {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		tc := contexts[name]
		fmt.Fprintf(&b, "Table: %s\n", tc.Table.QualifiedName)
		if tc.Table.Description != nil && *tc.Table.Description != "" {
			fmt.Fprintf(&b, "  Description: %s\n", *tc.Table.Description)
		}
		for _, c := range tc.Columns {
			tags := columnTags(c)
			fmt.Fprintf(&b, "  - %s (%s)%s\n", c.Name, c.DataType, tags)
		}
		for _, r := range tc.Relationships {
			fmt.Fprintf(&b, "  Relationship: %s.%s -> %s.%s (%s)\n", name, r.FromColumn, otherSideTable(contexts, tc, r, name), r.ToColumn, r.Type)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func otherSideTable(contexts map[string]*TableContext, tc *TableContext, r *storage.Relationship, currentName string) string {
	for name, other := range contexts {
		if name == currentName {
			continue
		}
		if other.Table.TableID == r.ToTableID || other.Table.TableID == r.FromTableID {
			return other.Table.Name
		}
	}
	return "?"
}

func columnTags(c *storage.Column) string {
	var tags []string
	if c.IsPK {
		tags = append(tags, "PRIMARY KEY")
	}
	if c.IsFK {
		tags = append(tags, "FOREIGN KEY")
	}
	if !c.Nullable {
		tags = append(tags, "NOT NULL")
	}
	if c.IsPII {
		tags = append(tags, "PII")
	}
	if len(tags) == 0 {
		return ""
	}
	return " [" + strings.Join(tags, ", ") + "]"
}

// formatExamplesForPrompt renders past successful queries as few-shot
// examples, falling back to a plain statement when there's no history yet.
func formatExamplesForPrompt(examples []SimilarQuery) string {
	if len(examples) == 0 {
		return "No similar past queries available."
	}
	var b strings.Builder
	for i, e := range examples {
		fmt.Fprintf(&b, "Example %d (similarity %.2f):\nQuestion: %s\nSQL: %s\n\n", i+1, e.Similarity, e.UserQuestion, e.GeneratedSQL)
	}
	return b.String()
}
