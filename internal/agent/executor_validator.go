package agent

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/spherical-ai/nl2sql-engine/internal/llm"
	"github.com/spherical-ai/nl2sql-engine/internal/memory"
	"github.com/spherical-ai/nl2sql-engine/internal/observability"
	"github.com/spherical-ai/nl2sql-engine/internal/storage"
	"github.com/spherical-ai/nl2sql-engine/internal/targetdb"
)

// executionRowLimit caps how many rows a generated query can return,
// appended to any query that doesn't already carry its own LIMIT.
const executionRowLimit = 10000

// executionTimeoutMs bounds how long the target database will spend on a
// single generated query before Postgres cancels it itself.
const executionTimeoutMs = 30000

// Executor is agent_3: it runs the generated SQL safely against the
// target database, classifies and routes any failure through the error
// router, and records the outcome to long-term query memory either way.
type Executor struct {
	connector *targetdb.Connector
	queryMem  *memory.QueryMemoryRepository
	summaries *memory.ErrorSummaryManager
	router    *ErrorRouter
	capability llm.Capability
	log       *observability.Logger
}

// NewExecutor wires agent_3's dependencies.
func NewExecutor(connector *targetdb.Connector, queryMem *memory.QueryMemoryRepository, summaries *memory.ErrorSummaryManager, router *ErrorRouter, capability llm.Capability, log *observability.Logger) *Executor {
	return &Executor{connector: connector, queryMem: queryMem, summaries: summaries, router: router, capability: capability, log: log}
}

// Process executes state.GeneratedSQL and decides where control goes
// next: straight to completion on success, back to an earlier stage for
// another attempt on a recoverable failure, or to completion anyway once
// retries are exhausted.
func (a *Executor) Process(ctx context.Context, state *State) {
	log := a.log.WithKG(state.KGID.String()).WithQuery(state.UserQuery)
	log.Info().Int("retry_count", state.RetryCount).Msg("executor starting")
	start := time.Now()

	result, err := a.executeSafely(ctx, state.GeneratedSQL)
	state.ExecutionTimeMs = time.Since(start).Milliseconds()

	if err == nil {
		state.ExecutionResult = result
		state.ExecutionSuccess = true
		state.RouteToAgent = StageComplete
		a.storeQueryLog(ctx, state, true, "")
		log.Info().Dur("duration", time.Since(start)).Int("rows", result.RowCount).Msg("executor succeeded")
		return
	}

	state.ExecutionSuccess = false
	state.ErrorMessage = err.Error()

	classification := a.router.ClassifyError(ctx, err.Error(), state.GeneratedSQL, state.TableContexts)
	state.ErrorCategory = storage.ErrorCategory(classification.Category)

	if state.ExhaustedRetries() {
		state.RouteToAgent = StageComplete
		a.storeQueryLog(ctx, state, false, "max retries exceeded")
		a.storeErrorPattern(ctx, state, classification)
		log.Warn().Msg("executor exhausted retries, routing to complete")
		return
	}

	routing := a.router.RouteError(ctx, classification, state)
	state.CorrectionSummary = routing.Reasoning
	state.RouteToAgent = routing.RouteTo
	if routing.RouteTo != StageComplete {
		state.RetryCount++
	}
	state.ErrorHistory = append(state.ErrorHistory, ErrorEvent{
		RetryCount:    state.RetryCount,
		Stage:         StageExecutor,
		ErrorMessage:  err.Error(),
		ErrorCategory: state.ErrorCategory,
		RoutedTo:      routing.RouteTo,
		Timestamp:     time.Now(),
	})
	a.storeErrorPattern(ctx, state, classification)
	log.Warn().Str("route_to", string(routing.RouteTo)).Str("priority_action", routing.PriorityAction).Msg("executor failed, routing for retry")

	if routing.RouteTo == StageComplete {
		a.storeQueryLog(ctx, state, false, routing.Reasoning)
	}
}

// executeSafely runs sql against the target database with the same
// guardrails the original executor applied: a hard row limit when the
// query doesn't specify its own, a statement timeout, and no trailing
// semicolon carried into the driver call.
func (a *Executor) executeSafely(ctx context.Context, query string) (*ExecutionResult, error) {
	q := strings.TrimRight(strings.TrimSpace(query), ";")
	if q == "" {
		return nil, fmt.Errorf("empty sql query")
	}
	if !strings.Contains(strings.ToUpper(q), "LIMIT") {
		q = fmt.Sprintf("%s LIMIT %d", q, executionRowLimit)
	}

	timeout := a.connector.QueryTimeout()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := a.connector.DB().Conn(execCtx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(execCtx, fmt.Sprintf("SET statement_timeout = %d", executionTimeoutMs)); err != nil {
		return nil, fmt.Errorf("set statement timeout: %w", err)
	}

	rows, err := conn.QueryContext(execCtx, q)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

func scanRows(rows *sql.Rows) (*ExecutionResult, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	result := &ExecutionResult{Columns: columns, Rows: make([]map[string]any, 0)}
	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(pointers...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = normalizeScanValue(values[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	result.RowCount = len(result.Rows)
	return result, nil
}

// normalizeScanValue turns driver byte-slice values (how lib/pq hands
// back text and numeric types under Scan into an any) into plain Go
// strings, so results serialize to JSON as expected.
func normalizeScanValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// storeQueryLog persists the outcome of this attempt to long-term query
// memory, used both for future few-shot retrieval and for the feedback
// loop that seeds lessons into the error summary.
func (a *Executor) storeQueryLog(ctx context.Context, state *State, success bool, correctionSummary string) {
	if a.queryMem == nil {
		return
	}

	entry := memory.QueryLogEntry{
		KGID:           state.KGID,
		UserQuestion:   state.UserQuery,
		SelectedTables: state.SelectedTables,
		GeneratedSQL:   state.GeneratedSQL,
		Success:        success,
		TablesUsed:     state.FinalTables,
		Iterations:     state.RetryCount,
	}
	if state.RefinedQuery != "" {
		q := state.RefinedQuery
		entry.RefinedQuestion = &q
	}
	if ms := state.ExecutionTimeMs; ms > 0 {
		entry.ExecutionTimeMs = &ms
	}
	if state.SchemaRetrievalTimeMs > 0 {
		entry.SchemaRetrievalMs = &state.SchemaRetrievalTimeMs
	}
	if state.SQLGenerationTimeMs > 0 {
		entry.SQLGenerationMs = &state.SQLGenerationTimeMs
	}
	if state.ConfidenceScore > 0 {
		entry.Confidence = &state.ConfidenceScore
	}
	if !success {
		msg := state.ErrorMessage
		entry.ErrorMessage = &msg
		cat := state.ErrorCategory
		entry.ErrorCategory = &cat
	}
	if correctionSummary != "" {
		entry.CorrectionSummary = &correctionSummary
	}

	if vectors, err := a.capability.Embed(ctx, []string{state.UserQuery}); err == nil && len(vectors) > 0 {
		entry.QueryEmbedding = vectors[0]
	}

	if _, err := a.queryMem.InsertQueryLog(ctx, entry); err != nil {
		a.log.Warn().Err(err).Msg("failed to persist query log entry")
	}
}

// storeErrorPattern records (or bumps the occurrence count of) this
// failure so future runs can recognize a recurring pattern even before
// an error-summary lesson has been written for it. This is called on
// every failed attempt, not just the terminal one, matching the
// original's behavior of tracking patterns across retries.
func (a *Executor) storeErrorPattern(ctx context.Context, state *State, classification ErrorClassification) {
	if a.queryMem == nil {
		return
	}
	example := state.ErrorMessage
	pattern := &storage.ErrorPattern{
		KGID:           state.KGID,
		Category:       storage.ErrorCategory(classification.Category),
		Description:    classification.SubCategory,
		ExampleError:   &example,
		FixApplied:     state.CorrectionSummary,
		AffectedTables: state.FinalTables,
	}
	if err := a.queryMem.InsertErrorPattern(ctx, pattern); err != nil {
		a.log.Warn().Err(err).Msg("failed to persist error pattern")
	}
}
