// Package agent implements the three-stage deterministic agent pipeline
// that turns a natural-language question into a validated, executed SQL
// query: Schema Selector (agent_1), SQL Generator (agent_2), and
// Executor-Validator (agent_3), driven by a fixed-edge workflow with one
// conditional back-edge for error-driven retries.
package agent

import (
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/nl2sql-engine/internal/storage"
)

// Stage names a node in the workflow graph. route_to_agent and the
// driver's edge table both speak in these values.
type Stage string

const (
	StageSchemaSelector Stage = "agent_1"
	StageSQLGenerator   Stage = "agent_2"
	StageExecutor       Stage = "agent_3"
	StageComplete       Stage = "complete"
)

// ClarificationRequest is the shape of a multiple-choice question that can
// be posed back to the caller when a query is ambiguous. The pipeline never
// produces one itself and never blocks on one; answers a caller already
// has arrive in ClarificationsGiven (the clarifications argument of the
// engine's ProcessQuery) before Execute runs.
type ClarificationRequest struct {
	Question          string   `json:"question"`
	Options           []string `json:"options"`
	DetectedAmbiguity string   `json:"detected_ambiguity"`
}

// TableContext is the full KG detail (columns, relationships) loaded for
// one table once the schema selector has settled on its final table set.
type TableContext struct {
	Table         *storage.Table
	Columns       []*storage.Column
	Relationships []*storage.Relationship
}

// VectorSearchHit mirrors one row of a vector-search result as the agent
// pipeline carries it, independent of the vectorindex package's own
// SearchResult so state.go has no import-time dependency on the index.
type VectorSearchHit struct {
	TableName  string  `json:"table_name"`
	Similarity float32 `json:"similarity"`
	Document   string  `json:"document"`
}

// SimilarQuery is a past question the SQL generator was shown as a
// few-shot example.
type SimilarQuery struct {
	UserQuestion string  `json:"user_question"`
	GeneratedSQL string  `json:"generated_sql"`
	Success      bool    `json:"success"`
	Similarity   float64 `json:"similarity"`
}

// ErrorEvent is one entry in ErrorHistory: a snapshot of what went wrong
// and where the pipeline routed in response, so a later retry (or the
// final result) can explain what was already tried.
type ErrorEvent struct {
	RetryCount    int                   `json:"retry_count"`
	Stage         Stage                 `json:"stage"`
	ErrorMessage  string                `json:"error_message"`
	ErrorCategory storage.ErrorCategory `json:"error_category"`
	RoutedTo      Stage                 `json:"routed_to"`
	Timestamp     time.Time             `json:"timestamp"`
}

// ExecutionResult holds the rows returned by a successful query
// execution, capped by the executor's row limit.
type ExecutionResult struct {
	Columns []string        `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	RowCount int            `json:"row_count"`
}

// FinalResult is what Execute ultimately returns to a caller: either a
// successful answer or an explanation of why the pipeline gave up.
type FinalResult struct {
	Success      bool             `json:"success"`
	SQL          string           `json:"sql,omitempty"`
	Explanation  string           `json:"explanation,omitempty"`
	Result       *ExecutionResult `json:"result,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	TablesUsed   []string         `json:"tables_used"`
	Confidence   float64          `json:"confidence,omitempty"`
	RetryCount   int              `json:"retry_count"`
}

// State is the single mutable record threaded through every stage of the
// pipeline, equivalent to the original's pydantic AgentState: each stage
// reads what it needs from earlier phases and appends its own findings,
// and the workflow driver reads RouteToAgent after every stage to decide
// where control goes next.
type State struct {
	KGID           uuid.UUID
	UserQuery      string
	QueryTimestamp time.Time

	// Query understanding / clarification (optional pre-flight phase).
	DetectedAmbiguities  []string
	ClarificationRequest []ClarificationRequest
	ClarificationsGiven  map[string]string
	RefinedQuery         string
	IntentSummary        string

	// Schema selection (agent_1).
	VectorSearchResults   []VectorSearchHit
	CandidateTables       []string
	SelectedTables        []string
	BridgingTables        []string
	FinalTables           []string
	TableContexts         map[string]*TableContext
	SchemaRetrievalTimeMs int64

	// SQL generation (agent_2).
	SimilarPastQueries  []SimilarQuery
	GeneratedSQL        string
	SQLExplanation      string
	ConfidenceScore     float64
	SQLGenerationTimeMs int64
	GenerationReasoning string

	// Execution & validation (agent_3).
	ExecutionResult   *ExecutionResult
	ExecutionSuccess  bool
	ExecutionTimeMs   int64
	ErrorMessage      string
	ErrorCategory     storage.ErrorCategory
	CorrectionSummary string

	// Retry & error handling.
	RetryCount    int
	MaxRetries    int
	ErrorHistory  []ErrorEvent
	RouteToAgent  Stage

	// Final output.
	FinalResult *FinalResult
	TotalTimeMs int64
}

// NewState starts a fresh pipeline run for one question against one KG.
func NewState(kgID uuid.UUID, userQuery string) *State {
	return &State{
		KGID:                kgID,
		UserQuery:           userQuery,
		QueryTimestamp:      time.Now(),
		ClarificationsGiven: make(map[string]string),
		TableContexts:       make(map[string]*TableContext),
		MaxRetries:          3,
		RouteToAgent:        StageSchemaSelector,
	}
}

// RecordError appends an entry to ErrorHistory and sets where the pipeline
// is about to route, so the final result (success or not) can show the
// full trail of what was attempted.
func (s *State) RecordError(stage Stage, message string, category storage.ErrorCategory, routedTo Stage) {
	s.ErrorHistory = append(s.ErrorHistory, ErrorEvent{
		RetryCount:    s.RetryCount,
		Stage:         stage,
		ErrorMessage:  message,
		ErrorCategory: category,
		RoutedTo:      routedTo,
		Timestamp:     time.Now(),
	})
	s.RouteToAgent = routedTo
}

// ExhaustedRetries reports whether another retry would exceed MaxRetries.
func (s *State) ExhaustedRetries() bool {
	return s.RetryCount >= s.MaxRetries
}
