package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spherical-ai/nl2sql-engine/internal/llm"
	"github.com/spherical-ai/nl2sql-engine/internal/observability"
	"github.com/spherical-ai/nl2sql-engine/internal/storage"
)

// ErrorClassification is the router's verdict on what kind of failure
// just happened, used to decide which stage should handle a retry.
type ErrorClassification struct {
	Category                string  `json:"error_category"`
	SubCategory              string  `json:"sub_category"`
	IsSchemaRelated          bool    `json:"is_schema_related"`
	IsSQLGenerationRelated   bool    `json:"is_sql_generation_related"`
	RequiresTableReselection bool    `json:"requires_table_reselection"`
	RequiresSQLRegeneration  bool    `json:"requires_sql_regeneration"`
	Confidence               float64 `json:"confidence"`
	Reasoning                string  `json:"reasoning"`
}

// ErrorRouting is the router's decision on where to send a failed query
// next.
type ErrorRouting struct {
	RouteTo        Stage   `json:"route_to"`
	Reasoning      string  `json:"reasoning"`
	PriorityAction string  `json:"priority_action"`
	Confidence     float64 `json:"confidence"`
}

// errorRoutingOutput mirrors ErrorRouting but with RouteTo left as a raw
// string, since the model can't be trusted to only ever emit one of the
// three valid stage values.
type errorRoutingOutput struct {
	RouteTo        string  `json:"route_to"`
	Reasoning      string  `json:"reasoning"`
	PriorityAction string  `json:"priority_action"`
	Confidence     float64 `json:"confidence"`
}

// ErrorRouter classifies execution failures and decides which stage
// should retry, using the model to reason over the error message and the
// schema/error history context rather than a fixed rule table.
type ErrorRouter struct {
	capability llm.Capability
	log        *observability.Logger
}

// NewErrorRouter wires the error router's dependencies.
func NewErrorRouter(capability llm.Capability, log *observability.Logger) *ErrorRouter {
	return &ErrorRouter{capability: capability, log: log}
}

// ClassifyError asks the model what category a failed query's error
// belongs to. On any model failure it falls back to a fixed, conservative
// classification rather than blocking the retry loop.
func (r *ErrorRouter) ClassifyError(ctx context.Context, errorMessage, generatedSQL string, tableContexts map[string]*TableContext) ErrorClassification {
	prompt := fmt.Sprintf(`You are analyzing a failed SQL query execution to classify the error.

Error Message: %s

Generated SQL:
%s

Relevant Tables:
%s

Classify this error:
1. error_category: one of schema_error, sql_syntax_error, sql_logic_error, execution_error, system_error, connection_error
2. sub_category: a more specific label for the error
3. is_schema_related: true if the fix requires selecting different/additional tables
4. is_sql_generation_related: true if the fix requires regenerating the SQL
5. requires_table_reselection: true if the schema selector should run again
6. requires_sql_regeneration: true if the SQL generator should run again
7. confidence: your confidence in this classification (0.0-1.0)
8. reasoning: brief explanation of your classification`,
		errorMessage, generatedSQL, formatTablesSummary(tableContexts))

	var out ErrorClassification
	err := r.capability.CompleteStructured(ctx, []llm.Message{
		{Role: "system", Content: "You are an expert at diagnosing SQL and database errors."},
		{Role: "user", Content: prompt},
	}, &out)
	if err != nil {
		r.log.Warn().Err(err).Msg("error classification failed, using fallback classification")
		return ErrorClassification{
			Category:               string(storage.ErrorCategorySQLLogic),
			SubCategory:             "other",
			IsSchemaRelated:         false,
			IsSQLGenerationRelated:  true,
			RequiresSQLRegeneration: true,
			Confidence:              0.3,
			Reasoning:               "Classification failed, defaulting to SQL logic error",
		}
	}
	return out
}

// RouteError decides which stage should retry given the classification
// and the state's error history so far, including whether retries have
// been exhausted.
func (r *ErrorRouter) RouteError(ctx context.Context, classification ErrorClassification, state *State) ErrorRouting {
	if state.ExhaustedRetries() {
		return ErrorRouting{
			RouteTo:        StageComplete,
			Reasoning:      fmt.Sprintf("Max retries (%d) exceeded", state.MaxRetries),
			PriorityAction: "Give up and report the failure",
			Confidence:     1.0,
		}
	}

	prompt := fmt.Sprintf(`You are deciding how to route a failed query for retry.

Error Classification:
- Category: %s / %s
- Schema related: %t
- SQL generation related: %t
- Requires table reselection: %t
- Requires SQL regeneration: %t
- Classification reasoning: %s

Retry count: %d / %d

Error History:
%s

Routing guidelines:
- If the error is schema-related (wrong/missing tables), route to agent_1 to reselect tables
- If the error is SQL-related (syntax, logic, wrong columns), route to agent_2 to regenerate SQL
- If the same category of error has already occurred, consider switching which agent handles it
- If retry_count has reached the maximum, route to complete
- Permission-denied or timeout errors should route to complete, not retry

Decide:
1. route_to: one of agent_1, agent_2, complete
2. reasoning: why you chose this route
3. priority_action: the single most important thing the next agent should do differently
4. confidence: your confidence in this decision (0.0-1.0)`,
		classification.Category, classification.SubCategory,
		classification.IsSchemaRelated, classification.IsSQLGenerationRelated,
		classification.RequiresTableReselection, classification.RequiresSQLRegeneration,
		classification.Reasoning, state.RetryCount, state.MaxRetries,
		formatErrorHistory(state.ErrorHistory))

	var out errorRoutingOutput
	err := r.capability.CompleteStructured(ctx, []llm.Message{
		{Role: "system", Content: "You are an expert at orchestrating multi-agent query retries."},
		{Role: "user", Content: prompt},
	}, &out)
	if err != nil {
		r.log.Warn().Err(err).Msg("error routing failed, defaulting to sql generator retry")
		return ErrorRouting{
			RouteTo:        StageSQLGenerator,
			Reasoning:      "Routing failed, defaulting to SQL Generator for correction",
			PriorityAction: "Regenerate SQL with error context",
			Confidence:     0.3,
		}
	}

	route := Stage(out.RouteTo)
	switch route {
	case StageSchemaSelector, StageSQLGenerator, StageComplete:
	default:
		r.log.Warn().Str("route_to", out.RouteTo).Msg("llm returned invalid route_to value, defaulting to agent_2")
		route = StageSQLGenerator
	}

	return ErrorRouting{
		RouteTo:        route,
		Reasoning:      out.Reasoning,
		PriorityAction: out.PriorityAction,
		Confidence:     out.Confidence,
	}
}

// formatTablesSummary lists the first 15 columns of every table and the
// first 5 relationships, with directional arrows, so the classification
// prompt has enough schema context without becoming unbounded.
func formatTablesSummary(contexts map[string]*TableContext) string {
	if len(contexts) == 0 {
		return "No table context available."
	}

	names := make([]string, 0, len(contexts))
	for name := range contexts {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	relCount := 0
	for _, name := range names {
		tc := contexts[name]
		fmt.Fprintf(&b, "Table: %s\n", name)
		cols := tc.Columns
		if len(cols) > 15 {
			cols = cols[:15]
		}
		for _, c := range cols {
			fmt.Fprintf(&b, "  - %s (%s)%s\n", c.Name, c.DataType, columnTags(c))
		}
		for _, rel := range tc.Relationships {
			if relCount >= 5 {
				break
			}
			if rel.FromTableID == tc.Table.TableID {
				fmt.Fprintf(&b, "  %s --> (%s) via %s\n", name, rel.Type, rel.FromColumn)
			} else {
				fmt.Fprintf(&b, "  %s <-- (%s) via %s\n", name, rel.Type, rel.ToColumn)
			}
			relCount++
		}
	}
	return b.String()
}

// formatErrorHistory renders the state's prior error attempts as a
// numbered list, truncating each message to keep the prompt bounded.
func formatErrorHistory(history []ErrorEvent) string {
	if len(history) == 0 {
		return "No previous errors."
	}
	var b strings.Builder
	for i, e := range history {
		msg := e.ErrorMessage
		if len(msg) > 100 {
			msg = msg[:100]
		}
		fmt.Fprintf(&b, "%d. [%s] %s: %s\n", i+1, e.Stage, e.ErrorCategory, msg)
	}
	return b.String()
}
