package agent

import (
	"context"
	"time"

	"github.com/spherical-ai/nl2sql-engine/internal/observability"
)

// Workflow drives one question through the schema selector, SQL
// generator, and executor in sequence, looping back to an earlier stage
// whenever the executor's error router asks for a retry. The only
// conditional edge in the graph is the one out of the executor; every
// other transition is fixed.
type Workflow struct {
	schemaSelector *SchemaSelector
	sqlGenerator   *SQLGenerator
	executor       *Executor
	log            *observability.Logger
}

// NewWorkflow wires the three pipeline stages into a single driver.
func NewWorkflow(schemaSelector *SchemaSelector, sqlGenerator *SQLGenerator, executor *Executor, log *observability.Logger) *Workflow {
	return &Workflow{schemaSelector: schemaSelector, sqlGenerator: sqlGenerator, executor: executor, log: log}
}

// Execute runs the pipeline to completion: either the executor succeeds,
// the executor exhausts its retries, or a stage fails internally and
// routes straight to completion. It never loops more than MaxRetries
// times past the initial attempt.
func (w *Workflow) Execute(ctx context.Context, state *State) *FinalResult {
	log := w.log.WithKG(state.KGID.String()).WithQuery(state.UserQuery)
	start := time.Now()

	stage := state.RouteToAgent
	for {
		switch stage {
		case StageSchemaSelector:
			w.schemaSelector.Process(ctx, state)
		case StageSQLGenerator:
			w.sqlGenerator.Process(ctx, state)
		case StageExecutor:
			w.executor.Process(ctx, state)
		case StageComplete:
			state.TotalTimeMs = time.Since(start).Milliseconds()
			state.FinalResult = buildFinalResult(state)
			log.Info().
				Bool("execution_success", state.ExecutionSuccess).
				Int("retry_count", state.RetryCount).
				Dur("total_time", time.Since(start)).
				Str("final_route", string(state.RouteToAgent)).
				Msg("workflow complete")
			return state.FinalResult
		default:
			state.RouteToAgent = StageComplete
		}
		stage = state.RouteToAgent
	}
}

// buildFinalResult turns the terminal state into the caller-facing
// answer shape, carrying over the execution result on success or the
// last recorded error on failure.
func buildFinalResult(state *State) *FinalResult {
	result := &FinalResult{
		Success:     state.ExecutionSuccess,
		SQL:         state.GeneratedSQL,
		Explanation: state.SQLExplanation,
		TablesUsed:  state.FinalTables,
		Confidence:  state.ConfidenceScore,
		RetryCount:  state.RetryCount,
	}
	if state.ExecutionSuccess {
		result.Result = state.ExecutionResult
	} else {
		result.ErrorMessage = lastErrorMessage(state)
	}
	return result
}

func lastErrorMessage(state *State) string {
	if state.ErrorMessage != "" {
		return state.ErrorMessage
	}
	if n := len(state.ErrorHistory); n > 0 {
		return state.ErrorHistory[n-1].ErrorMessage
	}
	return "query processing failed"
}
