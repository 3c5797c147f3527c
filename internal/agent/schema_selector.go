package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spherical-ai/nl2sql-engine/internal/kg"
	"github.com/spherical-ai/nl2sql-engine/internal/llm"
	"github.com/spherical-ai/nl2sql-engine/internal/memory"
	"github.com/spherical-ai/nl2sql-engine/internal/observability"
	"github.com/spherical-ai/nl2sql-engine/internal/storage"
	"github.com/spherical-ai/nl2sql-engine/internal/vectorindex"
)

const maxSelectedTables = 5

// tableSelection is the LLM's structured verdict on which candidate
// tables are actually needed to answer the question.
type tableSelection struct {
	Reasoning      string   `json:"reasoning"`
	SelectedTables []string `json:"selected_tables"`
	Confidence     float64  `json:"confidence"`
}

// SchemaSelector is agent_1: it turns a question into a minimal, connected
// set of tables and their full KG context, ready for SQL generation.
type SchemaSelector struct {
	kgManager  *kg.Manager
	index      vectorindex.Adapter
	capability llm.Capability
	summaries  *memory.ErrorSummaryManager
	log        *observability.Logger
}

// NewSchemaSelector wires agent_1's dependencies.
func NewSchemaSelector(kgManager *kg.Manager, index vectorindex.Adapter, capability llm.Capability, summaries *memory.ErrorSummaryManager, log *observability.Logger) *SchemaSelector {
	return &SchemaSelector{kgManager: kgManager, index: index, capability: capability, summaries: summaries, log: log}
}

// Process runs schema selection: vector search for candidates, LLM
// filtering down to the tables actually needed, graph-traversal bridging
// to keep the result joinable, and full KG context loading for every
// final table.
func (a *SchemaSelector) Process(ctx context.Context, state *State) {
	log := a.log.WithKG(state.KGID.String()).WithQuery(state.UserQuery)
	log.Info().Int("retry_count", state.RetryCount).Msg("schema selector starting")
	start := time.Now()

	graph, err := a.kgManager.LoadKG(ctx, state.KGID)
	if err != nil {
		a.fail(state, fmt.Sprintf("knowledge graph not found: %v", err))
		return
	}

	query := state.UserQuery
	if state.RefinedQuery != "" {
		query = state.RefinedQuery
	}

	vectors, err := a.capability.Embed(ctx, []string{query})
	if err != nil || len(vectors) == 0 {
		a.fail(state, fmt.Sprintf("failed to embed query: %v", err))
		return
	}

	tableEntity := vectorindex.EntityTypeTable
	results, err := a.index.Search(ctx, vectors[0], 10, vectorindex.Filters{KGID: state.KGID, EntityType: &tableEntity})
	if err != nil {
		a.fail(state, fmt.Sprintf("vector search failed: %v", err))
		return
	}

	state.VectorSearchResults = make([]VectorSearchHit, 0, len(results))
	state.CandidateTables = make([]string, 0, len(results))
	for _, r := range results {
		name, _ := r.Metadata["table_name"].(string)
		if name == "" {
			continue
		}
		state.VectorSearchResults = append(state.VectorSearchResults, VectorSearchHit{
			TableName:  name,
			Similarity: r.Similarity,
			Document:   r.Document,
		})
		state.CandidateTables = append(state.CandidateTables, name)
	}
	if len(state.CandidateTables) == 0 {
		a.fail(state, "no candidate tables found in vector search")
		return
	}

	schemaLessons := ""
	if a.summaries != nil {
		if s, err := a.summaries.GetSummary(ctx, state.KGID); err == nil {
			schemaLessons = s.SchemaLessons
		}
	}

	selection := a.filterTables(ctx, query, state.VectorSearchResults, schemaLessons, log)
	state.SelectedTables = selection.SelectedTables
	state.ConfidenceScore = selection.Confidence
	if len(state.SelectedTables) == 0 {
		a.fail(state, "llm did not select any tables")
		return
	}
	log.Info().Strs("tables", state.SelectedTables).Msg("llm selected tables")

	state.BridgingTables = findBridgingTables(graph, state.SelectedTables)
	state.FinalTables = append(append([]string{}, state.SelectedTables...), state.BridgingTables...)
	log.Info().Strs("final_tables", state.FinalTables).Msg("final table set after bridging")

	state.TableContexts = loadTableContexts(graph, state.FinalTables, log)

	if !validateConnections(graph, state.FinalTables) {
		log.Warn().Msg("not all selected tables are connected via relationships")
	}

	state.SchemaRetrievalTimeMs = time.Since(start).Milliseconds()
	state.RouteToAgent = StageSQLGenerator
	log.Info().Dur("duration", time.Since(start)).Msg("schema selector complete")
}

func (a *SchemaSelector) filterTables(ctx context.Context, query string, candidates []VectorSearchHit, schemaLessons string, log *observability.Logger) tableSelection {
	lessonsSection := ""
	if strings.TrimSpace(schemaLessons) != "" {
		lessonsSection = fmt.Sprintf("\nIMPORTANT - Learned Rules from Past Mistakes:\n%s\n\nApply these rules when selecting tables. These rules were derived from previous errors and their successful fixes.\n", schemaLessons)
	}

	var candidateLines []string
	for i, c := range candidates {
		candidateLines = append(candidateLines, fmt.Sprintf("%d. %s\n   Score: %.3f\n   Context: %s", i+1, c.TableName, c.Similarity, c.Document))
	}

	prompt := fmt.Sprintf(`You are a database expert analyzing which tables are needed to answer a user's question.

User Query: "%s"

Candidate Tables (from vector search):
%s
%s

Your task:
1. Think step-by-step about what data is needed to answer the query
2. Select the MINIMUM set of tables required (ideally 2-%d tables)
3. Consider relationships between tables for JOINs
4. Provide clear reasoning for each selection

Use chain-of-thought reasoning:
Thought 1: What entities are mentioned in the query?
Thought 2: What data do I need to answer this?
Thought 3: Which tables contain this data?
Thought 4: Are there relationships between these tables?
Action: Select the necessary tables

Important:
- Include tables needed for meaningful output (names, descriptions, not just IDs)
- Consider foreign key relationships
- Don't select redundant tables`,
		query, strings.Join(candidateLines, "\n\n"), lessonsSection, maxSelectedTables)

	var out tableSelection
	err := a.capability.CompleteStructured(ctx, []llm.Message{
		{Role: "system", Content: "You are a database expert. Analyze queries and select relevant tables with clear reasoning. CRITICAL RULES - YOU MUST FOLLOW THESE:" + lessonsSection},
		{Role: "user", Content: prompt},
	}, &out)
	if err != nil || len(out.SelectedTables) == 0 {
		log.Warn().Err(err).Msg("llm table filtering failed, falling back to top candidates by score")
		fallback := candidates
		if len(fallback) > maxSelectedTables {
			fallback = fallback[:maxSelectedTables]
		}
		names := make([]string, len(fallback))
		for i, c := range fallback {
			names[i] = c.TableName
		}
		return tableSelection{
			SelectedTables: names,
			Reasoning:      fmt.Sprintf("LLM filtering failed, using top %d by similarity score", maxSelectedTables),
			Confidence:     0.5,
		}
	}
	return out
}

// loadTableContexts resolves the full KG detail (columns, relationships)
// for each final table, skipping any name the graph doesn't recognize
// (e.g. a stale embedding left over from a prior schema version).
func loadTableContexts(g *kg.Graph, tableNames []string, log *observability.Logger) map[string]*TableContext {
	out := make(map[string]*TableContext, len(tableNames))
	for _, name := range tableNames {
		table := g.Table(name)
		if table == nil {
			log.Warn().Str("table", name).Msg("table not found in knowledge graph")
			continue
		}
		out[name] = &TableContext{
			Table:         table,
			Columns:       g.Columns(table.TableID),
			Relationships: g.RelationshipsForTable(name),
		}
	}
	return out
}

func (a *SchemaSelector) fail(state *State, message string) {
	state.RecordError(StageSchemaSelector, message, storage.ErrorCategorySchema, StageComplete)
	a.log.WithKG(state.KGID.String()).Error().Str("error", message).Msg("schema selection failed")
}
