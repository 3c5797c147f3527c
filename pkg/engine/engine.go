// Package engine is the knowledge engine's public API: the single surface
// any driver (CLI, HTTP server, or another Go program) uses to build/load
// knowledge graphs, run natural-language questions through the agent
// pipeline, and record feedback. Everything in internal/ is reachable
// only through this package.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spherical-ai/nl2sql-engine/internal/agent"
	"github.com/spherical-ai/nl2sql-engine/internal/config"
	"github.com/spherical-ai/nl2sql-engine/internal/kg"
	"github.com/spherical-ai/nl2sql-engine/internal/llm"
	"github.com/spherical-ai/nl2sql-engine/internal/memory"
	"github.com/spherical-ai/nl2sql-engine/internal/observability"
	"github.com/spherical-ai/nl2sql-engine/internal/storage"
	"github.com/spherical-ai/nl2sql-engine/internal/targetdb"
	"github.com/spherical-ai/nl2sql-engine/internal/vectorindex"
)

// ProgressStage names where in a long-running operation a ProgressEvent
// was emitted from.
type ProgressStage string

const (
	StageConnecting  ProgressStage = "connecting"
	StageExtracting  ProgressStage = "extracting"
	StageEnriching   ProgressStage = "enriching"
	StageEmbedding   ProgressStage = "embedding"
	StagePersisting  ProgressStage = "persisting"
	StageDone        ProgressStage = "done"
)

// ProgressEvent is handed to a caller-supplied callback during
// ConnectOrBuildKG. Callbacks must not block the engine; a caller that
// wants to do expensive work in response should hand the event off to its
// own goroutine or channel.
type ProgressEvent struct {
	Stage    ProgressStage
	Message  string
	Progress float64
	Details  map[string]interface{}
}

// ProgressFunc receives progress events. A nil ProgressFunc is valid and
// simply means the caller isn't interested in progress.
type ProgressFunc func(ProgressEvent)

// ConnectionParams identifies the target database to build or load a
// knowledge graph from.
type ConnectionParams struct {
	Host                string
	Port                int
	Database            string
	User                string
	Password            string
	SchemaName          string
	GenerateDescriptions bool
	GenerateEmbeddings   bool
}

// KGLoadResult is returned by ConnectOrBuildKG and LoadKG.
type KGLoadResult struct {
	KGID        uuid.UUID
	Status      storage.KGStatus
	TableCount  int
	WasExisting bool
}

// KGListItem is one row of ListKGs.
type KGListItem struct {
	KGID              uuid.UUID
	SourceFingerprint string
	Status            storage.KGStatus
	Version           int
	CreatedAt         time.Time
	LastUpdated       time.Time
}

// QueryResult is returned by ProcessQuery. On failure, Error and
// ErrorCategory describe what went wrong, and Metadata still carries
// whatever timing/selection information the pipeline accumulated before
// giving up.
type QueryResult struct {
	Success             bool
	SQL                 string
	Explanation         string
	Columns             []string
	Rows                []map[string]any
	RowCount            int
	Error               string
	ErrorCategory       string
	NeedsClarification  bool
	ClarificationPrompt *agent.ClarificationRequest
	Metadata            QueryMetadata
}

// QueryMetadata is the diagnostic trailer attached to every QueryResult.
type QueryMetadata struct {
	TablesSelected []string
	Iterations     int
	ErrorHistory   []agent.ErrorEvent
	TotalTimeMs    int64
}

// FeedbackResult is returned by SubmitFeedback.
type FeedbackResult struct {
	Accepted     bool
	LessonAdded  bool
}

// Engine bundles the storage, KG, and agent-pipeline dependencies behind
// the five public operations. Construct one with New and keep it for the
// life of the process; it owns pooled connections.
type Engine struct {
	cfg        *config.Config
	repos      *storage.Repositories
	kgManager  *kg.Manager
	builder    *kg.Builder
	queryMem   *memory.QueryMemoryRepository
	summaries  *memory.ErrorSummaryManager
	capability llm.Capability
	index      vectorindex.Adapter
	router     *agent.ErrorRouter
	log        *observability.Logger

	connMu     sync.Mutex
	connectors map[uuid.UUID]*targetdb.Connector
}

// Deps carries every dependency New needs, already constructed by the
// caller's wiring code (cmd/orchestrator or cmd/knowledge-engine-api's
// main). Engine itself never opens the KG store's pool or reads
// configuration files: that belongs to whichever binary embeds it. It does
// open target-database connections, in ConnectOrBuildKG.
type Deps struct {
	Config     *config.Config
	Repos      *storage.Repositories
	KGManager  *kg.Manager
	Builder    *kg.Builder
	QueryMem   *memory.QueryMemoryRepository
	Summaries  *memory.ErrorSummaryManager
	Capability llm.Capability
	Index      vectorindex.Adapter
	Log        *observability.Logger
}

// New assembles an Engine from already-wired dependencies.
func New(d Deps) *Engine {
	return &Engine{
		cfg:        d.Config,
		repos:      d.Repos,
		kgManager:  d.KGManager,
		builder:    d.Builder,
		queryMem:   d.QueryMem,
		summaries:  d.Summaries,
		capability: d.Capability,
		index:      d.Index,
		router:     agent.NewErrorRouter(d.Capability, d.Log),
		log:        d.Log,
		connectors: make(map[uuid.UUID]*targetdb.Connector),
	}
}

// Close releases every target-database connection the engine is holding
// on behalf of a loaded knowledge graph.
func (e *Engine) Close() {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	for _, c := range e.connectors {
		c.Close()
	}
	e.connectors = make(map[uuid.UUID]*targetdb.Connector)
}

// ConnectOrBuildKG connects to the target database identified by params
// and either loads the existing knowledge graph for its fingerprint or
// builds a new one. Idempotent by (host, port, database): two calls with
// the same connection identity return the same kg_id without duplicating
// rows.
func (e *Engine) ConnectOrBuildKG(ctx context.Context, params ConnectionParams, progress ProgressFunc) (*KGLoadResult, error) {
	emit(progress, StageConnecting, "connecting to target database", 0.0, nil)

	conn, err := targetdb.Connect(ctx, targetdb.Config{
		DSN:               targetDSN(params),
		QueryTimeout:      e.configuredQueryTimeout(),
		SampleValuesLimit: e.configuredSampleLimit(),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to target database: %w", err)
	}

	existing, err := e.repos.KGs.GetByFingerprint(ctx, conn.Fingerprint())
	if err == nil && existing != nil {
		emit(progress, StageDone, "knowledge graph already built", 1.0, map[string]interface{}{"kg_id": existing.KGID.String()})
		graph, err := e.kgManager.LoadKG(ctx, existing.KGID)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("load existing knowledge graph: %w", err)
		}
		e.registerConnector(existing.KGID, conn)
		return &KGLoadResult{KGID: existing.KGID, Status: existing.Status, TableCount: graph.TableCount(), WasExisting: true}, nil
	}

	emit(progress, StageExtracting, "extracting schema from target database", 0.1, nil)
	graph, err := e.builder.Build(ctx, conn, kg.BuildOptions{
		SchemaName:           params.SchemaName,
		GenerateDescriptions: params.GenerateDescriptions,
		GenerateEmbeddings:   params.GenerateEmbeddings,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("build knowledge graph: %w", err)
	}
	emit(progress, StageDone, "knowledge graph built", 1.0, map[string]interface{}{"tables": graph.TableCount()})

	row, err := e.repos.KGs.GetByFingerprint(ctx, conn.Fingerprint())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("load built knowledge graph row: %w", err)
	}
	e.registerConnector(row.KGID, conn)
	return &KGLoadResult{KGID: row.KGID, Status: row.Status, TableCount: graph.TableCount(), WasExisting: false}, nil
}

// registerConnector retains conn as the live target-database connection
// for kgID, closing out any previous connector that was registered for
// the same id (a re-connect with fresh credentials supersedes the old
// one rather than leaking it).
func (e *Engine) registerConnector(kgID uuid.UUID, conn *targetdb.Connector) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if old, ok := e.connectors[kgID]; ok && old != conn {
		old.Close()
	}
	e.connectors[kgID] = conn
}

// ListKGs returns every knowledge graph the store knows about.
func (e *Engine) ListKGs(ctx context.Context) ([]KGListItem, error) {
	rows, err := e.kgManager.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list knowledge graphs: %w", err)
	}
	out := make([]KGListItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, KGListItem{
			KGID:              r.KGID,
			SourceFingerprint: r.SourceFingerprint,
			Status:            r.Status,
			Version:           r.Version,
			CreatedAt:         r.CreatedAt,
			LastUpdated:       r.LastUpdated,
		})
	}
	return out, nil
}

// LoadKG loads (or re-loads from cache) the knowledge graph identified by
// kgID, rehydrating its vector index if it was purged since the last
// load.
func (e *Engine) LoadKG(ctx context.Context, kgID uuid.UUID) (*KGLoadResult, error) {
	graph, err := e.kgManager.LoadKG(ctx, kgID)
	if err != nil {
		return nil, fmt.Errorf("load knowledge graph: %w", err)
	}
	return &KGLoadResult{KGID: kgID, Status: storage.KGStatusReady, TableCount: graph.TableCount(), WasExisting: true}, nil
}

// ProcessQuery runs a natural-language question through the three-stage
// agent pipeline against the given knowledge graph and returns either the
// executed result or the terminal failure.
func (e *Engine) ProcessQuery(ctx context.Context, kgID uuid.UUID, userQuery string, clarifications map[string]string) (*QueryResult, error) {
	conn, err := e.targetConnectorFor(kgID)
	if err != nil {
		return nil, fmt.Errorf("target database for kg %s: %w", kgID, err)
	}

	state := agent.NewState(kgID, userQuery)
	if e.cfg != nil {
		state.MaxRetries = e.cfg.Agent.MaxRetries
	}
	if clarifications != nil {
		state.ClarificationsGiven = clarifications
	}

	schemaSelector := agent.NewSchemaSelector(e.kgManager, e.index, e.capability, e.summaries, e.log)
	sqlGenerator := agent.NewSQLGenerator(e.capability, e.queryMem, e.summaries, e.log)
	executor := agent.NewExecutor(conn, e.queryMem, e.summaries, e.router, e.capability, e.log)
	workflow := agent.NewWorkflow(schemaSelector, sqlGenerator, executor, e.log)

	final := workflow.Execute(ctx, state)
	return toQueryResult(state, final), nil
}

// SubmitFeedback records a user's rating/free-text note on a previously
// executed query and, for negative feedback, extracts a lesson into the
// knowledge graph's error summary.
func (e *Engine) SubmitFeedback(ctx context.Context, kgID, queryLogID uuid.UUID, feedbackText string, rating *int) (*FeedbackResult, error) {
	if err := e.queryMem.UpdateQueryFeedback(ctx, queryLogID, rating, &feedbackText); err != nil {
		return nil, fmt.Errorf("update query feedback: %w", err)
	}

	lessonAdded, err := e.summaries.AddLessonFromFeedback(ctx, kgID, memory.FeedbackContext{}, feedbackText, rating, nil)
	if err != nil {
		e.log.WithKG(kgID.String()).Warn().Err(err).Msg("failed to extract lesson from feedback")
		return &FeedbackResult{Accepted: true, LessonAdded: false}, nil
	}
	return &FeedbackResult{Accepted: true, LessonAdded: lessonAdded}, nil
}

func toQueryResult(state *agent.State, final *agent.FinalResult) *QueryResult {
	result := &QueryResult{
		Success:     final.Success,
		SQL:         final.SQL,
		Explanation: final.Explanation,
		Error:       final.ErrorMessage,
		Metadata: QueryMetadata{
			TablesSelected: final.TablesUsed,
			Iterations:     final.RetryCount,
			ErrorHistory:   state.ErrorHistory,
			TotalTimeMs:    state.TotalTimeMs,
		},
	}
	if state.ErrorCategory != "" {
		result.ErrorCategory = string(state.ErrorCategory)
	}
	if final.Result != nil {
		result.Columns = final.Result.Columns
		result.Rows = final.Result.Rows
		result.RowCount = final.Result.RowCount
	}
	return result
}

func emit(progress ProgressFunc, stage ProgressStage, message string, pct float64, details map[string]interface{}) {
	if progress == nil {
		return
	}
	progress(ProgressEvent{Stage: stage, Message: message, Progress: pct, Details: details})
}

func targetDSN(p ConnectionParams) string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=prefer",
		p.Host, p.Port, p.Database, p.User, p.Password)
}

func (e *Engine) configuredQueryTimeout() time.Duration {
	if e.cfg != nil && e.cfg.TargetDB.QueryTimeout > 0 {
		return e.cfg.TargetDB.QueryTimeout
	}
	return 30 * time.Second
}

func (e *Engine) configuredSampleLimit() int {
	if e.cfg != nil && e.cfg.TargetDB.SampleValuesLimit > 0 {
		return e.cfg.TargetDB.SampleValuesLimit
	}
	return 5
}

// targetConnectorFor returns the live target-database connector
// registered for kgID by a prior ConnectOrBuildKG call. The engine never
// persists target-database credentials (only the connection fingerprint
// is stored, by design — see the external-interface safety envelope), so
// a process that wants to run queries against a KG after restarting must
// call ConnectOrBuildKG again before ProcessQuery; LoadKG alone only
// rehydrates the in-memory graph and vector index; it cannot revive a
// target-database connection with no credentials to do so. The returned
// *targetdb.Connector wraps a pooled *sql.DB, so concurrent ProcessQuery
// calls sharing it each still get their own *sql.Conn per execution
// rather than contending on a single cursor.
func (e *Engine) targetConnectorFor(kgID uuid.UUID) (*targetdb.Connector, error) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	conn, ok := e.connectors[kgID]
	if !ok {
		return nil, fmt.Errorf("no active target database connection for kg %s; call ConnectOrBuildKG first", kgID)
	}
	return conn, nil
}
