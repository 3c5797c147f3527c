package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/lib/pq"

	"github.com/spherical-ai/nl2sql-engine/internal/cache"
	"github.com/spherical-ai/nl2sql-engine/internal/config"
	"github.com/spherical-ai/nl2sql-engine/internal/kg"
	"github.com/spherical-ai/nl2sql-engine/internal/llm"
	"github.com/spherical-ai/nl2sql-engine/internal/memory"
	"github.com/spherical-ai/nl2sql-engine/internal/observability"
	"github.com/spherical-ai/nl2sql-engine/internal/storage"
	"github.com/spherical-ai/nl2sql-engine/internal/storage/migrations"
	"github.com/spherical-ai/nl2sql-engine/internal/vectorindex"
	"github.com/spherical-ai/nl2sql-engine/pkg/engine"
)

// startPostgres starts a bare pgvector-enabled Postgres container and
// returns its DSN, for use as either the KG store or a target database to
// introspect.
func startPostgres(t *testing.T, dbName string) string {
	t.Helper()
	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"pgvector/pgvector:pg17",
		postgres.WithDatabase(dbName),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://test:test@%s:%s/%s?sslmode=disable", host, port.Port(), dbName)
}

// testServer wires a real router on top of a fully-constructed Engine: one
// Postgres container backs the KG store (with migrations applied), a
// second backs the "target" database the handlers introspect via
// connect_or_build_kg. The LLM capability is a MockCapability, never
// exercised here since description/embedding generation is left off.
type testServer struct {
	router http.Handler
	target struct {
		host, user, password, dbname string
		port                         int
	}
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	kgStoreDSN := startPostgres(t, "nl2sql_engine_test")
	require.NoError(t, migrations.Run(kgStoreDSN))

	ctx := context.Background()
	db, err := sql.Open("postgres", kgStoreDSN)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pool, err := pgxpool.New(ctx, kgStoreDSN)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	repos := storage.NewRepositories(db)
	embedStore := vectorindex.NewEmbeddingStore(pool)
	index := vectorindex.NewFAISSAdapter()
	capability := llm.NewMockCapability()

	kgManager, err := kg.NewManager(repos, embedStore, index, 0, observability.DefaultLogger())
	require.NoError(t, err)
	builder := kg.NewBuilder(repos, embedStore, index, capability, config.BuildConfig{}, config.LLMConfig{}, observability.DefaultLogger())
	queryMem := memory.NewQueryMemoryRepository(pool)
	summaries := memory.NewErrorSummaryManager(repos.ErrorSummary, capability, cache.NewMemoryClient(0), time.Minute, observability.DefaultLogger())

	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = false

	eng := engine.New(engine.Deps{
		Config:     cfg,
		Repos:      repos,
		KGManager:  kgManager,
		Builder:    builder,
		QueryMem:   queryMem,
		Summaries:  summaries,
		Capability: capability,
		Index:      index,
		Log:        observability.DefaultLogger(),
	})
	t.Cleanup(eng.Close)

	targetDSN := startTargetDatabase(t)
	ts := &testServer{router: NewRouter(observability.DefaultLogger(), eng, cfg)}
	ts.target.host, ts.target.port, ts.target.user, ts.target.password, ts.target.dbname = parseTargetConnInfo(t, targetDSN)
	return ts
}

// startTargetDatabase starts a second Postgres container, seeded with a
// single real table, standing in for the customer database a knowledge
// graph gets built from.
func startTargetDatabase(t *testing.T) string {
	t.Helper()
	dsn := startPostgres(t, "target_app_db")

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE orders (
			id SERIAL PRIMARY KEY,
			customer_email TEXT NOT NULL,
			total NUMERIC(10,2) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO orders (customer_email, total) VALUES ('a@example.com', 42.50), ('b@example.com', 19.99)`)
	require.NoError(t, err)

	return dsn
}

func parseTargetConnInfo(t *testing.T, dsn string) (host string, port int, user, password, dbname string) {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	return cfg.ConnConfig.Host, int(cfg.ConnConfig.Port), cfg.ConnConfig.User, cfg.ConnConfig.Password, cfg.ConnConfig.Database
}

func (ts *testServer) connectRequestBody() []byte {
	body, _ := json.Marshal(connectRequestDTO{
		Host:     ts.target.host,
		Port:     ts.target.port,
		Database: ts.target.dbname,
		User:     ts.target.user,
		Password: ts.target.password,
	})
	return body
}

type connectRequestDTO struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
}

func TestKGHandler_ConnectListLoad(t *testing.T) {
	ts := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/kgs", bytes.NewReader(ts.connectRequestBody()))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var connectResp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &connectResp))
	require.Equal(t, "ready", connectResp["status"])
	require.EqualValues(t, 1, connectResp["tableCount"])
	require.False(t, connectResp["wasExisting"].(bool))
	kgID := connectResp["kgId"].(string)
	require.NoError(t, uuid.Validate(kgID))

	// Calling Connect again with the same target identity is idempotent.
	req2 := httptest.NewRequest(http.MethodPost, "/api/v1/kgs", bytes.NewReader(ts.connectRequestBody()))
	w2 := httptest.NewRecorder()
	ts.router.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)
	var connectResp2 map[string]any
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &connectResp2))
	require.Equal(t, kgID, connectResp2["kgId"])
	require.True(t, connectResp2["wasExisting"].(bool))

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/kgs", nil)
	listW := httptest.NewRecorder()
	ts.router.ServeHTTP(listW, listReq)
	require.Equal(t, http.StatusOK, listW.Code)
	var listResp []map[string]any
	require.NoError(t, json.Unmarshal(listW.Body.Bytes(), &listResp))
	require.Len(t, listResp, 1)
	require.Equal(t, kgID, listResp[0]["kgId"])

	loadReq := httptest.NewRequest(http.MethodGet, "/api/v1/kgs/"+kgID, nil)
	loadW := httptest.NewRecorder()
	ts.router.ServeHTTP(loadW, loadReq)
	require.Equal(t, http.StatusOK, loadW.Code)
	var loadResp map[string]any
	require.NoError(t, json.Unmarshal(loadW.Body.Bytes(), &loadResp))
	require.Equal(t, kgID, loadResp["kgId"])
	require.EqualValues(t, 1, loadResp["tableCount"])
}

func TestKGHandler_Load_NotFound(t *testing.T) {
	ts := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/kgs/"+uuid.New().String(), nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestKGHandler_Connect_InvalidBody(t *testing.T) {
	ts := setupTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/kgs", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKGHandler_Load_InvalidID(t *testing.T) {
	ts := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/kgs/not-a-uuid", nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueryHandler_Feedback(t *testing.T) {
	ts := setupTestServer(t)

	connectReq := httptest.NewRequest(http.MethodPost, "/api/v1/kgs", bytes.NewReader(ts.connectRequestBody()))
	connectW := httptest.NewRecorder()
	ts.router.ServeHTTP(connectW, connectReq)
	require.Equal(t, http.StatusOK, connectW.Code)
	var connectResp map[string]any
	require.NoError(t, json.Unmarshal(connectW.Body.Bytes(), &connectResp))
	kgID := connectResp["kgId"].(string)

	queryLogID := uuid.New().String()
	feedbackBody, _ := json.Marshal(map[string]any{
		"queryLogId": queryLogID,
		"feedback":   "looks great",
		"rating":     5,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/kgs/"+kgID+"/feedback", bytes.NewReader(feedbackBody))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	// No row exists in kg_query_log for a fabricated queryLogId, so the
	// feedback update itself returns ErrNoRows and the handler surfaces it
	// as a 502, matching Feedback's error-passthrough behavior.
	require.Equal(t, http.StatusBadGateway, w.Code)
}

func TestQueryHandler_Feedback_InvalidQueryLogID(t *testing.T) {
	ts := setupTestServer(t)

	connectReq := httptest.NewRequest(http.MethodPost, "/api/v1/kgs", bytes.NewReader(ts.connectRequestBody()))
	connectW := httptest.NewRecorder()
	ts.router.ServeHTTP(connectW, connectReq)
	var connectResp map[string]any
	require.NoError(t, json.Unmarshal(connectW.Body.Bytes(), &connectResp))
	kgID := connectResp["kgId"].(string)

	feedbackBody, _ := json.Marshal(map[string]any{
		"queryLogId": "not-a-uuid",
		"feedback":   "great",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/kgs/"+kgID+"/feedback", bytes.NewReader(feedbackBody))
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

// TestQueryHandler_Process_HappyPath drives a full question through the
// real three-agent pipeline: vector search for candidate tables, an LLM
// table-selection call, an LLM SQL-generation call, and execution against
// the seeded target database. The mock capability's two canned structured
// payloads are consumed in call order by the schema selector and then the
// SQL generator; nothing else in this path calls CompleteStructured, since
// GenerateDescriptions is left off and the generated query validates clean
// on the first attempt (no self-correction round).
func TestQueryHandler_Process_HappyPath(t *testing.T) {
	ts := setupTestServerWithEmbeddings(t)

	// generateEmbeddings is turned on for this connect call, unlike every
	// other test in this file, so the vector index has something for the
	// schema selector to search.
	connectBody, _ := json.Marshal(map[string]any{
		"host": ts.target.host, "port": ts.target.port, "database": ts.target.dbname,
		"user": ts.target.user, "password": ts.target.password,
		"generateEmbeddings": true,
	})
	connectReq := httptest.NewRequest(http.MethodPost, "/api/v1/kgs", bytes.NewReader(connectBody))
	connectW := httptest.NewRecorder()
	ts.router.ServeHTTP(connectW, connectReq)
	require.Equal(t, http.StatusOK, connectW.Code, connectW.Body.String())
	var connectResp map[string]any
	require.NoError(t, json.Unmarshal(connectW.Body.Bytes(), &connectResp))
	kgID := connectResp["kgId"].(string)

	ts.capability.CannedStructured = []string{
		`{"reasoning": "the question asks about orders", "selected_tables": ["orders"], "confidence": 0.9}`,
		`{"reasoning": "select order fields", "sql_query": "SELECT id, customer_email, total FROM orders", "explanation": "lists all orders", "confidence": 0.9}`,
	}

	queryBody, _ := json.Marshal(map[string]any{"question": "list all orders with their totals"})
	queryReq := httptest.NewRequest(http.MethodPost, "/api/v1/kgs/"+kgID+"/query", bytes.NewReader(queryBody))
	queryW := httptest.NewRecorder()
	ts.router.ServeHTTP(queryW, queryReq)
	require.Equal(t, http.StatusOK, queryW.Code, queryW.Body.String())

	var result map[string]any
	require.NoError(t, json.Unmarshal(queryW.Body.Bytes(), &result))
	require.True(t, result["Success"].(bool), "query: %s", queryW.Body.String())
	require.Equal(t, "SELECT id, customer_email, total FROM orders", result["SQL"])
	require.EqualValues(t, 2, result["RowCount"])
	require.Contains(t, result["Columns"], "customer_email")
}

// setupTestServerWithEmbeddings is identical to setupTestServer except the
// mock capability is given a 768-dimensional embedding, matching the fixed
// vector(768) columns the kg store uses; setupTestServer's tests never
// trigger an embed call, so they're unaffected by the dimension, but the
// full query pipeline embeds both the table during build and the question
// during schema selection, and both must agree with the pgvector schema.
func setupTestServerWithEmbeddings(t *testing.T) *testServerWithCapability {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	kgStoreDSN := startPostgres(t, "nl2sql_engine_test")
	require.NoError(t, migrations.Run(kgStoreDSN))

	ctx := context.Background()
	db, err := sql.Open("postgres", kgStoreDSN)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pool, err := pgxpool.New(ctx, kgStoreDSN)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	repos := storage.NewRepositories(db)
	embedStore := vectorindex.NewEmbeddingStore(pool)
	index := vectorindex.NewFAISSAdapter()
	capability := llm.NewMockCapability()
	capability.Dim = 768

	kgManager, err := kg.NewManager(repos, embedStore, index, 0, observability.DefaultLogger())
	require.NoError(t, err)
	builder := kg.NewBuilder(repos, embedStore, index, capability, config.BuildConfig{}, config.LLMConfig{EmbeddingModel: "mock-embed-v1"}, observability.DefaultLogger())
	queryMem := memory.NewQueryMemoryRepository(pool)
	summaries := memory.NewErrorSummaryManager(repos.ErrorSummary, capability, cache.NewMemoryClient(0), time.Minute, observability.DefaultLogger())

	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = false

	eng := engine.New(engine.Deps{
		Config:     cfg,
		Repos:      repos,
		KGManager:  kgManager,
		Builder:    builder,
		QueryMem:   queryMem,
		Summaries:  summaries,
		Capability: capability,
		Index:      index,
		Log:        observability.DefaultLogger(),
	})
	t.Cleanup(eng.Close)

	targetDSN := startTargetDatabase(t)
	ts := &testServerWithCapability{capability: capability}
	ts.router = NewRouter(observability.DefaultLogger(), eng, cfg)
	ts.target.host, ts.target.port, ts.target.user, ts.target.password, ts.target.dbname = parseTargetConnInfo(t, targetDSN)
	return ts
}

type testServerWithCapability struct {
	testServer
	capability *llm.MockCapability
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "healthy")
}
