package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/koustreak/querygate/internal/arbiter"
	"github.com/koustreak/querygate/internal/connection"
	"github.com/koustreak/querygate/internal/database"
	"github.com/koustreak/querygate/internal/database/sqlite"
	"github.com/koustreak/querygate/internal/errs"
	"github.com/koustreak/querygate/internal/metadata"
	"github.com/koustreak/querygate/internal/nl2sql"
	"github.com/koustreak/querygate/internal/observability"
	"github.com/koustreak/querygate/internal/query"
	"github.com/koustreak/querygate/internal/store"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGenerator struct {
	sql string
	err error
}

func (g *stubGenerator) Generate(_ context.Context, _ *store.Connection, question string) (*nl2sql.Generation, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &nl2sql.Generation{GeneratedSQL: g.sql, Explanation: "for: " + question, Assumptions: []string{}}, nil
}

type fixture struct {
	router  http.Handler
	store   *store.Store
	locks   *arbiter.Registry
	metrics *observability.Metrics
	gen     *stubGenerator
	dbPath  string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	dbPath := filepath.Join(dir, "x.db")
	target, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = target.Exec(`
		CREATE TABLE users (id INTEGER PRIMARY KEY, email TEXT NOT NULL);
		INSERT INTO users (email) VALUES ('a@x'), ('b@x');
		CREATE TABLE big (n INTEGER NOT NULL);
		WITH RECURSIVE seq(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM seq WHERE n < 10000)
		INSERT INTO big SELECT n FROM seq;`)
	require.NoError(t, err)
	require.NoError(t, target.Close())

	st, err := store.Open(ctx, filepath.Join(dir, "control.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(ctx))

	reg := database.NewRegistry(nil)
	reg.Register(database.SQLite, sqlite.New)
	mgr := database.NewManager(reg, true, nil)
	t.Cleanup(func() { _ = mgr.Close() })

	locks := arbiter.NewRegistry()
	m := observability.New()
	gen := &stubGenerator{sql: "SELECT email FROM users ORDER BY id"}

	router := NewRouter(cfg, Dependencies{
		Connections: connection.NewService(st, reg, mgr, locks, connection.Config{VerifyOnUpsert: true}, nil),
		Metadata:    metadata.NewService(st, mgr, locks, metadata.Config{Metrics: m}, nil),
		Queries:     query.NewExecutor(mgr, locks, query.Config{Metrics: m}, nil),
		Generator:   gen,
		Metrics:     m,
	})
	return &fixture{router: router, store: st, locks: locks, metrics: m, gen: gen, dbPath: dbPath}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) register(t *testing.T, name string) {
	t.Helper()
	rec := f.do(t, http.MethodPut, "/dbs/"+name, `{"url":"sqlite://`+f.dbPath+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func sqlBody(t *testing.T, stmt string) string {
	t.Helper()
	b, err := json.Marshal(query.Request{SQL: stmt})
	require.NoError(t, err)
	return string(b)
}

func TestScenario_SelectLiteral(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "c1")

	rec := f.do(t, http.MethodPost, "/dbs/c1/query", sqlBody(t, "SELECT 1 AS n"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got struct {
		Rows      json.RawMessage `json:"rows"`
		RowCount  int             `json:"rowCount"`
		Truncated bool            `json:"truncated"`
		Columns   []struct {
			Name string `json:"name"`
		} `json:"columns"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.JSONEq(t, `[{"n":1}]`, string(got.Rows))
	assert.Equal(t, 1, got.RowCount)
	assert.False(t, got.Truncated)
	require.Len(t, got.Columns, 1)
	assert.Equal(t, "n", got.Columns[0].Name)
}

func TestScenario_RejectedStatements(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "c1")

	for name, stmt := range map[string]string{
		"comment":  "SELECT * FROM users -- ok",
		"multiple": "SELECT * FROM users; DROP TABLE users",
		"insert":   "INSERT INTO users VALUES (1)",
	} {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/dbs/c1/query", sqlBody(t, stmt))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_STATEMENT", decodeBody[ErrorBody](t, rec).Code)
		})
	}

	rec := f.do(t, http.MethodPost, "/dbs/c1/query", sqlBody(t, "SELECT count(*) FROM users"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count(*)":2`, "rejected statements leave the data alone")
}

func TestScenario_RowLimitInjected(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "c1")

	rec := f.do(t, http.MethodPost, "/dbs/c1/query", sqlBody(t, "SELECT * FROM big"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got := decodeBody[query.Result](t, rec)
	assert.Equal(t, 1000, got.RowCount)
	assert.Len(t, got.Rows, 1000)
	assert.True(t, got.Truncated)
	assert.True(t, strings.HasSuffix(got.EffectiveSQL, "LIMIT 1000"), got.EffectiveSQL)
}

func TestScenario_MetadataUnknownConnection(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodGet, "/dbs/nope/metadata", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody[ErrorBody](t, rec).Code)
}

func TestScenario_QueryDuringRefresh(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "c1")

	release, err := f.locks.For("c1").BeginRefresh(context.Background())
	require.NoError(t, err)
	defer release()

	rec := f.do(t, http.MethodPost, "/dbs/c1/query", sqlBody(t, "SELECT 1"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[ErrorBody](t, rec)
	assert.Equal(t, "CONFLICT", body.Code)
	assert.Contains(t, body.Message, "refresh")
}

func TestConnectionLifecycle(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, http.MethodGet, "/dbs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"databases":[],"total":0}`, rec.Body.String())

	f.register(t, "c1")
	f.register(t, "c1")

	rec = f.do(t, http.MethodGet, "/dbs/c1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"url"`)
	view := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "c1", view["name"])
	assert.Equal(t, "sqlite", view["dbType"])
	assert.Equal(t, f.dbPath, view["database"])
	assert.NotContains(t, view, "host")

	rec = f.do(t, http.MethodGet, "/dbs/c1/metadata", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	snap := decodeBody[metadata.Snapshot](t, rec)
	assert.Equal(t, "c1", snap.DatabaseName)
	require.Len(t, snap.Tables, 2)
	assert.Equal(t, "big", snap.Tables[0].Name)
	assert.NotEmpty(t, snap.VersionHash)

	rec = f.do(t, http.MethodGet, "/dbs/c1/metadata?refresh=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, snap.VersionHash, decodeBody[metadata.Snapshot](t, rec).VersionHash)

	rec = f.do(t, http.MethodGet, "/dbs", "")
	list := decodeBody[connectionList](t, rec)
	assert.Equal(t, 1, list.Total)

	c, err := f.store.GetConnection(context.Background(), "c1")
	require.NoError(t, err)

	rec = f.do(t, http.MethodDelete, "/dbs/c1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())

	_, err = f.store.GetCache(context.Background(), c.ID)
	assert.True(t, errs.IsNotFound(err), "cache entry goes with the connection")

	rec = f.do(t, http.MethodGet, "/dbs/c1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodDelete, "/dbs/c1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsert_Errors(t *testing.T) {
	f := newFixture(t, Config{})

	tests := []struct {
		name, path, body string
		status           int
		code             string
	}{
		{"bad name", "/dbs/bad%20name", `{"url":"sqlite:///tmp/x.db"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"no body", "/dbs/c1", "", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad json", "/dbs/c1", `{"url":`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"unknown field", "/dbs/c1", `{"url":"sqlite:///tmp/x.db","pwd":"x"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"bad scheme", "/dbs/c1", `{"url":"oracle://h/db"}`, http.StatusBadRequest, "VALIDATION_ERROR"},
		{"missing file", "/dbs/c1", `{"url":"sqlite://` + filepath.Join(t.TempDir(), "none.db") + `"}`, http.StatusUnprocessableEntity, "DATABASE_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeBody[ErrorBody](t, rec).Code)
		})
	}
}

func TestQuery_Errors(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "c1")

	rec := f.do(t, http.MethodPost, "/dbs/nope/query", sqlBody(t, "SELECT 1"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/dbs/c1/query", sqlBody(t, "SELEC 1"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "SYNTAX_ERROR", decodeBody[ErrorBody](t, rec).Code)

	rec = f.do(t, http.MethodPost, "/dbs/c1/query", sqlBody(t, "  "))
	assert.Equal(t, "VALIDATION_ERROR", decodeBody[ErrorBody](t, rec).Code)

	rec = f.do(t, http.MethodGet, "/dbs/c1/metadata?refresh=maybe", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, path := range []string{"/dbs/bad%20name", "/dbs/bad%20name/metadata"} {
		rec = f.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.Equal(t, "NOT_FOUND", decodeBody[ErrorBody](t, rec).Code, path)
	}
}

func TestNaturalQuery(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "c1")

	rec := f.do(t, http.MethodPost, "/dbs/c1/query/natural", `{"prompt":"list emails"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "SELECT email FROM users ORDER BY id", got["generatedSql"])
	assert.Equal(t, "for: list emails", got["explanation"])
	assert.NotContains(t, got, "result")

	rec = f.do(t, http.MethodPost, "/dbs/c1/query/natural", `{"prompt":"list emails","execute":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var withResult struct {
		GeneratedSQL string       `json:"generatedSql"`
		Result       query.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &withResult))
	assert.Equal(t, 2, withResult.Result.RowCount)
	assert.True(t, withResult.Result.Truncated)
}

func TestNaturalQuery_AutoExecute(t *testing.T) {
	f := newFixture(t, Config{AutoExecute: true})
	f.register(t, "c1")

	rec := f.do(t, http.MethodPost, "/dbs/c1/query/natural", `{"prompt":"q"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, decodeBody[map[string]any](t, rec), "result")

	rec = f.do(t, http.MethodPost, "/dbs/c1/query/natural", `{"prompt":"q","execute":false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, decodeBody[map[string]any](t, rec), "result")
}

func TestNaturalQuery_GeneratedSQLIsRevalidated(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "c1")
	f.gen.sql = "DELETE FROM users"

	rec := f.do(t, http.MethodPost, "/dbs/c1/query/natural", `{"prompt":"clean up","execute":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody[ErrorBody](t, rec)
	assert.Equal(t, "INVALID_STATEMENT", body.Code)
	assert.Equal(t, "DELETE FROM users", body.Details["generatedSql"])
}

func TestNaturalQuery_Errors(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "c1")

	f.gen.err = errs.New(errs.KindAIQuotaExceeded, "quota")
	rec := f.do(t, http.MethodPost, "/dbs/c1/query/natural", `{"prompt":"q"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "AI_QUOTA_EXCEEDED", decodeBody[ErrorBody](t, rec).Code)

	f.gen.err = errs.New(errs.KindAIInvalidResponse, "bad reply")
	rec = f.do(t, http.MethodPost, "/dbs/c1/query/natural", `{"prompt":"q"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestNaturalQuery_NoGenerator(t *testing.T) {
	rec := httptest.NewRecorder()
	NewRouter(Config{}, Dependencies{}).ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/dbs/c1/query/natural", strings.NewReader(`{"prompt":"q"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "AI_SERVICE_UNAVAILABLE", decodeBody[ErrorBody](t, rec).Code)
}

func TestRouter_PrefixAndOperationalRoutes(t *testing.T) {
	f := newFixture(t, Config{Prefix: "/api/"})

	rec := f.do(t, http.MethodPut, "/api/dbs/c1", `{"url":"sqlite://`+f.dbPath+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/dbs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[connectionList](t, rec).Total)

	rec = f.do(t, http.MethodGet, "/dbs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody[ErrorBody](t, rec).Code)

	rec = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "querygate_http_requests_total")
}

func TestRouter_CORS(t *testing.T) {
	f := newFixture(t, Config{CORSOrigins: []string{"https://app.example"}})

	req := httptest.NewRequest(http.MethodOptions, "/dbs", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/dbs", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := map[errs.Kind]int{
		errs.KindNotFound:             http.StatusNotFound,
		errs.KindValidation:           http.StatusBadRequest,
		errs.KindSyntaxError:          http.StatusBadRequest,
		errs.KindInvalidStatement:     http.StatusBadRequest,
		errs.KindConflict:             http.StatusConflict,
		errs.KindQueryTimeout:         http.StatusRequestTimeout,
		errs.KindConnectionFailed:     http.StatusUnprocessableEntity,
		errs.KindAuthenticationFailed: http.StatusUnprocessableEntity,
		errs.KindAIServiceUnavailable: http.StatusServiceUnavailable,
		errs.KindAIQuotaExceeded:      http.StatusServiceUnavailable,
		errs.KindInternal:             http.StatusInternalServerError,
	}
	for k, want := range tests {
		assert.Equal(t, want, StatusFor(k), k.String())
	}
	for _, k := range errs.Kinds() {
		assert.NotZero(t, StatusFor(k), k.String())
	}
}
