package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-bi/caravel/internal/cache"
	"github.com/caravel-bi/caravel/internal/datasource"
	"github.com/caravel-bi/caravel/internal/db"
	"github.com/caravel-bi/caravel/internal/db/repository"
	"github.com/caravel-bi/caravel/internal/domain"
	"github.com/caravel-bi/caravel/internal/security"
	"github.com/caravel-bi/caravel/internal/sqllab"
	"github.com/caravel-bi/caravel/internal/viz"
)

type testEnv struct {
	router    http.Handler
	queries   domain.QueryRepository
	grants    *repository.AccessRepo
	databases *repository.DatabaseRepo
	dbRec     *domain.Database
	table     *domain.SqlaTable
	dataPath  string
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	writeDB, _ := db.OpenTestSQLite(t)

	dataPath := filepath.Join(t.TempDir(), "examples.sqlite")
	conn, err := sql.Open("sqlite3", dataPath)
	require.NoError(t, err)
	_, err = conn.Exec(`CREATE TABLE birth_names (
		ds TEXT, gender TEXT, name TEXT, num INTEGER)`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO birth_names VALUES
		('2008-01-01 00:00:00', 'girl', 'Maria', 40),
		('2008-01-01 00:00:00', 'boy', 'Aaron', 50),
		('2009-01-01 00:00:00', 'girl', 'Maria', 45)`)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	databases := repository.NewDatabaseRepo(writeDB)
	tables := repository.NewTableRepo(writeDB)
	queries := repository.NewQueryRepo(writeDB)
	grants := repository.NewAccessRepo(writeDB)

	dbRec, err := databases.Create(ctx, &domain.Database{
		DatabaseName:   "examples",
		URI:            "sqlite:///" + dataPath,
		ExposeInSQLLab: true,
		AllowRunSync:   true,
		AllowRunAsync:  true,
	})
	require.NoError(t, err)

	table, err := tables.Create(ctx, &domain.SqlaTable{
		TableName:   "birth_names",
		MainDttmCol: "ds",
		DatabaseID:  dbRec.ID,
		CreatedBy:   "alice",
		Columns: []domain.TableColumn{
			{ColumnName: "ds", Type: "TEXT", IsDttm: true},
			{ColumnName: "gender", Type: "VARCHAR(16)", Groupby: true, Filterable: true},
			{ColumnName: "name", Type: "VARCHAR(255)", Groupby: true, Filterable: true},
			{ColumnName: "num", Type: "BIGINT", Sum: true},
		},
		Metrics: []domain.SqlMetric{
			{MetricName: "sum__num", MetricType: "sum", Expression: "SUM(num)"},
		},
	})
	require.NoError(t, err)

	registry := datasource.NewRegistry()
	registry.Register(&datasource.SqlaProvider{Tables: tables, Databases: databases})
	sec := security.NewService(grants, nil)

	h := &Handler{
		Viz: &viz.Service{
			Registry:   registry,
			Security:   sec,
			Cache:      cache.NewMemoryStore(time.Minute),
			DefaultTTL: time.Minute,
		},
		Registry: registry,
		Security: sec,
		Executor: &sqllab.Executor{
			Queries:   queries,
			Databases: databases,
			Results:   sqllab.NewMemoryResultsBackend(),
			Timeout:   10 * time.Second,
		},
		Queries:         queries,
		Databases:       databases,
		DefaultRowLimit: 1000,
	}

	return &testEnv{
		router:    NewRouter(h, RouterConfig{CORSAllowedOrigins: []string{"*"}}),
		queries:   queries,
		grants:    grants,
		databases: databases,
		dbRec:     dbRec,
		table:     table,
		dataPath:  dataPath,
	}
}

func (env *testEnv) do(t *testing.T, method, path string, body any, user, roles string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Caravel-User", user)
	}
	if roles != "" {
		req.Header.Set("X-Caravel-Roles", roles)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeInto[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func explorePath(env *testEnv) string {
	return "/caravel/explore/table/" + strconv.FormatInt(env.table.ID, 10)
}

func TestHealth(t *testing.T) {
	env := setupEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil, "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestExploreReturnsDataAndCaches(t *testing.T) {
	env := setupEnv(t)
	body := map[string]any{
		"groupby": []string{"name"},
		"metrics": []string{"sum__num"},
	}

	w := env.do(t, http.MethodPost, explorePath(env), body, "admin", "Admin")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	p := decodeInto[viz.Payload](t, w)
	assert.Equal(t, domain.StatusSuccess, p.Status)
	assert.False(t, p.IsCached)
	require.NotNil(t, p.Data)
	require.NotEmpty(t, p.Data.Rows)
	assert.Equal(t, "Maria", p.Data.Rows[0][0])

	w = env.do(t, http.MethodPost, explorePath(env), body, "admin", "Admin")
	require.Equal(t, http.StatusOK, w.Code)
	cached := decodeInto[viz.Payload](t, w)
	assert.True(t, cached.IsCached)
	assert.Equal(t, p.CacheKey, cached.CacheKey)
}

func TestExploreDeniedWithoutGrant(t *testing.T) {
	env := setupEnv(t)
	body := map[string]any{"metrics": []string{"sum__num"}}
	w := env.do(t, http.MethodPost, explorePath(env), body, "gamma", "Gamma")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestExploreGrantedRole(t *testing.T) {
	env := setupEnv(t)
	require.NoError(t, env.grants.GrantPermission(context.Background(),
		"Gamma", domain.PermDatasourceAccess, env.table.Perm()))

	body := map[string]any{"metrics": []string{"sum__num"}}
	w := env.do(t, http.MethodPost, explorePath(env), body, "gamma", "Gamma")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestExploreRejectsBadRequests(t *testing.T) {
	env := setupEnv(t)

	w := env.do(t, http.MethodPost, "/caravel/explore/cube/1", map[string]any{}, "admin", "Admin")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/caravel/explore/table/999", map[string]any{}, "admin", "Admin")
	assert.Equal(t, http.StatusNotFound, w.Code)

	req := httptest.NewRequest(http.MethodPost, explorePath(env), bytes.NewReader([]byte(`{"bogus_field": 1}`)))
	req.Header.Set("X-Caravel-Roles", "Admin")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSQLJSONSync(t *testing.T) {
	env := setupEnv(t)
	body := map[string]any{
		"database_id": env.dbRec.ID,
		"sql":         "SELECT name, num FROM birth_names ORDER BY num DESC",
	}
	w := env.do(t, http.MethodPost, "/caravel/sql_json", body, "admin", "Admin")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	p := decodeInto[sqllab.Payload](t, w)
	assert.Equal(t, domain.StatusSuccess, p.Status)
	assert.Equal(t, []string{"name", "num"}, p.Columns)
	require.NotEmpty(t, p.Data)
	assert.Equal(t, "Aaron", p.Data[0][0])
}

func TestSQLJSONAsyncAndResults(t *testing.T) {
	env := setupEnv(t)
	body := map[string]any{
		"database_id": env.dbRec.ID,
		"sql":         "SELECT name FROM birth_names",
		"client_id":   "client-async",
		"runAsync":    true,
	}
	w := env.do(t, http.MethodPost, "/caravel/sql_json", body, "admin", "Admin")
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	accepted := decodeInto[map[string]any](t, w)
	assert.Equal(t, domain.StatusPending, accepted["status"])

	ctx := context.Background()
	require.Eventually(t, func() bool {
		q, err := env.queries.GetByClientID(ctx, "client-async")
		return err == nil && q.Status == domain.StatusSuccess
	}, 5*time.Second, 20*time.Millisecond)

	q, err := env.queries.GetByClientID(ctx, "client-async")
	require.NoError(t, err)
	require.NotEmpty(t, q.ResultsKey)

	w = env.do(t, http.MethodGet, "/caravel/results/"+q.ResultsKey, nil, "admin", "Admin")
	require.Equal(t, http.StatusOK, w.Code)
	p := decodeInto[sqllab.Payload](t, w)
	assert.Equal(t, domain.StatusSuccess, p.Status)
	assert.Len(t, p.Data, 3)
}

func TestSQLJSONDeniedWithoutDatabaseGrant(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	body := map[string]any{
		"database_id": env.dbRec.ID,
		"sql":         "SELECT name FROM birth_names",
		"client_id":   "no-grant",
	}

	w := env.do(t, http.MethodPost, "/caravel/sql_json", body, "gamma", "Gamma")
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

	// Denial happens before the query record is created.
	_, err := env.queries.GetByClientID(ctx, "no-grant")
	require.Error(t, err)

	require.NoError(t, env.grants.GrantPermission(ctx,
		"Gamma", domain.PermDatabaseAccess, env.dbRec.Perm()))
	w = env.do(t, http.MethodPost, "/caravel/sql_json", body, "gamma", "Gamma")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestFetchResultsRequiresDatabaseGrant(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	body := map[string]any{
		"database_id": env.dbRec.ID,
		"sql":         "SELECT name FROM birth_names",
		"client_id":   "results-grant",
	}
	w := env.do(t, http.MethodPost, "/caravel/sql_json", body, "admin", "Admin")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	q, err := env.queries.GetByClientID(ctx, "results-grant")
	require.NoError(t, err)
	require.NotEmpty(t, q.ResultsKey)

	w = env.do(t, http.MethodGet, "/caravel/results/"+q.ResultsKey, nil, "gamma", "Gamma")
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

	require.NoError(t, env.grants.GrantPermission(ctx,
		"Gamma", domain.PermDatabaseAccess, env.dbRec.Perm()))
	w = env.do(t, http.MethodGet, "/caravel/results/"+q.ResultsKey, nil, "gamma", "Gamma")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestStopQueryRequiresOwnership(t *testing.T) {
	env := setupEnv(t)
	ctx := context.Background()
	require.NoError(t, env.grants.GrantPermission(ctx,
		"Alpha", domain.PermDatabaseAccess, env.dbRec.Perm()))

	body := map[string]any{
		"database_id": env.dbRec.ID,
		"sql":         "SELECT name FROM birth_names",
		"client_id":   "stop-mine",
	}
	w := env.do(t, http.MethodPost, "/caravel/sql_json", body, "alice", "Alpha")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/caravel/stop/stop-mine", nil, "gamma", "Gamma")
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/caravel/stop/stop-mine", nil, "alice", "Alpha")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestSQLJSONRejectsUnexposedDatabase(t *testing.T) {
	env := setupEnv(t)
	hidden, err := env.databases.Create(context.Background(), &domain.Database{
		DatabaseName: "hidden",
		URI:          "sqlite://",
		AllowRunSync: true,
	})
	require.NoError(t, err)

	body := map[string]any{"database_id": hidden.ID, "sql": "SELECT 1"}
	w := env.do(t, http.MethodPost, "/caravel/sql_json", body, "admin", "Admin")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSQLJSONUnknownDatabase(t *testing.T) {
	env := setupEnv(t)
	body := map[string]any{"database_id": 999, "sql": "SELECT 1"}
	w := env.do(t, http.MethodPost, "/caravel/sql_json", body, "admin", "Admin")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStopQueryUnknownClient(t *testing.T) {
	env := setupEnv(t)
	w := env.do(t, http.MethodPost, "/caravel/stop/nope", nil, "admin", "Admin")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDatasourceMetadata(t *testing.T) {
	env := setupEnv(t)
	path := "/caravel/datasource/table/" + strconv.FormatInt(env.table.ID, 10) + "/metadata"
	w := env.do(t, http.MethodGet, path, nil, "admin", "Admin")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	meta := decodeInto[map[string]any](t, w)
	assert.Equal(t, "birth_names", meta["name"])
	assert.Equal(t, "ds", meta["main_dttm_col"])
	assert.ElementsMatch(t, []any{"gender", "name"}, meta["gb_cols"])
}

func TestDatasourceRefreshRequiresOwnership(t *testing.T) {
	env := setupEnv(t)
	path := "/caravel/datasource/table/" + strconv.FormatInt(env.table.ID, 10) + "/refresh"

	w := env.do(t, http.MethodPost, path, nil, "gamma", "Gamma")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, path, nil, "alice", "Alpha")
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestDatasourceRefreshPersistsDiscoveredColumns(t *testing.T) {
	env := setupEnv(t)

	conn, err := sql.Open("sqlite3", env.dataPath)
	require.NoError(t, err)
	_, err = conn.Exec(`ALTER TABLE birth_names ADD COLUMN state TEXT`)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	path := "/caravel/datasource/table/" + strconv.FormatInt(env.table.ID, 10)
	w := env.do(t, http.MethodPost, path+"/refresh", nil, "alice", "Alpha")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// A fresh load from the metastore sees the introspected column.
	w = env.do(t, http.MethodGet, path+"/metadata", nil, "admin", "Admin")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	meta := decodeInto[map[string]any](t, w)
	assert.Contains(t, meta["columns"], "state")
	assert.Contains(t, meta["gb_cols"], "state")
}

func TestRateLimiterRejectsBursts(t *testing.T) {
	limited := NewRouter(&Handler{}, RouterConfig{
		CORSAllowedOrigins: []string{"*"},
		RateLimitRPS:       1,
		RateLimitBurst:     1,
	})

	first := httptest.NewRequest(http.MethodGet, "/health", nil)
	first.RemoteAddr = "10.0.0.1:1234"
	w := httptest.NewRecorder()
	limited.ServeHTTP(w, first)
	require.Equal(t, http.StatusOK, w.Code)

	second := httptest.NewRequest(http.MethodGet, "/health", nil)
	second.RemoteAddr = "10.0.0.1:1234"
	w = httptest.NewRecorder()
	limited.ServeHTTP(w, second)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
