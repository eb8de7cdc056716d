package sqllab

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-bi/caravel/internal/domain"
)

// memQueryRepo is an in-memory QueryRepository.
type memQueryRepo struct {
	queries map[int64]*domain.Query
	nextID  int64
}

func newMemQueryRepo() *memQueryRepo {
	return &memQueryRepo{queries: map[int64]*domain.Query{}, nextID: 1}
}

func (m *memQueryRepo) Create(_ context.Context, q *domain.Query) (*domain.Query, error) {
	q.ID = m.nextID
	m.nextID++
	m.queries[q.ID] = q
	return q, nil
}

func (m *memQueryRepo) GetByID(_ context.Context, id int64) (*domain.Query, error) {
	if q, ok := m.queries[id]; ok {
		return q, nil
	}
	return nil, domain.ErrNotFound("query %d not found", id)
}

func (m *memQueryRepo) GetByClientID(_ context.Context, clientID string) (*domain.Query, error) {
	for _, q := range m.queries {
		if q.ClientID == clientID {
			return q, nil
		}
	}
	return nil, domain.ErrNotFound("query %q not found", clientID)
}

func (m *memQueryRepo) GetByResultsKey(_ context.Context, resultsKey string) (*domain.Query, error) {
	for _, q := range m.queries {
		if q.ResultsKey == resultsKey {
			return q, nil
		}
	}
	return nil, domain.ErrNotFound("query with results key %q not found", resultsKey)
}

func (m *memQueryRepo) Update(_ context.Context, q *domain.Query) error {
	m.queries[q.ID] = q
	return nil
}

// memDBRepo serves one database record.
type memDBRepo struct{ db *domain.Database }

func (m *memDBRepo) Create(_ context.Context, d *domain.Database) (*domain.Database, error) {
	return d, nil
}
func (m *memDBRepo) GetByID(context.Context, int64) (*domain.Database, error)    { return m.db, nil }
func (m *memDBRepo) GetByName(context.Context, string) (*domain.Database, error) { return m.db, nil }
func (m *memDBRepo) List(context.Context) ([]domain.Database, error)             { return nil, nil }
func (m *memDBRepo) Update(context.Context, *domain.Database) error              { return nil }
func (m *memDBRepo) Delete(context.Context, int64) error                         { return nil }

func setupExecutor(t *testing.T) (*Executor, *memQueryRepo, *sql.DB) {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetMaxOpenConns(1)

	_, err = conn.Exec(`CREATE TABLE birth_names (name TEXT, num INTEGER)`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO birth_names VALUES ('Aaron', 50), ('Maria', 40), ('Liam', 30)`)
	require.NoError(t, err)

	queries := newMemQueryRepo()
	exec := &Executor{
		Queries:   queries,
		Databases: &memDBRepo{db: &domain.Database{ID: 1, DatabaseName: "examples", URI: "sqlite://", AllowCTAS: true}},
		Open: func(context.Context, *domain.Database) (*sql.DB, error) {
			return conn, nil
		},
		Results: NewMemoryResultsBackend(),
		Now:     func() time.Time { return time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC) },
	}
	return exec, queries, conn
}

func pendingQuery(t *testing.T, repo *memQueryRepo, q *domain.Query) *domain.Query {
	t.Helper()
	q.Status = domain.StatusPending
	created, err := repo.Create(context.Background(), q)
	require.NoError(t, err)
	return created
}

func TestRunLimitWrap(t *testing.T) {
	exec, repo, _ := setupExecutor(t)
	q := pendingQuery(t, repo, &domain.Query{
		DatabaseID: 1,
		UserName:   "alpha",
		SQL:        "SELECT name, num FROM birth_names",
		Limit:      1000,
	})

	payload, err := exec.Run(context.Background(), q.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, payload.Status)
	assert.Equal(t,
		"SELECT * FROM (SELECT name, num FROM birth_names) AS inner_qry LIMIT 1000",
		q.ExecutedSQL)
	assert.True(t, q.LimitUsed)
	assert.Equal(t, 3, q.Rows)
	assert.Equal(t, 100, q.Progress)
	assert.Equal(t, []string{"name", "num"}, payload.Columns)
}

func TestRunCTAS(t *testing.T) {
	exec, repo, conn := setupExecutor(t)
	q := pendingQuery(t, repo, &domain.Query{
		DatabaseID:  1,
		UserName:    "alpha",
		SQL:         "SELECT 1 AS a",
		SelectAsCTA: true,
		Limit:       100,
	})

	payload, err := exec.Run(context.Background(), q.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, payload.Status)
	assert.True(t, q.SelectAsCTAUsed)
	assert.Equal(t, "tmp_alpha_table_20160601T000000", q.TmpTableName)
	assert.Equal(t,
		"CREATE TABLE tmp_alpha_table_20160601T000000 AS SELECT 1 AS a",
		q.ExecutedSQL)
	assert.Equal(t,
		"SELECT * FROM tmp_alpha_table_20160601T000000 LIMIT 100",
		q.SelectSQL)

	// The temp table exists and holds the SELECT's output.
	var a int
	require.NoError(t, conn.QueryRow("SELECT a FROM tmp_alpha_table_20160601T000000").Scan(&a))
	assert.Equal(t, 1, a)
}

func TestRunRejectsCTASWhenDisallowed(t *testing.T) {
	exec, repo, _ := setupExecutor(t)
	exec.Databases = &memDBRepo{db: &domain.Database{ID: 1, DatabaseName: "examples", URI: "sqlite://"}}
	q := pendingQuery(t, repo, &domain.Query{
		DatabaseID:  1,
		UserName:    "alpha",
		SQL:         "SELECT 1 AS a",
		SelectAsCTA: true,
	})

	payload, err := exec.Run(context.Background(), q.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, payload.Status)
	assert.Contains(t, payload.Error, "CTAS is not allowed")
	assert.False(t, q.SelectAsCTAUsed)
}

func TestRunRejectsDMLWithoutAllowDML(t *testing.T) {
	exec, repo, _ := setupExecutor(t)
	q := pendingQuery(t, repo, &domain.Query{
		DatabaseID: 1,
		UserName:   "alpha",
		SQL:        "DELETE FROM birth_names",
	})

	payload, err := exec.Run(context.Background(), q.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, payload.Status)
	assert.Contains(t, payload.Error, "Only `SELECT` statements are allowed")
}

func TestRunAllowsDMLWhenEnabled(t *testing.T) {
	exec, repo, conn := setupExecutor(t)
	exec.Databases = &memDBRepo{db: &domain.Database{ID: 1, DatabaseName: "examples", URI: "sqlite://", AllowDML: true}}
	q := pendingQuery(t, repo, &domain.Query{
		DatabaseID: 1,
		UserName:   "alpha",
		SQL:        "DELETE FROM birth_names WHERE num < 40",
	})

	payload, err := exec.Run(context.Background(), q.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, payload.Status)

	var count int
	require.NoError(t, conn.QueryRow("SELECT COUNT(*) FROM birth_names").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestRunIsIdempotentPastPending(t *testing.T) {
	exec, repo, _ := setupExecutor(t)
	q := pendingQuery(t, repo, &domain.Query{
		DatabaseID: 1,
		UserName:   "alpha",
		SQL:        "SELECT name FROM birth_names",
		Limit:      10,
	})

	first, err := exec.Run(context.Background(), q.ID, true)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, first.Status)

	executed := q.ExecutedSQL
	again, err := exec.Run(context.Background(), q.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, again.Status)
	assert.Empty(t, again.Data)
	assert.Equal(t, executed, q.ExecutedSQL)
}

func TestRunStopsProgressPollerBeforeFinalizing(t *testing.T) {
	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		polls.Add(1)
		fmt.Fprint(w, `[{"state":"RUNNING","stats":{"completedSplits":40,"totalSplits":100}}]`)
	}))
	t.Cleanup(srv.Close)

	exec, repo, _ := setupExecutor(t)
	exec.Databases = &memDBRepo{db: &domain.Database{
		ID:           1,
		DatabaseName: "warehouse",
		URI:          "presto://" + strings.TrimPrefix(srv.URL, "http://"),
	}}
	q := pendingQuery(t, repo, &domain.Query{
		DatabaseID: 1,
		UserName:   "alpha",
		SQL:        "SELECT name FROM birth_names",
		Limit:      10,
	})

	payload, err := exec.Run(context.Background(), q.ID, true)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, payload.Status)
	assert.Equal(t, 100, q.Progress)

	// The poller is stopped and waited for before the record is finalized,
	// so the coordinator sees no requests after Run returns.
	settled := polls.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, settled, polls.Load())
}

func TestRunStoresResults(t *testing.T) {
	exec, repo, _ := setupExecutor(t)
	q := pendingQuery(t, repo, &domain.Query{
		DatabaseID: 1,
		UserName:   "alpha",
		SQL:        "SELECT name FROM birth_names",
		Limit:      10,
	})

	_, err := exec.Run(context.Background(), q.ID, false)
	require.NoError(t, err)
	require.NotEmpty(t, q.ResultsKey)

	fetched, err := exec.FetchResults(context.Background(), q.ResultsKey)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, fetched.Status)
	assert.Len(t, fetched.Data, 3)
}

func TestRunFailsOnBadSQL(t *testing.T) {
	exec, repo, _ := setupExecutor(t)
	exec.Databases = &memDBRepo{db: &domain.Database{ID: 1, DatabaseName: "examples", URI: "sqlite://", AllowDML: true}}
	q := pendingQuery(t, repo, &domain.Query{
		DatabaseID: 1,
		UserName:   "alpha",
		SQL:        "SELECT FROM nowhere_at_all",
	})

	payload, err := exec.Run(context.Background(), q.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, payload.Status)
	assert.NotEmpty(t, payload.Error)
	assert.Equal(t, domain.StatusFailed, q.Status)
}

func TestTemplateRendering(t *testing.T) {
	exec, repo, _ := setupExecutor(t)
	q := pendingQuery(t, repo, &domain.Query{
		DatabaseID: 1,
		UserName:   "alpha",
		SQL:        `SELECT '{{ datetime "2006-01-02" }}' AS ds`,
		Limit:      10,
	})

	payload, err := exec.Run(context.Background(), q.ID, true)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuccess, payload.Status)
	require.Len(t, payload.Data, 1)
	assert.Equal(t, "2016-06-01", payload.Data[0][0])
}

func TestTemplateErrorIsFatal(t *testing.T) {
	exec, repo, _ := setupExecutor(t)
	q := pendingQuery(t, repo, &domain.Query{
		DatabaseID: 1,
		UserName:   "alpha",
		SQL:        "SELECT {{ unterminated",
	})

	payload, err := exec.Run(context.Background(), q.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, payload.Status)
	assert.Contains(t, payload.Error, "template error")
}
