package viz

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-bi/caravel/internal/cache"
	"github.com/caravel-bi/caravel/internal/datasource"
	"github.com/caravel-bi/caravel/internal/domain"
	"github.com/caravel-bi/caravel/internal/security"
)

// spySource counts backend hits so cache behavior is observable.
type spySource struct {
	calls int
	frame *domain.ResultFrame
	err   error
}

func (s *spySource) Type() string                    { return domain.DatasourceTypeTable }
func (s *spySource) ID() int64                       { return 7 }
func (s *spySource) Name() string                    { return "birth_names" }
func (s *spySource) Perm() string                    { return "[examples].[birth_names](id:7)" }
func (s *spySource) DatabasePerm() string            { return "[examples].(id:1)" }
func (s *spySource) CreatedBy() string               { return "" }
func (s *spySource) Owners() []string                { return nil }
func (s *spySource) ColumnNames() []string           { return []string{"name", "num"} }
func (s *spySource) GroupbyColumnNames() []string    { return []string{"name"} }
func (s *spySource) FilterableColumnNames() []string { return []string{"name"} }
func (s *spySource) DttmCols() []string              { return []string{"ds"} }
func (s *spySource) MainDttmCol() string             { return "ds" }
func (s *spySource) CacheTimeout() int               { return 0 }
func (s *spySource) FetchMetadata(context.Context) error {
	return nil
}
func (s *spySource) MetricsCombo() []domain.MetricOption {
	return nil
}
func (s *spySource) RestrictedMetricPerms([]string) map[string]string {
	return nil
}

func (s *spySource) Query(_ context.Context, _ *domain.QueryRequest) (*domain.ResultFrame, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.frame, nil
}

// spyProvider serves the single spy source under the table tag.
type spyProvider struct {
	source *spySource
}

func (p *spyProvider) Type() string { return domain.DatasourceTypeTable }

func (p *spyProvider) Get(context.Context, int64) (domain.Datasource, error) {
	return p.source, nil
}

func (p *spyProvider) GetEager(context.Context, int64) (domain.Datasource, error) {
	return p.source, nil
}

func (p *spyProvider) List(context.Context) ([]domain.Datasource, error) {
	return []domain.Datasource{p.source}, nil
}

func (p *spyProvider) FindByName(context.Context, string, string, string) (domain.Datasource, error) {
	return p.source, nil
}

func (p *spyProvider) Refresh(context.Context, int64) (domain.Datasource, error) {
	return p.source, nil
}

type allowAll struct{}

func (allowAll) HasPermission(context.Context, []string, string, string) (bool, error) {
	return true, nil
}
func (allowAll) GrantPermission(context.Context, string, string, string) error { return nil }

type denyAll struct{ allowAll }

func (denyAll) HasPermission(context.Context, []string, string, string) (bool, error) {
	return false, nil
}

func setupService(t *testing.T, source *spySource, grants domain.AccessRepository) *Service {
	t.Helper()
	registry := datasource.NewRegistry()
	registry.Register(&spyProvider{source: source})
	return &Service{
		Registry:   registry,
		Security:   security.NewService(grants, nil),
		Cache:      cache.NewMemoryStore(time.Minute),
		DefaultTTL: time.Minute,
		Now:        func() time.Time { return time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC) },
	}
}

func groupByNameRequest() *domain.QueryRequest {
	return &domain.QueryRequest{
		Groupby:  []string{"name"},
		Metrics:  []string{"sum__num"},
		FromDttm: time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC),
		ToDttm:   time.Date(2016, 1, 1, 0, 0, 0, 0, time.UTC),
		RowLimit: 100,
	}
}

func successFrame() *domain.ResultFrame {
	return &domain.ResultFrame{
		Columns: []string{"name", "sum__num"},
		Rows:    [][]interface{}{{"Maria", int64(12)}},
		Query:   "SELECT ...",
		Status:  domain.StatusSuccess,
	}
}

func TestRunCachesSecondCall(t *testing.T) {
	ctx := context.Background()
	source := &spySource{frame: successFrame()}
	svc := setupService(t, source, allowAll{})
	gamma := domain.Identity{Username: "alpha", Roles: []string{"Gamma"}}

	first, err := svc.Run(ctx, gamma, domain.DatasourceTypeTable, 7, groupByNameRequest(), RunOptions{})
	require.NoError(t, err)
	assert.False(t, first.IsCached)
	assert.Equal(t, 1, source.calls)

	second, err := svc.Run(ctx, gamma, domain.DatasourceTypeTable, 7, groupByNameRequest(), RunOptions{})
	require.NoError(t, err)
	assert.True(t, second.IsCached)
	assert.Equal(t, 1, source.calls, "cache hit must not contact the backend")
	assert.Equal(t, first.Data.Rows, second.Data.Rows)
	assert.Equal(t, first.CacheKey, second.CacheKey)
}

func TestRunForceSkipsReadButRefreshes(t *testing.T) {
	ctx := context.Background()
	source := &spySource{frame: successFrame()}
	svc := setupService(t, source, allowAll{})
	gamma := domain.Identity{Username: "alpha", Roles: []string{"Gamma"}}

	_, err := svc.Run(ctx, gamma, domain.DatasourceTypeTable, 7, groupByNameRequest(), RunOptions{Force: true})
	require.NoError(t, err)
	_, err = svc.Run(ctx, gamma, domain.DatasourceTypeTable, 7, groupByNameRequest(), RunOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)

	// The forced run still wrote to the slot a later unforced read hits.
	cached, err := svc.Run(ctx, gamma, domain.DatasourceTypeTable, 7, groupByNameRequest(), RunOptions{})
	require.NoError(t, err)
	assert.True(t, cached.IsCached)
	assert.Equal(t, 2, source.calls)
}

func TestRunDeniedBeforeBackend(t *testing.T) {
	ctx := context.Background()
	source := &spySource{frame: successFrame()}
	svc := setupService(t, source, denyAll{})
	gamma := domain.Identity{Username: "alpha", Roles: []string{"Gamma"}}

	_, err := svc.Run(ctx, gamma, domain.DatasourceTypeTable, 7, groupByNameRequest(), RunOptions{})
	var denied *domain.AccessDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, 0, source.calls)
}

func TestRunDoesNotCacheFailures(t *testing.T) {
	ctx := context.Background()
	source := &spySource{err: domain.ErrQuery(assert.AnError, "SELECT broken")}
	svc := setupService(t, source, allowAll{})
	gamma := domain.Identity{Username: "alpha", Roles: []string{"Gamma"}}

	failed, err := svc.Run(ctx, gamma, domain.DatasourceTypeTable, 7, groupByNameRequest(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.NotEmpty(t, failed.Error)

	// Failures never land in the cache slot.
	source.err = nil
	source.frame = successFrame()
	retried, err := svc.Run(ctx, gamma, domain.DatasourceTypeTable, 7, groupByNameRequest(), RunOptions{})
	require.NoError(t, err)
	assert.False(t, retried.IsCached)
	assert.Equal(t, 2, source.calls)
}

func TestRunDoesNotCacheEmptyFrames(t *testing.T) {
	ctx := context.Background()
	source := &spySource{frame: &domain.ResultFrame{
		Columns: []string{"name", "sum__num"},
		Query:   "SELECT ...",
		Status:  domain.StatusSuccess,
	}}
	svc := setupService(t, source, allowAll{})
	gamma := domain.Identity{Username: "alpha", Roles: []string{"Gamma"}}

	_, err := svc.Run(ctx, gamma, domain.DatasourceTypeTable, 7, groupByNameRequest(), RunOptions{})
	require.NoError(t, err)
	_, err = svc.Run(ctx, gamma, domain.DatasourceTypeTable, 7, groupByNameRequest(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, source.calls)
}

func TestRunReportsNoData(t *testing.T) {
	ctx := context.Background()
	source := &spySource{err: &domain.NoDataError{Query: "SELECT ..."}}
	svc := setupService(t, source, allowAll{})
	gamma := domain.Identity{Username: "alpha", Roles: []string{"Gamma"}}

	payload, err := svc.Run(ctx, gamma, domain.DatasourceTypeTable, 7, groupByNameRequest(), RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, payload.Status)
	assert.Equal(t, "No data was returned", payload.Error)
	assert.Equal(t, "SELECT ...", payload.Query)
}

func TestRunSliceOptions(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, &spySource{frame: successFrame()}, allowAll{})
	gamma := domain.Identity{Username: "alpha", Roles: []string{"Gamma"}}

	adhoc, err := svc.Run(ctx, gamma, domain.DatasourceTypeTable, 7, groupByNameRequest(), RunOptions{})
	require.NoError(t, err)
	saved, err := svc.Run(ctx, gamma, domain.DatasourceTypeTable, 7, groupByNameRequest(),
		RunOptions{SliceID: 42, SliceCacheTimeout: 30})
	require.NoError(t, err)

	// A saved slice occupies its own cache slot and pins its own TTL.
	assert.NotEqual(t, adhoc.CacheKey, saved.CacheKey)
	assert.Equal(t, 30, saved.CacheTimeout)
	assert.Equal(t, 60, adhoc.CacheTimeout)
}

func TestRunRejectsUnknownType(t *testing.T) {
	ctx := context.Background()
	svc := setupService(t, &spySource{frame: successFrame()}, allowAll{})
	gamma := domain.Identity{Username: "alpha", Roles: []string{"Gamma"}}

	_, err := svc.Run(ctx, gamma, "cube", 7, groupByNameRequest(), RunOptions{})
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}
