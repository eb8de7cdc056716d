package datasource

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-bi/caravel/internal/domain"
	"github.com/caravel-bi/caravel/internal/druid"
)

// memDruidRepo is an in-memory DruidDatasourceRepository.
type memDruidRepo struct {
	sources map[int64]*domain.DruidDatasource
	nextID  int64
	columns []domain.DruidColumn
	metrics []domain.DruidMetric
}

func newMemDruidRepo() *memDruidRepo {
	return &memDruidRepo{sources: map[int64]*domain.DruidDatasource{}, nextID: 1}
}

func (m *memDruidRepo) Create(_ context.Context, d *domain.DruidDatasource) (*domain.DruidDatasource, error) {
	d.ID = m.nextID
	m.nextID++
	m.sources[d.ID] = d
	return d, nil
}

func (m *memDruidRepo) GetByID(_ context.Context, id int64) (*domain.DruidDatasource, error) {
	if d, ok := m.sources[id]; ok {
		return d, nil
	}
	return nil, domain.ErrNotFound("datasource %d not found", id)
}

func (m *memDruidRepo) FindByName(_ context.Context, name, clusterName string) (*domain.DruidDatasource, error) {
	for _, d := range m.sources {
		if d.DatasourceName == name && d.ClusterName == clusterName {
			return d, nil
		}
	}
	return nil, domain.ErrNotFound("datasource %q not found", name)
}

func (m *memDruidRepo) List(context.Context) ([]domain.DruidDatasource, error) {
	var out []domain.DruidDatasource
	for _, d := range m.sources {
		out = append(out, *d)
	}
	return out, nil
}

func (m *memDruidRepo) Update(context.Context, *domain.DruidDatasource) error { return nil }

func (m *memDruidRepo) UpsertColumn(_ context.Context, c *domain.DruidColumn) error {
	m.columns = append(m.columns, *c)
	return nil
}

func (m *memDruidRepo) UpsertMetric(_ context.Context, mt *domain.DruidMetric) error {
	m.metrics = append(m.metrics, *mt)
	return nil
}

// memClusterRepo is an in-memory DruidClusterRepository.
type memClusterRepo struct {
	clusters map[string]*domain.DruidCluster
	updated  int
}

func (m *memClusterRepo) Create(_ context.Context, c *domain.DruidCluster) (*domain.DruidCluster, error) {
	m.clusters[c.ClusterName] = c
	return c, nil
}

func (m *memClusterRepo) GetByID(_ context.Context, id int64) (*domain.DruidCluster, error) {
	for _, c := range m.clusters {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, domain.ErrNotFound("cluster %d not found", id)
}

func (m *memClusterRepo) GetByName(_ context.Context, name string) (*domain.DruidCluster, error) {
	if c, ok := m.clusters[name]; ok {
		return c, nil
	}
	return nil, domain.ErrNotFound("cluster %q not found", name)
}

func (m *memClusterRepo) List(context.Context) ([]domain.DruidCluster, error) {
	var out []domain.DruidCluster
	for _, c := range m.clusters {
		out = append(out, *c)
	}
	return out, nil
}

func (m *memClusterRepo) Update(context.Context, *domain.DruidCluster) error {
	m.updated++
	return nil
}

// refreshClient plays back a fixed coordinator inventory and segment
// analysis.
type refreshClient struct {
	datasources []string
	maxTime     time.Time
	columns     map[string]druid.SegmentColumn
}

func (c *refreshClient) GroupBy(context.Context, *druid.GroupByQuery) ([]druid.GroupByRow, error) {
	return nil, nil
}

func (c *refreshClient) TimeBoundary(context.Context, string) (time.Time, time.Time, error) {
	return time.Time{}, c.maxTime, nil
}

func (c *refreshClient) SegmentMetadata(context.Context, string, string) ([]druid.SegmentMetadata, error) {
	return []druid.SegmentMetadata{{ID: "seg-1", Columns: c.columns}}, nil
}

func (c *refreshClient) Datasources(context.Context) ([]string, error) {
	return c.datasources, nil
}

func TestRegistryResolvesByTag(t *testing.T) {
	repo := newMemDruidRepo()
	ds, err := repo.Create(context.Background(), &domain.DruidDatasource{
		DatasourceName: "wikipedia", ClusterName: "main",
	})
	require.NoError(t, err)

	clusters := &memClusterRepo{clusters: map[string]*domain.DruidCluster{
		"main": {ID: 1, ClusterName: "main", BrokerHost: "broker", BrokerPort: 8082},
	}}

	registry := NewRegistry()
	registry.Register(&DruidProvider{
		Sources:  repo,
		Clusters: clusters,
		NewClient: func(*domain.DruidCluster) druid.Client {
			return &refreshClient{}
		},
	})

	got, err := registry.Get(context.Background(), domain.DatasourceTypeDruid, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, "wikipedia", got.Name())
	assert.Equal(t, domain.DatasourceTypeDruid, got.Type())

	_, err = registry.Get(context.Background(), "elastic", 1)
	require.Error(t, err)

	all, err := registry.EnumerateAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDruidRefresherCreatesAndSyncs(t *testing.T) {
	repo := newMemDruidRepo()
	clusters := &memClusterRepo{clusters: map[string]*domain.DruidCluster{
		"main": {ID: 1, ClusterName: "main", BrokerHost: "broker", BrokerPort: 8082, DruidVersion: "0.9.1"},
	}}
	client := &refreshClient{
		datasources: []string{"wikipedia"},
		maxTime:     time.Date(2016, 6, 1, 0, 0, 0, 0, time.UTC),
		columns: map[string]druid.SegmentColumn{
			"country": {Type: "STRING"},
			"edits":   {Type: "LONG"},
		},
	}

	refresher := &DruidRefresher{
		Clusters:  clusters,
		Sources:   repo,
		NewClient: func(*domain.DruidCluster) druid.Client { return client },
		Now:       func() time.Time { return time.Date(2016, 6, 2, 0, 0, 0, 0, time.UTC) },
	}
	require.NoError(t, refresher.RefreshAll(context.Background()))

	created, err := repo.FindByName(context.Background(), "wikipedia", "main")
	require.NoError(t, err)
	assert.True(t, created.IsHidden)
	assert.NotEmpty(t, repo.columns)
	assert.NotEmpty(t, repo.metrics)
	assert.Equal(t, 1, clusters.updated)
}
