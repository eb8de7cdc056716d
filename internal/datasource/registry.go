package datasource

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/caravel-bi/caravel/internal/domain"
	"github.com/caravel-bi/caravel/internal/druid"
)

// Provider resolves ids and names to datasources of one variant.
type Provider interface {
	Type() string
	Get(ctx context.Context, id int64) (domain.Datasource, error)
	GetEager(ctx context.Context, id int64) (domain.Datasource, error)
	List(ctx context.Context) ([]domain.Datasource, error)
	FindByName(ctx context.Context, name, schema, databaseName string) (domain.Datasource, error)
	// Refresh re-reads metadata from the backing store and persists the
	// discovered columns and metrics.
	Refresh(ctx context.Context, id int64) (domain.Datasource, error)
}

// Registry maps type tags to providers. It is populated at startup and
// read-only afterwards; Register is the extension point for new variants.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register installs a provider for its type tag.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Type()] = p
}

func (r *Registry) provider(typeTag string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[typeTag]
	if !ok {
		return nil, domain.ErrValidation("unknown datasource type %q", typeTag)
	}
	return p, nil
}

// Get resolves exactly one datasource; absence is an error.
func (r *Registry) Get(ctx context.Context, typeTag string, id int64) (domain.Datasource, error) {
	p, err := r.provider(typeTag)
	if err != nil {
		return nil, err
	}
	return p.Get(ctx, id)
}

// GetEager resolves a datasource with its columns and metrics loaded.
func (r *Registry) GetEager(ctx context.Context, typeTag string, id int64) (domain.Datasource, error) {
	p, err := r.provider(typeTag)
	if err != nil {
		return nil, err
	}
	return p.GetEager(ctx, id)
}

// Refresh re-fetches a datasource's metadata and persists what it finds.
func (r *Registry) Refresh(ctx context.Context, typeTag string, id int64) (domain.Datasource, error) {
	p, err := r.provider(typeTag)
	if err != nil {
		return nil, err
	}
	return p.Refresh(ctx, id)
}

// EnumerateAll lists every datasource across the registered variants.
func (r *Registry) EnumerateAll(ctx context.Context) ([]domain.Datasource, error) {
	r.mu.RLock()
	providers := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		providers = append(providers, p)
	}
	r.mu.RUnlock()

	var all []domain.Datasource
	for _, p := range providers {
		list, err := p.List(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, list...)
	}
	return all, nil
}

// FindByName resolves a datasource by its display coordinates.
func (r *Registry) FindByName(ctx context.Context, typeTag, name, schema, databaseName string) (domain.Datasource, error) {
	p, err := r.provider(typeTag)
	if err != nil {
		return nil, err
	}
	return p.FindByName(ctx, name, schema, databaseName)
}

// SqlaProvider serves the table variant from the metastore.
type SqlaProvider struct {
	Tables    domain.TableRepository
	Databases domain.DatabaseRepository
	Open      Opener
	Logger    *slog.Logger
}

func (p *SqlaProvider) Type() string { return domain.DatasourceTypeTable }

func (p *SqlaProvider) wrap(ctx context.Context, t *domain.SqlaTable) (domain.Datasource, error) {
	if t.Database == nil {
		db, err := p.Databases.GetByID(ctx, t.DatabaseID)
		if err != nil {
			return nil, err
		}
		t.Database = db
	}
	return NewSqlaDatasource(t, p.Open, p.Logger), nil
}

func (p *SqlaProvider) Get(ctx context.Context, id int64) (domain.Datasource, error) {
	t, err := p.Tables.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.wrap(ctx, t)
}

func (p *SqlaProvider) GetEager(ctx context.Context, id int64) (domain.Datasource, error) {
	t, err := p.Tables.GetEager(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.wrap(ctx, t)
}

func (p *SqlaProvider) List(ctx context.Context) ([]domain.Datasource, error) {
	tables, err := p.Tables.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Datasource, 0, len(tables))
	for i := range tables {
		ds, err := p.wrap(ctx, &tables[i])
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, nil
}

// Refresh introspects the backing table and writes the discovered columns
// and metrics through the repository, so later loads see them.
func (p *SqlaProvider) Refresh(ctx context.Context, id int64) (domain.Datasource, error) {
	t, err := p.Tables.GetEager(ctx, id)
	if err != nil {
		return nil, err
	}
	ds, err := p.wrap(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := ds.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	for i := range t.Columns {
		t.Columns[i].TableID = t.ID
		if err := p.Tables.UpsertColumn(ctx, &t.Columns[i]); err != nil {
			return nil, err
		}
	}
	for i := range t.Metrics {
		t.Metrics[i].TableID = t.ID
		if err := p.Tables.UpsertMetric(ctx, &t.Metrics[i]); err != nil {
			return nil, err
		}
	}
	// FetchMetadata may have filled in the main datetime column.
	if err := p.Tables.Update(ctx, t); err != nil {
		return nil, err
	}
	return p.GetEager(ctx, id)
}

func (p *SqlaProvider) FindByName(ctx context.Context, name, schema, databaseName string) (domain.Datasource, error) {
	t, err := p.Tables.FindByName(ctx, name, schema, databaseName)
	if err != nil {
		return nil, err
	}
	return p.wrap(ctx, t)
}

// ClientFactory dials a Druid cluster.
type ClientFactory func(cluster *domain.DruidCluster) druid.Client

// DruidProvider serves the druid variant. The druid variant has no eager
// load path; GetEager falls back to Get.
type DruidProvider struct {
	Sources   domain.DruidDatasourceRepository
	Clusters  domain.DruidClusterRepository
	NewClient ClientFactory
	TZ        *time.Location
}

func (p *DruidProvider) Type() string { return domain.DatasourceTypeDruid }

func (p *DruidProvider) client(cluster *domain.DruidCluster) druid.Client {
	if p.NewClient != nil {
		return p.NewClient(cluster)
	}
	return druid.NewHTTPClient(cluster, 0)
}

func (p *DruidProvider) wrap(ctx context.Context, ds *domain.DruidDatasource) (domain.Datasource, error) {
	if ds.Cluster == nil {
		cluster, err := p.Clusters.GetByName(ctx, ds.ClusterName)
		if err != nil {
			return nil, err
		}
		ds.Cluster = cluster
	}
	return NewDruidSource(ds, p.client(ds.Cluster), p.TZ), nil
}

func (p *DruidProvider) Get(ctx context.Context, id int64) (domain.Datasource, error) {
	ds, err := p.Sources.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.wrap(ctx, ds)
}

func (p *DruidProvider) GetEager(ctx context.Context, id int64) (domain.Datasource, error) {
	return p.Get(ctx, id)
}

func (p *DruidProvider) List(ctx context.Context) ([]domain.Datasource, error) {
	sources, err := p.Sources.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Datasource, 0, len(sources))
	for i := range sources {
		ds, err := p.wrap(ctx, &sources[i])
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, nil
}

// Refresh syncs segment metadata and writes the discovered columns and
// metrics through the repository.
func (p *DruidProvider) Refresh(ctx context.Context, id int64) (domain.Datasource, error) {
	ds, err := p.Sources.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	wrapped, err := p.wrap(ctx, ds)
	if err != nil {
		return nil, err
	}
	if err := wrapped.FetchMetadata(ctx); err != nil {
		return nil, err
	}
	for i := range ds.Columns {
		if err := p.Sources.UpsertColumn(ctx, &ds.Columns[i]); err != nil {
			return nil, err
		}
	}
	for i := range ds.Metrics {
		if err := p.Sources.UpsertMetric(ctx, &ds.Metrics[i]); err != nil {
			return nil, err
		}
	}
	return wrapped, nil
}

// FindByName resolves by datasource and cluster name; the schema argument
// is ignored for druid sources.
func (p *DruidProvider) FindByName(ctx context.Context, name, _, clusterName string) (domain.Datasource, error) {
	ds, err := p.Sources.FindByName(ctx, name, clusterName)
	if err != nil {
		return nil, err
	}
	return p.wrap(ctx, ds)
}
