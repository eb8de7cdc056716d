package datasource

import (
	"context"
	"time"

	"github.com/caravel-bi/caravel/internal/domain"
	"github.com/caravel-bi/caravel/internal/druid"
)

// DruidSource adapts a Druid datasource to the Datasource interface.
type DruidSource struct {
	DS     *domain.DruidDatasource
	runner *druid.QueryRunner
}

// NewDruidSource wraps a datasource with a query runner bound to its
// cluster.
func NewDruidSource(ds *domain.DruidDatasource, client druid.Client, tz *time.Location) *DruidSource {
	return &DruidSource{
		DS:     ds,
		runner: &druid.QueryRunner{DS: ds, Client: client, TZ: tz},
	}
}

func (d *DruidSource) Type() string { return domain.DatasourceTypeDruid }
func (d *DruidSource) ID() int64    { return d.DS.ID }
func (d *DruidSource) Name() string { return d.DS.Name() }
func (d *DruidSource) Perm() string { return d.DS.Perm() }

func (d *DruidSource) DatabasePerm() string {
	if d.DS.Cluster == nil {
		return ""
	}
	return d.DS.Cluster.Perm()
}

func (d *DruidSource) CreatedBy() string { return d.DS.CreatedBy }
func (d *DruidSource) Owners() []string  { return d.DS.Owners }

func (d *DruidSource) RestrictedMetricPerms(metricNames []string) map[string]string {
	out := map[string]string{}
	for _, name := range metricNames {
		if m := d.DS.GetMetric(name); m != nil && m.IsRestricted {
			out[name] = d.DS.MetricPerm(m)
		}
	}
	return out
}

func (d *DruidSource) ColumnNames() []string           { return d.DS.ColumnNames() }
func (d *DruidSource) GroupbyColumnNames() []string    { return d.DS.GroupbyColumnNames() }
func (d *DruidSource) FilterableColumnNames() []string { return d.DS.FilterableColumnNames() }

// DttmCols returns the implicit event-time column; Druid sources have no
// other temporal columns.
func (d *DruidSource) DttmCols() []string  { return []string{"__time"} }
func (d *DruidSource) MainDttmCol() string { return "__time" }

func (d *DruidSource) MetricsCombo() []domain.MetricOption { return d.DS.MetricsCombo() }

func (d *DruidSource) CacheTimeout() int {
	if d.DS.CacheTimeout > 0 {
		return d.DS.CacheTimeout
	}
	if d.DS.Cluster != nil {
		return d.DS.Cluster.CacheTimeout
	}
	return 0
}

// Query delegates to the groupBy runner.
func (d *DruidSource) Query(ctx context.Context, req *domain.QueryRequest) (*domain.ResultFrame, error) {
	return d.runner.Query(ctx, req)
}

// FetchMetadata reconciles columns and metrics from the latest segment.
func (d *DruidSource) FetchMetadata(ctx context.Context) error {
	return d.runner.SyncMetadata(ctx)
}
