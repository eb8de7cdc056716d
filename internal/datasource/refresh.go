package datasource

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/caravel-bi/caravel/internal/domain"
	"github.com/caravel-bi/caravel/internal/druid"
)

// DruidRefresher reconciles the metastore's Druid datasources with what
// each cluster's coordinator reports. New datasources are created hidden;
// their columns and metrics come from segment metadata.
type DruidRefresher struct {
	Clusters  domain.DruidClusterRepository
	Sources   domain.DruidDatasourceRepository
	NewClient ClientFactory
	TZ        *time.Location
	Logger    *slog.Logger
	Now       func() time.Time
}

func (r *DruidRefresher) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *DruidRefresher) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *DruidRefresher) client(cluster *domain.DruidCluster) druid.Client {
	if r.NewClient != nil {
		return r.NewClient(cluster)
	}
	return druid.NewHTTPClient(cluster, 0)
}

// RefreshCluster syncs one cluster's datasource inventory and metadata.
func (r *DruidRefresher) RefreshCluster(ctx context.Context, cluster *domain.DruidCluster) error {
	client := r.client(cluster)
	names, err := client.Datasources(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		ds, err := r.Sources.FindByName(ctx, name, cluster.ClusterName)
		if err != nil {
			var notFound *domain.NotFoundError
			if !errors.As(err, &notFound) {
				return err
			}
			ds, err = r.Sources.Create(ctx, &domain.DruidDatasource{
				DatasourceName: name,
				ClusterName:    cluster.ClusterName,
				IsHidden:       true,
			})
			if err != nil {
				return err
			}
		}
		ds.Cluster = cluster
		runner := &druid.QueryRunner{DS: ds, Client: client, TZ: r.TZ}
		if err := runner.SyncMetadata(ctx); err != nil {
			r.logger().Warn("druid metadata sync failed",
				slog.String("cluster", cluster.ClusterName),
				slog.String("datasource", name),
				slog.Any("error", err))
			continue
		}
		for i := range ds.Columns {
			if err := r.Sources.UpsertColumn(ctx, &ds.Columns[i]); err != nil {
				return err
			}
		}
		for i := range ds.Metrics {
			if err := r.Sources.UpsertMetric(ctx, &ds.Metrics[i]); err != nil {
				return err
			}
		}
	}
	cluster.MetadataLastRefreshed = r.now()
	return r.Clusters.Update(ctx, cluster)
}

// RefreshAll refreshes every cluster concurrently, one goroutine per
// cluster.
func (r *DruidRefresher) RefreshAll(ctx context.Context) error {
	clusters, err := r.Clusters.List(ctx)
	if err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := range clusters {
		cluster := &clusters[i]
		g.Go(func() error {
			if err := r.RefreshCluster(ctx, cluster); err != nil {
				r.logger().Error("cluster refresh failed",
					slog.String("cluster", cluster.ClusterName),
					slog.Any("error", err))
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
