// Package app provides application-level wiring: it assembles the
// repositories, services, and HTTP surface from the configuration and
// the opened metastore pools.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmoiron/sqlx"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/caravel-bi/caravel/internal/api"
	"github.com/caravel-bi/caravel/internal/cache"
	"github.com/caravel-bi/caravel/internal/config"
	"github.com/caravel-bi/caravel/internal/datasource"
	"github.com/caravel-bi/caravel/internal/db/repository"
	"github.com/caravel-bi/caravel/internal/domain"
	"github.com/caravel-bi/caravel/internal/security"
	"github.com/caravel-bi/caravel/internal/sqllab"
	"github.com/caravel-bi/caravel/internal/viz"
)

// Deps holds the external dependencies that main() must provide: the
// opened metastore pools, config, and the logger.
type Deps struct {
	Cfg     *config.Config
	WriteDB *sqlx.DB
	ReadDB  *sqlx.DB
	Logger  *slog.Logger
}

// App is the fully-wired application. Refresher is nil when the druid
// module is disabled.
type App struct {
	Handler   *api.Handler
	Registry  *datasource.Registry
	Refresher *datasource.DruidRefresher

	cfg    *config.Config
	logger *slog.Logger
}

// New wires repositories, services, and the HTTP handler from the
// provided deps.
func New(deps Deps) (*App, error) {
	cfg := deps.Cfg
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Repositories. Mutating repos get the write pool; the access repo
	// only answers SELECTs and rides the read pool.
	databases := repository.NewDatabaseRepo(deps.WriteDB)
	tables := repository.NewTableRepo(deps.WriteDB)
	queries := repository.NewQueryRepo(deps.WriteDB)
	clusters := repository.NewClusterRepo(deps.WriteDB)
	druidSources := repository.NewDruidDatasourceRepo(deps.WriteDB)
	grants := repository.NewAccessRepo(deps.ReadDB)

	sec := security.NewService(grants, logger.With("component", "security"))

	registry := datasource.NewRegistry()
	if cfg.Modules.Enabled(domain.DatasourceTypeTable) {
		registry.Register(&datasource.SqlaProvider{
			Tables:    tables,
			Databases: databases,
			Logger:    logger.With("component", "sqla"),
		})
	}

	var refresher *datasource.DruidRefresher
	if cfg.Modules.Enabled(domain.DatasourceTypeDruid) {
		tz, err := time.LoadLocation(cfg.DruidTZ)
		if err != nil {
			return nil, fmt.Errorf("load druid timezone %q: %w", cfg.DruidTZ, err)
		}
		registry.Register(&datasource.DruidProvider{
			Sources:  druidSources,
			Clusters: clusters,
			TZ:       tz,
		})
		refresher = &datasource.DruidRefresher{
			Clusters: clusters,
			Sources:  druidSources,
			TZ:       tz,
			Logger:   logger.With("component", "druid-refresh"),
		}
	}

	results, err := newResultsBackend(cfg)
	if err != nil {
		return nil, err
	}

	handler := &api.Handler{
		Viz: &viz.Service{
			Registry:   registry,
			Security:   sec,
			Cache:      cache.NewMemoryStore(cfg.CacheDefaultTimeout),
			DefaultTTL: cfg.CacheDefaultTimeout,
			Logger:     logger.With("component", "viz"),
		},
		Registry: registry,
		Security: sec,
		Executor: &sqllab.Executor{
			Queries:   queries,
			Databases: databases,
			Results:   results,
			Timeout:   cfg.SQLLabTimeout,
			Logger:    logger.With("component", "sqllab"),
		},
		Queries:         queries,
		Databases:       databases,
		DefaultRowLimit: cfg.RowLimit,
		Logger:          logger.With("component", "api"),
	}

	return &App{
		Handler:   handler,
		Registry:  registry,
		Refresher: refresher,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

func newResultsBackend(cfg *config.Config) (sqllab.ResultsBackend, error) {
	switch cfg.ResultsBackend {
	case "s3":
		opts := s3.Options{Region: cfg.S3Region}
		if cfg.S3KeyID != "" {
			opts.Credentials = credentials.NewStaticCredentialsProvider(
				cfg.S3KeyID, cfg.S3Secret, "")
		}
		if cfg.S3Endpoint != "" {
			opts.BaseEndpoint = aws.String("https://" + cfg.S3Endpoint)
			opts.UsePathStyle = true
		}
		return sqllab.NewS3ResultsBackend(s3.New(opts), cfg.S3Bucket, cfg.S3KeyPrefix), nil
	case "memory":
		return sqllab.NewMemoryResultsBackend(), nil
	default:
		return nil, fmt.Errorf("unknown results backend %q", cfg.ResultsBackend)
	}
}

// Serve runs the HTTP server plus the druid refresh schedule until ctx is
// cancelled, then shuts both down.
func (a *App) Serve(ctx context.Context) error {
	router := api.NewRouter(a.Handler, api.RouterConfig{
		CORSAllowedOrigins: a.cfg.CORSAllowedOrigins,
		RateLimitRPS:       a.cfg.RateLimitRPS,
		RateLimitBurst:     a.cfg.RateLimitBurst,
	})
	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var sched *cron.Cron
	if a.Refresher != nil && a.cfg.DruidRefreshSpec != "" {
		sched = cron.New()
		_, err := sched.AddFunc(a.cfg.DruidRefreshSpec, func() {
			if err := a.Refresher.RefreshAll(context.Background()); err != nil {
				a.logger.Warn("scheduled druid refresh failed", slog.Any("error", err))
			}
		})
		if err != nil {
			return fmt.Errorf("druid refresh schedule %q: %w", a.cfg.DruidRefreshSpec, err)
		}
		sched.Start()
		a.logger.Info("druid refresh scheduled", slog.String("spec", a.cfg.DruidRefreshSpec))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server listening", slog.String("addr", a.cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		if sched != nil {
			<-sched.Stop().Done()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
