// Package main is the entry point for the caravel binary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/caravel-bi/caravel/internal/app"
	"github.com/caravel-bi/caravel/internal/config"
	"github.com/caravel-bi/caravel/internal/db"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "caravel",
		Short:         "Caravel query core",
		Long:          "Server and maintenance commands for the Caravel BI query core.",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newRefreshDruidCmd())
	return rootCmd
}

// setup loads config, opens the metastore pools, and installs the
// default logger. The caller owns closing the returned pools.
func setup(flags *pflag.FlagSet) (*config.Config, *sqlx.DB, *sqlx.DB, *slog.Logger, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	if flags.Changed("meta-db") {
		if path, err := flags.GetString("meta-db"); err == nil {
			cfg.MetaDBPath = path
		}
	}

	writeDB, readDB, err := db.OpenSQLitePair(cfg.MetaDBPath, 4)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open metastore: %w", err)
	}
	return cfg, writeDB, readDB, logger, nil
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run migrations and start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, writeDB, readDB, logger, err := setup(cmd.Flags())
			if err != nil {
				return err
			}
			defer writeDB.Close()
			defer readDB.Close()

			if err := db.RunMigrations(writeDB); err != nil {
				return fmt.Errorf("migrate metastore: %w", err)
			}

			a, err := app.New(app.Deps{Cfg: cfg, WriteDB: writeDB, ReadDB: readDB, Logger: logger})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.Serve(ctx)
		},
	}
	cmd.Flags().String("meta-db", "", "path to the SQLite metastore (overrides CARAVEL_META_DB_PATH)")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending metastore migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, writeDB, readDB, logger, err := setup(cmd.Flags())
			if err != nil {
				return err
			}
			defer writeDB.Close()
			defer readDB.Close()

			if err := db.RunMigrations(writeDB); err != nil {
				return err
			}
			logger.Info("metastore migrations applied")
			return nil
		},
	}
	cmd.Flags().String("meta-db", "", "path to the SQLite metastore (overrides CARAVEL_META_DB_PATH)")
	return cmd
}

func newRefreshDruidCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh-druid",
		Short: "Refresh datasource metadata from every Druid cluster and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, writeDB, readDB, logger, err := setup(cmd.Flags())
			if err != nil {
				return err
			}
			defer writeDB.Close()
			defer readDB.Close()

			if err := db.RunMigrations(writeDB); err != nil {
				return fmt.Errorf("migrate metastore: %w", err)
			}

			a, err := app.New(app.Deps{Cfg: cfg, WriteDB: writeDB, ReadDB: readDB, Logger: logger})
			if err != nil {
				return err
			}
			if a.Refresher == nil {
				return fmt.Errorf("druid module is disabled")
			}
			if err := a.Refresher.RefreshAll(cmd.Context()); err != nil {
				return err
			}
			logger.Info("druid metadata refreshed")
			return nil
		},
	}
	cmd.Flags().String("meta-db", "", "path to the SQLite metastore (overrides CARAVEL_META_DB_PATH)")
	return cmd
}
