package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-bi/caravel/internal/config"
	"github.com/caravel-bi/caravel/internal/db"
)

func testConfig() *config.Config {
	return &config.Config{
		ListenAddr:          ":0",
		RowLimit:            1000,
		SQLLabTimeout:       10 * time.Second,
		CacheDefaultTimeout: time.Minute,
		DruidTZ:             "UTC",
		ResultsBackend:      "memory",
		CORSAllowedOrigins:  []string{"*"},
		Modules:             config.Modules{Datasources: []string{"table", "druid"}},
	}
}

func TestNewWiresBothModules(t *testing.T) {
	writeDB, readDB := db.OpenTestSQLite(t)
	a, err := New(Deps{Cfg: testConfig(), WriteDB: writeDB, ReadDB: readDB})
	require.NoError(t, err)

	require.NotNil(t, a.Refresher)
	_, err = a.Registry.Get(context.Background(), "table", 1)
	assert.Error(t, err) // resolves the provider, misses the row

	// An unregistered tag is rejected before any lookup.
	_, err = a.Registry.Get(context.Background(), "cube", 1)
	assert.Error(t, err)
}

func TestNewTableOnlyDisablesDruid(t *testing.T) {
	writeDB, readDB := db.OpenTestSQLite(t)
	cfg := testConfig()
	cfg.Modules.Datasources = []string{"table"}

	a, err := New(Deps{Cfg: cfg, WriteDB: writeDB, ReadDB: readDB})
	require.NoError(t, err)
	assert.Nil(t, a.Refresher)
}

func TestNewRejectsBadDruidTZ(t *testing.T) {
	writeDB, readDB := db.OpenTestSQLite(t)
	cfg := testConfig()
	cfg.DruidTZ = "Mars/Olympus"

	_, err := New(Deps{Cfg: cfg, WriteDB: writeDB, ReadDB: readDB})
	assert.Error(t, err)
}

func TestNewResultsBackendSelection(t *testing.T) {
	cfg := testConfig()
	backend, err := newResultsBackend(cfg)
	require.NoError(t, err)
	assert.NotNil(t, backend)

	cfg.ResultsBackend = "s3"
	cfg.S3Bucket = "caravel-results"
	cfg.S3Region = "us-east-1"
	backend, err = newResultsBackend(cfg)
	require.NoError(t, err)
	assert.NotNil(t, backend)

	cfg.ResultsBackend = "redis"
	_, err = newResultsBackend(cfg)
	assert.Error(t, err)
}
