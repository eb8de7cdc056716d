package sqllab

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caravel-bi/caravel/internal/domain"
)

func TestRenderBuiltins(t *testing.T) {
	tctx := TemplateContext{
		Now: func() time.Time { return time.Date(2016, 6, 1, 12, 0, 0, 0, time.UTC) },
	}

	out, err := Render(`SELECT '{{ datetime "2006-01-02 15:04:05" }}'`, tctx)
	require.NoError(t, err)
	assert.Equal(t, "SELECT '2016-06-01 12:00:00'", out)

	out, err = Render(`SELECT {{ time }}`, tctx)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1464782400", out)

	out, err = Render(`SELECT '{{ uuid }}'`, tctx)
	require.NoError(t, err)
	assert.Len(t, out, len("SELECT ''")+36)
}

func TestRenderPrestoHelper(t *testing.T) {
	tctx := TemplateContext{
		Database: &domain.Database{DatabaseName: "hive", URI: "presto://coordinator:8080/hive/default"},
	}
	out, err := Render(`SELECT * FROM logs WHERE ds = {{ .presto.LatestPartition "logs" }}`, tctx)
	require.NoError(t, err)
	assert.Contains(t, out, `(SELECT MAX(ds) FROM "logs$partitions")`)
}

func TestRenderSchemaBinding(t *testing.T) {
	out, err := Render(`SELECT * FROM {{ .schema }}.t`, TemplateContext{Schema: "staging"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM staging.t", out)
}

func TestRenderSprigFunctions(t *testing.T) {
	out, err := Render(`SELECT '{{ upper "ok" }}'`, TemplateContext{})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 'OK'", out)
}
