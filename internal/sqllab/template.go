package sqllab

import (
	"fmt"
	"math/rand"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/google/uuid"

	"github.com/caravel-bi/caravel/internal/domain"
)

// TemplateContext is the enumerated binding set available to SQL Lab
// statements. Engine names an engine-specific helper bound under the
// database's backend tag.
type TemplateContext struct {
	Schema   string
	Database *domain.Database
	Extra    map[string]any
	Now      func() time.Time
}

// prestoHelpers are the helper functions bound under "presto" for presto
// databases.
type prestoHelpers struct{}

// LatestPartition renders the canonical latest-partition lookup for a
// table; SQL Lab templates splice it into WHERE clauses.
func (prestoHelpers) LatestPartition(table string) string {
	return fmt.Sprintf(`(SELECT MAX(ds) FROM "%s$partitions")`, table)
}

// Render passes the statement through the template engine with the
// standard bindings: datetime, time, uuid, random, plus the engine helper
// and any configured extras. Template errors are fatal for the query.
func Render(sqlText string, tctx TemplateContext) (string, error) {
	now := time.Now
	if tctx.Now != nil {
		now = tctx.Now
	}
	funcs := template.FuncMap{
		"datetime": func(layout string) string { return now().Format(layout) },
		"time":     func() int64 { return now().Unix() },
		"uuid":     func() string { return uuid.NewString() },
		"random":   func() float64 { return rand.Float64() },
	}
	data := map[string]any{
		"schema": tctx.Schema,
	}
	if tctx.Database != nil {
		data["database"] = tctx.Database.DatabaseName
		if tctx.Database.Backend() == domain.EnginePresto {
			data["presto"] = prestoHelpers{}
		}
	}
	for k, v := range tctx.Extra {
		data[k] = v
	}

	tmpl, err := template.New("sql").Funcs(sprig.TxtFuncMap()).Funcs(funcs).Parse(sqlText)
	if err != nil {
		return "", domain.ErrValidation("template error: %v", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", domain.ErrValidation("template error: %v", err)
	}
	return b.String(), nil
}
