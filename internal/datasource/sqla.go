// Package datasource provides the queryable variants behind the common
// Datasource interface and the registry resolving type tags to them.
package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/caravel-bi/caravel/internal/domain"
	"github.com/caravel-bi/caravel/internal/engines"
	"github.com/caravel-bi/caravel/internal/querybuild"
)

// Opener dials a connection pool for a database record.
type Opener func(ctx context.Context, db *domain.Database) (*sql.DB, error)

// pooledOpener caches one pool per database id.
type pooledOpener struct {
	open  Opener
	mu    sync.Mutex
	pools map[int64]*sql.DB
}

func newPooledOpener(open Opener) *pooledOpener {
	if open == nil {
		open = engines.Open
	}
	return &pooledOpener{open: open, pools: map[int64]*sql.DB{}}
}

func (p *pooledOpener) get(ctx context.Context, db *domain.Database) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pool, ok := p.pools[db.ID]; ok {
		return pool, nil
	}
	pool, err := p.open(ctx, db)
	if err != nil {
		return nil, err
	}
	p.pools[db.ID] = pool
	return pool, nil
}

// SqlaDatasource adapts a semantic table to the Datasource interface.
type SqlaDatasource struct {
	Table  *domain.SqlaTable
	opener *pooledOpener
	logger *slog.Logger
	now    func() time.Time
}

// NewSqlaDatasource wraps a table; the table must carry its Database.
func NewSqlaDatasource(table *domain.SqlaTable, opener Opener, logger *slog.Logger) *SqlaDatasource {
	if logger == nil {
		logger = slog.Default()
	}
	return &SqlaDatasource{
		Table:  table,
		opener: newPooledOpener(opener),
		logger: logger,
		now:    time.Now,
	}
}

func (d *SqlaDatasource) Type() string { return domain.DatasourceTypeTable }
func (d *SqlaDatasource) ID() int64    { return d.Table.ID }
func (d *SqlaDatasource) Name() string { return d.Table.Name() }
func (d *SqlaDatasource) Perm() string { return d.Table.Perm() }

func (d *SqlaDatasource) DatabasePerm() string {
	if d.Table.Database == nil {
		return ""
	}
	return d.Table.Database.Perm()
}

func (d *SqlaDatasource) CreatedBy() string { return d.Table.CreatedBy }
func (d *SqlaDatasource) Owners() []string  { return d.Table.Owners }

func (d *SqlaDatasource) RestrictedMetricPerms(metricNames []string) map[string]string {
	out := map[string]string{}
	for _, name := range metricNames {
		if m := d.Table.GetMetric(name); m != nil && m.IsRestricted {
			out[name] = d.Table.MetricPerm(m)
		}
	}
	return out
}

func (d *SqlaDatasource) ColumnNames() []string               { return d.Table.ColumnNames() }
func (d *SqlaDatasource) GroupbyColumnNames() []string        { return d.Table.GroupbyColumnNames() }
func (d *SqlaDatasource) FilterableColumnNames() []string     { return d.Table.FilterableColumnNames() }
func (d *SqlaDatasource) DttmCols() []string                  { return d.Table.DttmCols() }
func (d *SqlaDatasource) MainDttmCol() string                 { return d.Table.MainDttmCol }
func (d *SqlaDatasource) MetricsCombo() []domain.MetricOption { return d.Table.MetricsCombo() }

func (d *SqlaDatasource) CacheTimeout() int {
	if d.Table.CacheTimeout > 0 {
		return d.Table.CacheTimeout
	}
	if d.Table.Database != nil {
		return d.Table.Database.CacheTimeout
	}
	return 0
}

// Query compiles the request, executes it, and returns the frame. An empty
// result surfaces as a no-data error carrying the compiled text.
func (d *SqlaDatasource) Query(ctx context.Context, req *domain.QueryRequest) (*domain.ResultFrame, error) {
	start := d.now()
	sqlText, err := querybuild.Compile(d.Table, req)
	if err != nil {
		return nil, err
	}
	pool, err := d.opener.get(ctx, d.Table.Database)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("running datasource query",
		slog.String("table", d.Table.TableName),
		slog.String("sql", sqlText))

	rows, err := pool.QueryContext(ctx, sqlText)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, domain.ErrTimeout("query against %s timed out", d.Table.TableName)
		}
		return nil, domain.ErrQuery(err, sqlText)
	}
	defer rows.Close()

	frame, err := engines.ScanFrame(rows)
	if err != nil {
		return nil, domain.ErrQuery(err, sqlText)
	}
	if frame.Empty() {
		return nil, &domain.NoDataError{Query: sqlText}
	}
	frame.Query = sqlText
	frame.Duration = d.now().Sub(start)
	frame.Status = domain.StatusSuccess
	return frame, nil
}

// FetchMetadata reconciles the table's columns and metrics with the
// backend by introspecting an empty probe query. New string columns arrive
// groupable and filterable, numerics summable, temporals flagged dttm, and
// the matching aggregate metrics are generated.
func (d *SqlaDatasource) FetchMetadata(ctx context.Context) error {
	pool, err := d.opener.get(ctx, d.Table.Database)
	if err != nil {
		return err
	}
	probe := fmt.Sprintf("SELECT * FROM %s WHERE 1=0", d.probeTarget())
	rows, err := pool.QueryContext(ctx, probe)
	if err != nil {
		return domain.ErrQuery(
			fmt.Errorf("table doesn't seem to exist in the specified database, couldn't fetch column information: %w", err),
			probe)
	}
	defer rows.Close()
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return domain.ErrQuery(err, probe)
	}

	anyDateCol := ""
	metrics := []domain.SqlMetric{{
		MetricName:  "count",
		VerboseName: "COUNT(*)",
		MetricType:  "count",
		Expression:  "COUNT(*)",
	}}
	for _, ct := range colTypes {
		name := ct.Name()
		datatype := ct.DatabaseTypeName()
		col := d.Table.GetCol(name)
		if col == nil {
			d.Table.Columns = append(d.Table.Columns, domain.TableColumn{
				TableID:    d.Table.ID,
				ColumnName: name,
				Type:       datatype,
			})
			col = &d.Table.Columns[len(d.Table.Columns)-1]
			col.Groupby = col.IsString()
			col.Filterable = col.IsString()
			col.Sum = col.IsNum()
			col.IsDttm = col.IsTime()
		} else {
			col.Type = datatype
		}
		if anyDateCol == "" && col.IsTime() {
			anyDateCol = name
		}
		metrics = append(metrics, autoMetricsFor(col)...)
	}
	for _, m := range metrics {
		if d.Table.GetMetric(m.MetricName) == nil {
			m.TableID = d.Table.ID
			d.Table.Metrics = append(d.Table.Metrics, m)
		}
	}
	if d.Table.MainDttmCol == "" && anyDateCol != "" {
		d.Table.MainDttmCol = anyDateCol
	}
	return nil
}

func (d *SqlaDatasource) probeTarget() string {
	if d.Table.SQL != "" {
		return fmt.Sprintf("(%s) AS expr_qry", d.Table.SQL)
	}
	if d.Table.Schema != "" {
		return d.Table.Schema + "." + d.Table.TableName
	}
	return d.Table.TableName
}

// autoMetricsFor derives the standard aggregates from a column's flags.
func autoMetricsFor(col *domain.TableColumn) []domain.SqlMetric {
	var metrics []domain.SqlMetric
	add := func(prefix, metricType, expr string) {
		name := prefix + "__" + col.ColumnName
		metrics = append(metrics, domain.SqlMetric{
			MetricName:  name,
			VerboseName: name,
			MetricType:  metricType,
			Expression:  expr,
		})
	}
	if col.Sum {
		add("sum", "sum", fmt.Sprintf("SUM(%s)", col.ColumnName))
	}
	if col.Max {
		add("max", "max", fmt.Sprintf("MAX(%s)", col.ColumnName))
	}
	if col.Min {
		add("min", "min", fmt.Sprintf("MIN(%s)", col.ColumnName))
	}
	if col.CountDistinct {
		add("count_distinct", "count_distinct", fmt.Sprintf("COUNT(DISTINCT %s)", col.ColumnName))
	}
	return metrics
}

// SelectStar renders the editor's preview statement for the table.
func (d *SqlaDatasource) SelectStar(limit int) string {
	return fmt.Sprintf("SELECT *\nFROM %s\nLIMIT %d", d.probeTarget(), limit)
}
