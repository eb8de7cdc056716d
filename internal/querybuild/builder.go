// Package querybuild compiles a logical query request into a single SELECT
// statement against a semantic table. The compiler is pure text generation;
// execution lives with the datasource layer.
package querybuild

import (
	"fmt"
	"strings"
	"time"

	"github.com/caravel-bi/caravel/internal/domain"
	"github.com/caravel-bi/caravel/internal/engines"
	"github.com/caravel-bi/caravel/internal/timegrain"
)

// innerLabel is the alias given to groupby expressions inside the top-N
// series subquery so the outer query can join on them.
func innerLabel(name string) string { return "__" + name }

// Compile builds the SQL text for a request against a table. The table must
// carry its Database so the engine dialect and grain table can be resolved.
func Compile(t *domain.SqlaTable, req *domain.QueryRequest) (string, error) {
	if t.Database == nil {
		return "", domain.ErrValidation("table %q has no database bound", t.TableName)
	}
	backend := t.Database.Backend()

	granularity := req.Granularity
	if granularity != "" && !contains(t.DttmCols(), granularity) {
		granularity = t.MainDttmCol
	}
	if granularity == "" && req.IsTimeseries {
		return "", domain.ErrValidation(
			"Datetime column not provided as part table configuration and is required by this type of chart")
	}

	metricExprs := make([]string, 0, len(req.Metrics))
	var mainMetricExpr string
	for _, name := range req.Metrics {
		m := t.GetMetric(name)
		if m == nil {
			return "", domain.ErrValidation("metric %q does not exist on table %q", name, t.TableName)
		}
		metricExprs = append(metricExprs, fmt.Sprintf("%s AS %s", m.Expression, m.MetricName))
		if mainMetricExpr == "" {
			mainMetricExpr = m.Expression
		}
	}
	mainMetricLabeled := ""
	if mainMetricExpr == "" {
		mainMetricExpr = "COUNT(*)"
		mainMetricLabeled = "COUNT(*) AS ccount"
	} else {
		mainMetricLabeled = metricExprs[0]
	}

	var selectExprs, groupbyLabels []string
	var innerSelectExprs, innerGroupbyLabels []string

	switch {
	case len(req.Groupby) > 0:
		for _, name := range req.Groupby {
			col := t.GetCol(name)
			if col == nil {
				return "", domain.ErrValidation("column %q does not exist on table %q", name, t.TableName)
			}
			selectExprs = append(selectExprs, labeled(col.SQLExpr(), name))
			groupbyLabels = append(groupbyLabels, name)
			innerSelectExprs = append(innerSelectExprs, fmt.Sprintf("%s AS %s", col.SQLExpr(), innerLabel(name)))
			innerGroupbyLabels = append(innerGroupbyLabels, innerLabel(name))
		}
	case len(req.Columns) > 0:
		for _, name := range req.Columns {
			col := t.GetCol(name)
			if col == nil {
				return "", domain.ErrValidation("column %q does not exist on table %q", name, t.TableName)
			}
			selectExprs = append(selectExprs, labeled(col.SQLExpr(), name))
		}
		metricExprs = nil
	}

	var timeFilter, innerTimeFilter []string
	if granularity != "" {
		dttmCol := t.GetCol(granularity)
		if dttmCol == nil {
			dttmCol = &domain.TableColumn{ColumnName: granularity}
		}
		timestampExpr, err := timestampExpression(backend, dttmCol, req.Extras.TimeGrainSQLA)
		if err != nil {
			return "", err
		}
		if req.IsTimeseries {
			selectExprs = append(selectExprs, labeled(timestampExpr, "timestamp"))
			groupbyLabels = append(groupbyLabels, "timestamp")
		}
		base := dttmCol.SQLExpr()
		timeFilter = []string{
			fmt.Sprintf("%s >= %s", base, dttmLiteral(dttmCol, req.FromDttm)),
			fmt.Sprintf("%s <= %s", base, dttmLiteral(dttmCol, req.ToDttm)),
		}
		innerTimeFilter = []string{
			fmt.Sprintf("%s >= %s", base, dttmLiteral(dttmCol, req.InnerFromDttm)),
			fmt.Sprintf("%s <= %s", base, dttmLiteral(dttmCol, req.InnerToDttm)),
		}
	}

	selectExprs = append(selectExprs, metricExprs...)
	if len(selectExprs) == 0 {
		selectExprs = []string{mainMetricLabeled}
	}

	filterConds, err := compileFilters(t, req.Filters)
	if err != nil {
		return "", err
	}
	if req.Extras.Where != "" {
		filterConds = append(filterConds, "("+req.Extras.Where+")")
	}
	whereConds := append(append([]string{}, timeFilter...), filterConds...)
	var havingConds []string
	if req.Extras.Having != "" {
		havingConds = append(havingConds, "("+req.Extras.Having+")")
	}

	from := fromClause(t)
	if req.TimeseriesLimit > 0 && len(req.Groupby) > 0 {
		subq := compileTopNSubquery(
			innerSelectExprs, mainMetricLabeled, from,
			append(append([]string{}, filterConds...), innerTimeFilter...),
			innerGroupbyLabels, mainMetricExpr, req.TimeseriesLimit)
		joins := make([]string, len(req.Groupby))
		for i, name := range req.Groupby {
			joins[i] = fmt.Sprintf("%s = %s", t.GetCol(name).SQLExpr(), innerLabel(name))
		}
		from = fmt.Sprintf("%s\nJOIN (%s) AS top_qry ON %s", from, subq, strings.Join(joins, " AND "))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s\nFROM %s", strings.Join(selectExprs, ", "), from)
	if len(whereConds) > 0 {
		fmt.Fprintf(&b, "\nWHERE %s", strings.Join(whereConds, " AND "))
	}
	if len(req.Columns) == 0 && len(groupbyLabels) > 0 {
		fmt.Fprintf(&b, "\nGROUP BY %s", strings.Join(groupbyLabels, ", "))
	}
	if len(havingConds) > 0 {
		fmt.Fprintf(&b, "\nHAVING %s", strings.Join(havingConds, " AND "))
	}
	if len(req.Groupby) > 0 {
		fmt.Fprintf(&b, "\nORDER BY %s DESC", mainMetricExpr)
	} else if len(req.OrderBy) > 0 {
		terms := make([]string, len(req.OrderBy))
		for i, o := range req.OrderBy {
			dir := "DESC"
			if o.Ascending {
				dir = "ASC"
			}
			terms[i] = fmt.Sprintf("%s %s", o.Col, dir)
		}
		fmt.Fprintf(&b, "\nORDER BY %s", strings.Join(terms, ", "))
	}
	if req.RowLimit > 0 {
		fmt.Fprintf(&b, "\nLIMIT %d", req.RowLimit)
	}
	return b.String(), nil
}

// compileTopNSubquery builds the series-selection subquery: the inner
// labeled groupby expressions plus the main metric, ordered by that metric
// and capped at the series limit.
func compileTopNSubquery(selectExprs []string, mainMetricLabeled, from string, conds, groupbyLabels []string, mainMetricExpr string, limit int) string {
	exprs := append(append([]string{}, selectExprs...), mainMetricLabeled)
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s\nFROM %s", strings.Join(exprs, ", "), from)
	if len(conds) > 0 {
		fmt.Fprintf(&b, "\nWHERE %s", strings.Join(conds, " AND "))
	}
	fmt.Fprintf(&b, "\nGROUP BY %s", strings.Join(groupbyLabels, ", "))
	fmt.Fprintf(&b, "\nORDER BY %s DESC", mainMetricExpr)
	fmt.Fprintf(&b, "\nLIMIT %d", limit)
	return b.String()
}

func labeled(expr, name string) string {
	if expr == name {
		return name
	}
	return fmt.Sprintf("%s AS %s", expr, name)
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}

// fromClause renders the table reference: the user-supplied SQL as a
// subquery when present, otherwise the optionally schema-qualified name.
func fromClause(t *domain.SqlaTable) string {
	if strings.TrimSpace(t.SQL) != "" {
		return fmt.Sprintf("(%s) AS expr_qry", strings.TrimSpace(t.SQL))
	}
	if t.Schema != "" {
		return t.Schema + "." + t.TableName
	}
	return t.TableName
}

// timestampExpression wraps the time column in its epoch conversion and the
// configured grain template.
func timestampExpression(backend string, col *domain.TableColumn, grain string) (string, error) {
	expr := col.SQLExpr()
	if grain == "" {
		return expr, nil
	}
	switch col.DateFormat {
	case domain.DateFormatEpochS:
		conv, err := engines.EpochToDttm(backend, false)
		if err != nil {
			return "", err
		}
		expr = strings.ReplaceAll(conv, "{col}", expr)
	case domain.DateFormatEpochMS:
		conv, err := engines.EpochToDttm(backend, true)
		if err != nil {
			return "", err
		}
		expr = strings.ReplaceAll(conv, "{col}", expr)
	}
	return timegrain.Apply(backend, grain, expr), nil
}

// compileFilters renders the request filters as SQL predicates. Empty
// in-lists are dropped rather than compiled to tautologies.
func compileFilters(t *domain.SqlaTable, filters []domain.Filter) ([]string, error) {
	var conds []string
	for _, f := range filters {
		if f.IsEmpty() {
			continue
		}
		col := t.GetCol(f.Col)
		if col == nil {
			return nil, domain.ErrValidation("column %q does not exist on table %q", f.Col, t.TableName)
		}
		expr := col.SQLExpr()
		switch f.Op {
		case domain.OpEquals:
			conds = append(conds, fmt.Sprintf("%s = %s", expr, filterLiteral(col, f.Val)))
		case domain.OpNotEquals:
			conds = append(conds, fmt.Sprintf("%s != %s", expr, filterLiteral(col, f.Val)))
		case domain.OpIn, domain.OpNotIn:
			values := f.ValueList()
			if len(values) == 0 {
				continue
			}
			quoted := make([]string, len(values))
			for i, v := range values {
				quoted[i] = filterLiteral(col, v)
			}
			op := "IN"
			if f.Op == domain.OpNotIn {
				op = "NOT IN"
			}
			conds = append(conds, fmt.Sprintf("%s %s (%s)", expr, op, strings.Join(quoted, ", ")))
		case domain.OpIsNotNull:
			conds = append(conds, fmt.Sprintf("%s IS NOT NULL", expr))
		case domain.OpRegex:
			return nil, domain.ErrValidation("regex filters are only supported on druid datasources")
		default:
			return nil, domain.ErrValidation("unknown filter operator %q", f.Op)
		}
	}
	return conds, nil
}

// filterLiteral renders a filter value: numeric columns get the raw value,
// everything else a quoted string with embedded quotes doubled.
func filterLiteral(col *domain.TableColumn, v string) string {
	if col.IsNum() {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// dttmLiteral renders a datetime bound for the time filter. The default
// rendering is a quoted string with microsecond precision; columns can
// override with an epoch format or a database expression template.
func dttmLiteral(col *domain.TableColumn, dttm time.Time) string {
	if col.DatabaseExpression != "" {
		return fmt.Sprintf(col.DatabaseExpression, dttm.Format("2006-01-02 15:04:05"))
	}
	switch col.DateFormat {
	case domain.DateFormatEpochS:
		return fmt.Sprintf("%d", dttm.Unix())
	case domain.DateFormatEpochMS:
		return fmt.Sprintf("%d", dttm.UnixMilli())
	case "":
		return "'" + dttm.Format("2006-01-02 15:04:05.000000") + "'"
	default:
		return "'" + dttm.Format(col.DateFormat) + "'"
	}
}
