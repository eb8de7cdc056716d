package druid

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/caravel-bi/caravel/internal/domain"
)

// QueryRunner compiles requests into groupBy queries and executes them
// against a datasource's cluster, including the two-phase top-N path.
type QueryRunner struct {
	DS     *domain.DruidDatasource
	Client Client
	// TZ is the cluster time zone; request bounds are forced into it.
	TZ  *time.Location
	Now func() time.Time
}

func (r *QueryRunner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *QueryRunner) loc() *time.Location {
	if r.TZ != nil {
		return r.TZ
	}
	return time.UTC
}

// forceTZ keeps the wall-clock reading and swaps the location, matching how
// the cluster interprets naive request bounds.
func forceTZ(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}

// recursiveFieldNames walks an arithmetic post-aggregator configuration and
// collects the aggregator names it references.
func recursiveFieldNames(conf map[string]any) []string {
	seen := map[string]bool{}
	var walk func(c map[string]any)
	walk = func(c map[string]any) {
		fields, _ := c["fields"].([]any)
		for _, f := range fields {
			fm, ok := f.(map[string]any)
			if !ok {
				continue
			}
			switch fm["type"] {
			case "fieldAccess", "hyperUniqueCardinality":
				if name, ok := fm["fieldName"].(string); ok {
					seen[name] = true
				}
			case "arithmetic":
				walk(fm)
			}
		}
	}
	walk(conf)
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// aggregationsFor resolves the requested metric names into aggregator and
// post-aggregator fragments. Post-aggregations pull in the plain aggregators
// they reference.
func (r *QueryRunner) aggregationsFor(metrics []string) (aggs, postAggs []json.RawMessage, err error) {
	wanted := map[string]bool{}
	for _, name := range metrics {
		m := r.DS.GetMetric(name)
		if m == nil {
			return nil, nil, domain.ErrValidation("metric %q does not exist on datasource %q", name, r.DS.DatasourceName)
		}
		if m.MetricType != "postagg" {
			wanted[name] = true
			continue
		}
		conf := m.JSONObj()
		for _, ref := range recursiveFieldNames(conf) {
			wanted[ref] = true
		}
		if fieldNames, ok := conf["fieldNames"].([]any); ok {
			for _, fn := range fieldNames {
				if s, ok := fn.(string); ok {
					wanted[s] = true
				}
			}
		}
		postAggs = append(postAggs, json.RawMessage(m.JSON))
	}
	for _, m := range r.DS.Metrics {
		if wanted[m.MetricName] {
			aggs = append(aggs, json.RawMessage(m.JSON))
		}
	}
	return aggs, postAggs, nil
}

// granularityFor maps the request granularity to a native granularity:
// "all" passes through, anything else is parsed as a human duration in
// milliseconds, carrying the configured origin when present.
func (r *QueryRunner) granularityFor(req *domain.QueryRequest) (any, error) {
	g := req.Granularity
	if g == "" || g == "all" {
		return "all", nil
	}
	d, err := domain.ParseHumanDuration(g)
	if err != nil {
		return nil, err
	}
	gran := DurationGranularity{Type: "duration", Duration: d.Milliseconds()}
	if origin := req.Extras.DruidTimeOrigin; origin != "" {
		dttm, err := domain.ParseHumanDatetime(origin, r.now())
		if err != nil {
			return nil, err
		}
		gran.Origin = dttm.Format(time.RFC3339)
	}
	return gran, nil
}

// sortMetric picks the limit-spec ordering column: the first requested
// metric, falling back to the datasource's first stored metric.
func (r *QueryRunner) sortMetric(metrics []string) (string, error) {
	if len(metrics) > 0 {
		return metrics[0], nil
	}
	if len(r.DS.Metrics) > 0 {
		return r.DS.Metrics[0].MetricName, nil
	}
	return "", domain.ErrValidation("a sort metric is required when a row limit is set")
}

// Query runs the request against the broker and returns a normalized frame.
func (r *QueryRunner) Query(ctx context.Context, req *domain.QueryRequest) (*domain.ResultFrame, error) {
	start := r.now()

	fromDttm := forceTZ(req.FromDttm, r.loc())
	toDttm := forceTZ(req.ToDttm, r.loc())
	innerFrom := forceTZ(req.InnerFromDttm, r.loc())
	innerTo := forceTZ(req.InnerToDttm, r.loc())

	aggs, postAggs, err := r.aggregationsFor(req.Metrics)
	if err != nil {
		return nil, err
	}
	granularity, err := r.granularityFor(req)
	if err != nil {
		return nil, err
	}

	qry := &GroupByQuery{
		QueryType:        "groupBy",
		DataSource:       r.DS.DatasourceName,
		Dimensions:       req.Groupby,
		Aggregations:     aggs,
		PostAggregations: postAggs,
		Granularity:      granularity,
		Intervals:        []string{Interval(fromDttm, toDttm)},
	}
	origFilter := CompileFilters(req.Filters)
	qry.Filter = origFilter
	qry.Having = CompileHaving(r.DS, req.Extras.HavingDruid)

	var queryText strings.Builder

	if req.TimeseriesLimit > 0 && req.IsTimeseries {
		sortBy, err := r.sortMetric(req.Metrics)
		if err != nil {
			return nil, err
		}
		preQry := qry.Clone()
		preQry.Granularity = "all"
		preQry.LimitSpec = &LimitSpec{
			Type:      "default",
			Limit:     req.TimeseriesLimit,
			Intervals: Interval(innerFrom, innerTo),
			Columns:   []OrderColumn{{Dimension: sortBy, Direction: "descending"}},
		}
		queryText.WriteString("// Two phase query\n// Phase 1\n")
		queryText.WriteString(indentJSON(preQry) + "\n")
		queryText.WriteString("// Phase 2 (built based on phase one's results)\n")

		preRows, err := r.Client.GroupBy(ctx, preQry)
		if err != nil {
			return nil, err
		}
		if len(preRows) == 0 {
			return &domain.ResultFrame{
				Columns:  frameColumns(nil, req),
				Query:    queryText.String(),
				Duration: r.now().Sub(start),
				Status:   domain.StatusSuccess,
			}, nil
		}

		var disjuncts []*Filter
		for _, row := range preRows {
			var fields []*Filter
			for _, dim := range req.Groupby {
				fields = append(fields, Selector(dim, eventString(row.Event[dim])))
			}
			if len(fields) > 0 {
				disjuncts = append(disjuncts, And(fields...))
			}
		}
		if len(disjuncts) > 0 {
			seriesFilter := Or(disjuncts...)
			if origFilter == nil {
				qry.Filter = seriesFilter
			} else {
				qry.Filter = &Filter{Type: "and", Fields: []*Filter{seriesFilter, origFilter}}
			}
		}
	}

	if req.RowLimit > 0 {
		sortBy, err := r.sortMetric(req.Metrics)
		if err != nil {
			return nil, err
		}
		qry.LimitSpec = &LimitSpec{
			Type:    "default",
			Limit:   req.RowLimit,
			Columns: []OrderColumn{{Dimension: sortBy, Direction: "descending"}},
		}
	}

	queryText.WriteString(indentJSON(qry))
	rows, err := r.Client.GroupBy(ctx, qry)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &domain.NoDataError{Query: queryText.String()}
	}

	frame := r.buildFrame(rows, req, granularity)
	frame.Query = queryText.String()
	frame.Duration = r.now().Sub(start)
	frame.Status = domain.StatusSuccess
	return frame, nil
}

// buildFrame flattens groupBy rows into a frame, strips the timestamp for
// non-timeseries all-granularity results, and reorders the columns as
// [timestamp?, groupby..., metrics..., rest...].
func (r *QueryRunner) buildFrame(rows []GroupByRow, req *domain.QueryRequest, granularity any) *domain.ResultFrame {
	withTimestamp := !(granularity == "all" && !req.IsTimeseries)

	present := map[string]bool{}
	for _, row := range rows {
		for k := range row.Event {
			present[k] = true
		}
	}
	cols := frameColumnsFromEvents(present, req, withTimestamp)

	frame := &domain.ResultFrame{Columns: cols}
	for _, row := range rows {
		record := make([]any, len(cols))
		for i, col := range cols {
			if col == "timestamp" && withTimestamp {
				record[i] = row.Timestamp
				continue
			}
			record[i] = row.Event[col]
		}
		frame.Rows = append(frame.Rows, record)
	}
	return frame
}

func frameColumns(present map[string]bool, req *domain.QueryRequest) []string {
	return frameColumnsFromEvents(present, req, req.IsTimeseries)
}

func frameColumnsFromEvents(present map[string]bool, req *domain.QueryRequest, withTimestamp bool) []string {
	var cols []string
	claimed := map[string]bool{}
	if withTimestamp {
		cols = append(cols, "timestamp")
		claimed["timestamp"] = true
	}
	for _, name := range req.Groupby {
		if present == nil || present[name] {
			cols = append(cols, name)
			claimed[name] = true
		}
	}
	for _, name := range req.Metrics {
		if !claimed[name] && (present == nil || present[name]) {
			cols = append(cols, name)
			claimed[name] = true
		}
	}
	var rest []string
	for name := range present {
		if !claimed[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(cols, rest...)
}

func eventString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func indentJSON(v any) string {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}
