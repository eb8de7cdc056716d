package druid

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/caravel-bi/caravel/internal/domain"
)

// versionHigher reports whether v1 > v2 for dotted version strings.
func versionHigher(v1, v2 string) bool {
	parse := func(v string) [3]int {
		var nums [3]int
		for i, part := range strings.Split(v, ".") {
			if i >= 3 {
				break
			}
			n, err := strconv.Atoi(part)
			if err != nil {
				n = 0
			}
			nums[i] = n
		}
		return nums
	}
	a, b := parse(v1), parse(v2)
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return false
}

// LatestMetadata returns the column analysis of the newest segment. The
// interval ends a day before maxTime on clusters older than 0.8.2 to avoid
// realtime segments.
func (r *QueryRunner) LatestMetadata(ctx context.Context) (map[string]SegmentColumn, error) {
	_, maxTime, err := r.Client.TimeBoundary(ctx, r.DS.DatasourceName)
	if err != nil {
		return nil, err
	}
	if maxTime.IsZero() {
		return nil, nil
	}
	endOffset := 1
	if r.DS.Cluster != nil && versionHigher(r.DS.Cluster.DruidVersion, "0.8.2") {
		endOffset = 0
	}
	intervals := Interval(maxTime.AddDate(0, 0, -7), maxTime.AddDate(0, 0, -endOffset))
	segments, err := r.Client.SegmentMetadata(ctx, r.DS.DatasourceName, intervals)
	if err != nil {
		return nil, err
	}
	if len(segments) == 0 {
		return nil, nil
	}
	return segments[len(segments)-1].Columns, nil
}

// SyncMetadata reconciles the datasource's columns and metrics with the
// latest segment analysis. New columns arrive groupable and filterable for
// strings, summable for numerics; metrics are generated per column flag.
func (r *QueryRunner) SyncMetadata(ctx context.Context) error {
	cols, err := r.LatestMetadata(ctx)
	if err != nil {
		return err
	}
	if cols == nil {
		return domain.ErrNotFound("no segments found for datasource %q", r.DS.DatasourceName)
	}
	for name, meta := range cols {
		col := r.DS.GetCol(name)
		if col == nil {
			r.DS.Columns = append(r.DS.Columns, domain.DruidColumn{
				DatasourceID: r.DS.ID,
				ColumnName:   name,
				Type:         meta.Type,
			})
			col = &r.DS.Columns[len(r.DS.Columns)-1]
			col.Groupby = !col.IsNum()
			col.Filterable = !col.IsNum()
			col.Sum = col.IsNum()
		} else {
			col.Type = meta.Type
		}
	}
	for _, col := range r.DS.Columns {
		for _, m := range GenerateMetrics(&col) {
			if r.DS.GetMetric(m.MetricName) == nil {
				m.DatasourceID = r.DS.ID
				r.DS.Metrics = append(r.DS.Metrics, m)
			}
		}
	}
	return nil
}

// GenerateMetrics derives the standard aggregator metrics from a column's
// flags, always including the count metric.
func GenerateMetrics(col *domain.DruidColumn) []domain.DruidMetric {
	metrics := []domain.DruidMetric{{
		MetricName:  "count",
		VerboseName: "COUNT(*)",
		MetricType:  "count",
		JSON:        `{"type": "count", "name": "count"}`,
	}}

	// Float aggregators degrade precision; promote to double.
	correctedType := col.Type
	if col.Type == "DOUBLE" || col.Type == "FLOAT" {
		correctedType = "DOUBLE"
	}
	aggJSON := func(aggType, name string) string {
		raw, _ := json.Marshal(map[string]string{
			"type": aggType, "name": name, "fieldName": col.ColumnName,
		})
		return string(raw)
	}

	if col.Sum && col.IsNum() {
		name := "sum__" + col.ColumnName
		metrics = append(metrics, domain.DruidMetric{
			MetricName:  name,
			MetricType:  "sum",
			VerboseName: fmt.Sprintf("SUM(%s)", col.ColumnName),
			JSON:        aggJSON(strings.ToLower(correctedType)+"Sum", name),
		})
	}
	if col.Min && col.IsNum() {
		name := "min__" + col.ColumnName
		metrics = append(metrics, domain.DruidMetric{
			MetricName:  name,
			MetricType:  "min",
			VerboseName: fmt.Sprintf("MIN(%s)", col.ColumnName),
			JSON:        aggJSON(strings.ToLower(correctedType)+"Min", name),
		})
	}
	if col.Max && col.IsNum() {
		name := "max__" + col.ColumnName
		metrics = append(metrics, domain.DruidMetric{
			MetricName:  name,
			MetricType:  "max",
			VerboseName: fmt.Sprintf("MAX(%s)", col.ColumnName),
			JSON:        aggJSON(strings.ToLower(correctedType)+"Max", name),
		})
	}
	if col.CountDistinct {
		name := "count_distinct__" + col.ColumnName
		if col.Type == "hyperUnique" || col.Type == "thetaSketch" {
			metrics = append(metrics, domain.DruidMetric{
				MetricName:  name,
				MetricType:  col.Type,
				VerboseName: fmt.Sprintf("COUNT(DISTINCT %s)", col.ColumnName),
				JSON:        aggJSON(col.Type, name),
			})
		} else {
			raw, _ := json.Marshal(map[string]any{
				"type": "cardinality", "name": name, "fieldNames": []string{col.ColumnName},
			})
			metrics = append(metrics, domain.DruidMetric{
				MetricName:  name,
				MetricType:  "count_distinct",
				VerboseName: fmt.Sprintf("COUNT(DISTINCT %s)", col.ColumnName),
				JSON:        string(raw),
			})
		}
	}
	return metrics
}
