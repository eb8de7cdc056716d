// Package druid compiles query requests into native Druid groupBy queries
// and talks to the broker and coordinator over HTTP.
package druid

import (
	"encoding/json"
	"time"
)

// Filter is a native Druid filter tree node.
type Filter struct {
	Type      string    `json:"type"`
	Dimension string    `json:"dimension,omitempty"`
	Value     string    `json:"value,omitempty"`
	Pattern   string    `json:"pattern,omitempty"`
	Field     *Filter   `json:"field,omitempty"`
	Fields    []*Filter `json:"fields,omitempty"`
}

// Selector builds a dimension equality filter.
func Selector(dimension, value string) *Filter {
	return &Filter{Type: "selector", Dimension: dimension, Value: value}
}

// Not negates a filter.
func Not(f *Filter) *Filter { return &Filter{Type: "not", Field: f} }

// And combines filters conjunctively; single inputs pass through.
func And(fields ...*Filter) *Filter {
	if len(fields) == 1 {
		return fields[0]
	}
	return &Filter{Type: "and", Fields: fields}
}

// Or combines filters disjunctively; single inputs pass through.
func Or(fields ...*Filter) *Filter {
	if len(fields) == 1 {
		return fields[0]
	}
	return &Filter{Type: "or", Fields: fields}
}

// Regex builds a dimension regex filter.
func Regex(dimension, pattern string) *Filter {
	return &Filter{Type: "regex", Dimension: dimension, Pattern: pattern}
}

// Having is a native Druid having-clause node.
type Having struct {
	Type        string    `json:"type"`
	Aggregation string    `json:"aggregation,omitempty"`
	Dimension   string    `json:"dimension,omitempty"`
	Value       string    `json:"value,omitempty"`
	HavingSpec  *Having   `json:"havingSpec,omitempty"`
	HavingSpecs []*Having `json:"havingSpecs,omitempty"`
}

// DurationGranularity buckets rows into fixed millisecond windows.
type DurationGranularity struct {
	Type     string `json:"type"`
	Duration int64  `json:"duration"`
	Origin   string `json:"origin,omitempty"`
}

// OrderColumn is one sort term of a limit spec.
type OrderColumn struct {
	Dimension string `json:"dimension"`
	Direction string `json:"direction"`
}

// LimitSpec caps and orders groupBy output. Intervals is carried on the
// phase-1 series-selection query only.
type LimitSpec struct {
	Type      string        `json:"type"`
	Limit     int           `json:"limit"`
	Intervals string        `json:"intervals,omitempty"`
	Columns   []OrderColumn `json:"columns"`
}

// GroupByQuery is the native groupBy request body. Granularity is either
// the string "all" or a DurationGranularity.
type GroupByQuery struct {
	QueryType        string            `json:"queryType"`
	DataSource       string            `json:"dataSource"`
	Dimensions       []string          `json:"dimensions"`
	Aggregations     []json.RawMessage `json:"aggregations"`
	PostAggregations []json.RawMessage `json:"postAggregations,omitempty"`
	Granularity      any               `json:"granularity"`
	Intervals        []string          `json:"intervals"`
	Filter           *Filter           `json:"filter,omitempty"`
	Having           *Having           `json:"having,omitempty"`
	LimitSpec        *LimitSpec        `json:"limitSpec,omitempty"`
}

// Clone deep-copies the query through its JSON form.
func (q *GroupByQuery) Clone() *GroupByQuery {
	raw, _ := json.Marshal(q)
	var out GroupByQuery
	_ = json.Unmarshal(raw, &out)
	return &out
}

// GroupByRow is one row of a groupBy response.
type GroupByRow struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     map[string]any `json:"event"`
}

// SegmentColumn is per-column metadata from a segmentMetadata response.
type SegmentColumn struct {
	Type         string `json:"type"`
	Size         int64  `json:"size"`
	Cardinality  int64  `json:"cardinality"`
	ErrorMessage string `json:"errorMessage"`
}

// SegmentMetadata is one analysis entry of a segmentMetadata response.
type SegmentMetadata struct {
	ID      string                   `json:"id"`
	Columns map[string]SegmentColumn `json:"columns"`
}

// Interval renders a Druid ISO interval from two instants.
func Interval(from, to time.Time) string {
	return from.Format(time.RFC3339) + "/" + to.Format(time.RFC3339)
}
