package domain

import (
	"strings"
	"time"
)

// Filter operators accepted by both query builders.
const (
	OpEquals    = "=="
	OpNotEquals = "!="
	OpIn        = "in"
	OpNotIn     = "not in"
	OpIsNotNull = "IS NOT NULL"
	OpRegex     = "regex"
)

// Filter is a single (column, operator, value) predicate. For the in /
// not in operators the value is either Values or a comma-separated Val
// string; other operators use Val alone.
type Filter struct {
	Col    string
	Op     string
	Val    string
	Values []string
}

// IsEmpty reports whether the filter has no usable value. Empty in-lists
// are no-op filters, not tautologies.
func (f Filter) IsEmpty() bool {
	if f.Op == OpIsNotNull {
		return false
	}
	return f.Val == "" && len(f.Values) == 0
}

// ValueList returns the value set for in / not in, splitting a
// comma-separated Val on commas outside single quotes and stripping
// quotes and surrounding whitespace.
func (f Filter) ValueList() []string {
	if len(f.Values) > 0 {
		return f.Values
	}
	return splitQuoted(f.Val)
}

func splitQuoted(s string) []string {
	var out []string
	var cur strings.Builder
	inQuote := false
	for _, r := range s {
		switch {
		case r == '\'':
			inQuote = !inQuote
		case r == ',' && !inQuote:
			if v := strings.TrimSpace(cur.String()); v != "" {
				out = append(out, v)
			}
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if v := strings.TrimSpace(cur.String()); v != "" {
		out = append(out, v)
	}
	return out
}

// ValidOp reports whether op is a supported filter operator.
func ValidOp(op string) bool {
	switch op {
	case OpEquals, OpNotEquals, OpIn, OpNotIn, OpIsNotNull, OpRegex:
		return true
	}
	return false
}

// Extras carries the opaque predicate strings and time-related knobs
// passed through to the builders.
type Extras struct {
	Where           string
	Having          string
	TimeGrainSQLA   string
	DruidTimeOrigin string
	HavingDruid     []Filter
}

// OrderSpec is an explicit ordering for raw-column mode.
type OrderSpec struct {
	Col       string
	Ascending bool
}

// QueryRequest is the logical, backend-agnostic query description consumed
// by the SQL and Druid builders. Columns (raw-column mode) is mutually
// exclusive with Groupby/Metrics.
type QueryRequest struct {
	Groupby     []string
	Metrics     []string
	Granularity string

	FromDttm time.Time
	ToDttm   time.Time
	// Inner window for the top-N series subquery; zero values default to
	// the outer window.
	InnerFromDttm time.Time
	InnerToDttm   time.Time

	Filters      []Filter
	IsTimeseries bool

	TimeseriesLimit int
	RowLimit        int

	OrderBy []OrderSpec
	Extras  Extras
	Columns []string
}

// Normalize applies the request invariants: a reversed time window is
// coerced to a point (reported via the return), the inner window defaults
// to the outer one, and filters are checked for supported operators.
// Callers surface coerced=true back to the controller.
func (r *QueryRequest) Normalize() (coerced bool, err error) {
	if !r.FromDttm.IsZero() && !r.ToDttm.IsZero() && r.FromDttm.After(r.ToDttm) {
		r.FromDttm = r.ToDttm
		coerced = true
	}
	if r.InnerFromDttm.IsZero() {
		r.InnerFromDttm = r.FromDttm
	}
	if r.InnerToDttm.IsZero() {
		r.InnerToDttm = r.ToDttm
	}
	if len(r.Columns) > 0 && (len(r.Groupby) > 0 || len(r.Metrics) > 0) {
		return coerced, ErrValidation("columns and groupby/metrics are mutually exclusive")
	}
	for _, f := range r.Filters {
		if !ValidOp(f.Op) {
			return coerced, ErrValidation("unknown filter operator %q", f.Op)
		}
	}
	return coerced, nil
}
