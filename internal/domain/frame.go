package domain

import "time"

// Result statuses shared by the frame and the SQL Lab query record.
const (
	StatusPending  = "pending"
	StatusRunning  = "running"
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusTimedOut = "timed_out"
)

// ResultFrame is the uniform tabular return of any datasource query.
// Columns is the projection order; Query is the compiled SQL text or the
// serialized Druid JSON; Token optionally names the results-backend key
// for asynchronously stored payloads.
type ResultFrame struct {
	Columns  []string        `json:"columns"`
	Rows     [][]interface{} `json:"rows"`
	Query    string          `json:"query"`
	Duration time.Duration   `json:"duration"`
	Status   string          `json:"status"`
	Error    string          `json:"error,omitempty"`
	Token    string          `json:"token,omitempty"`
}

// ColumnIndex returns the index of the named column, or -1.
func (f *ResultFrame) ColumnIndex(name string) int {
	for i, c := range f.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Empty reports whether the frame holds no rows.
func (f *ResultFrame) Empty() bool { return len(f.Rows) == 0 }

// SelectColumns reorders the frame to the given column list, dropping
// anything else. Unknown names are skipped.
func (f *ResultFrame) SelectColumns(names []string) {
	idx := make([]int, 0, len(names))
	kept := make([]string, 0, len(names))
	for _, n := range names {
		if i := f.ColumnIndex(n); i >= 0 {
			idx = append(idx, i)
			kept = append(kept, n)
		}
	}
	rows := make([][]interface{}, len(f.Rows))
	for ri, row := range f.Rows {
		out := make([]interface{}, len(idx))
		for oi, i := range idx {
			out[oi] = row[i]
		}
		rows[ri] = out
	}
	f.Columns = kept
	f.Rows = rows
}

// DropColumn removes the named column from the frame if present.
func (f *ResultFrame) DropColumn(name string) {
	i := f.ColumnIndex(name)
	if i < 0 {
		return
	}
	f.Columns = append(f.Columns[:i], f.Columns[i+1:]...)
	for ri, row := range f.Rows {
		f.Rows[ri] = append(row[:i], row[i+1:]...)
	}
}
