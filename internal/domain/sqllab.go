package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Query is the persisted record of a user-submitted SQL Lab statement.
// Lifecycle: PENDING -> RUNNING -> (SUCCESS | FAILED | TIMED_OUT).
type Query struct {
	ID         int64
	ClientID   string
	DatabaseID int64
	UserName   string

	Status      string
	TabName     string
	SQLEditorID string
	Schema      string

	SQL string
	// SelectSQL retrieves the results when SelectAsCTAUsed is true.
	SelectSQL   string
	ExecutedSQL string

	Limit           int
	LimitUsed       bool
	SelectAsCTA     bool
	SelectAsCTAUsed bool
	TmpTableName    string

	Progress     int
	Rows         int
	ErrorMessage string
	ResultsKey   string

	StartTime time.Time
	EndTime   time.Time
	ChangedOn time.Time
}

// LimitReached reports whether the row cap truncated the result.
func (q *Query) LimitReached() bool {
	return q.LimitUsed && q.Rows == q.Limit
}

var nonWord = regexp.MustCompile(`\W+`)

// Name returns the display name used for CSV downloads and saved results.
func (q *Query) Name(now time.Time) string {
	ts := now.Format("20060102T150405")
	tab := "notab"
	if q.TabName != "" {
		tab = nonWord.ReplaceAllString(strings.ToLower(strings.ReplaceAll(q.TabName, " ", "_")), "")
	}
	return fmt.Sprintf("sqllab_%s_%s", tab, ts)
}

// TmpTableFor computes the default CTAS target name for a user.
func TmpTableFor(user string, now time.Time) string {
	return fmt.Sprintf("tmp_%s_table_%s", user, now.Format("20060102T150405"))
}

// Terminal reports whether the query reached a final state.
func (q *Query) Terminal() bool {
	switch q.Status {
	case StatusSuccess, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}
