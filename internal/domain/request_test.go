package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCoercesReversedWindow(t *testing.T) {
	from := time.Date(2016, 5, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2016, 4, 1, 0, 0, 0, 0, time.UTC)
	req := &QueryRequest{FromDttm: from, ToDttm: to}

	coerced, err := req.Normalize()
	require.NoError(t, err)
	assert.True(t, coerced)
	assert.Equal(t, to, req.FromDttm)
}

func TestNormalizeDefaultsInnerWindow(t *testing.T) {
	from := time.Date(2016, 4, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2016, 5, 1, 0, 0, 0, 0, time.UTC)
	req := &QueryRequest{FromDttm: from, ToDttm: to}

	_, err := req.Normalize()
	require.NoError(t, err)
	assert.Equal(t, from, req.InnerFromDttm)
	assert.Equal(t, to, req.InnerToDttm)
}

func TestNormalizeRejectsMixedProjection(t *testing.T) {
	req := &QueryRequest{Columns: []string{"name"}, Metrics: []string{"sum__num"}}
	_, err := req.Normalize()
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestNormalizeRejectsUnknownOperator(t *testing.T) {
	req := &QueryRequest{Filters: []Filter{{Col: "gender", Op: "like", Val: "girl"}}}
	_, err := req.Normalize()
	assert.Error(t, err)
}

func TestFilterValueList(t *testing.T) {
	f := Filter{Op: OpIn, Val: "CA, NY, 'TX, kind of'"}
	assert.Equal(t, []string{"CA", "NY", "TX, kind of"}, f.ValueList())

	f = Filter{Op: OpIn, Values: []string{"a", "b"}}
	assert.Equal(t, []string{"a", "b"}, f.ValueList())
}

func TestFilterIsEmpty(t *testing.T) {
	assert.True(t, Filter{Op: OpIn}.IsEmpty())
	assert.False(t, Filter{Op: OpIsNotNull}.IsEmpty())
	assert.False(t, Filter{Op: OpEquals, Val: "x"}.IsEmpty())
}

func TestFrameSelectAndDropColumns(t *testing.T) {
	f := &ResultFrame{
		Columns: []string{"a", "b", "c"},
		Rows:    [][]interface{}{{1, 2, 3}, {4, 5, 6}},
	}
	f.SelectColumns([]string{"c", "a", "nope"})
	assert.Equal(t, []string{"c", "a"}, f.Columns)
	assert.Equal(t, [][]interface{}{{3, 1}, {6, 4}}, f.Rows)

	f.DropColumn("c")
	assert.Equal(t, []string{"a"}, f.Columns)
	assert.Equal(t, [][]interface{}{{1}, {4}}, f.Rows)
}

func TestQueryHelpers(t *testing.T) {
	now := time.Date(2016, 6, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "tmp_alice_table_20160601T120000", TmpTableFor("alice", now))

	q := &Query{TabName: "My Tab!", Status: StatusSuccess, Limit: 10, LimitUsed: true, Rows: 10}
	assert.Equal(t, "sqllab_my_tab_20160601T120000", q.Name(now))
	assert.True(t, q.Terminal())
	assert.True(t, q.LimitReached())

	q.Status = StatusRunning
	assert.False(t, q.Terminal())
}
