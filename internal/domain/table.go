package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Type tags for the datasource variants.
const (
	DatasourceTypeTable = "table"
	DatasourceTypeDruid = "druid"
)

// Date formats with special handling in the time filter.
const (
	DateFormatEpochS  = "epoch_s"
	DateFormatEpochMS = "epoch_ms"
)

// TableColumn is a column projection on a SqlaTable. When Expression is
// set the column is computed and the expression text is embedded literally
// into generated SQL.
type TableColumn struct {
	ID         int64
	TableID    int64
	ColumnName string
	Type       string

	IsDttm        bool
	Groupby       bool
	CountDistinct bool
	Sum           bool
	Min           bool
	Max           bool
	Filterable    bool

	Expression string
	// DateFormat is either a strftime pattern for datetime literals or one
	// of epoch_s / epoch_ms for integer time columns.
	DateFormat string
	// DatabaseExpression, when set, overrides datetime literal rendering:
	// it is a template with a single %s slot for the formatted datetime.
	DatabaseExpression string
}

var (
	numTypes  = []string{"DOUBLE", "FLOAT", "INT", "BIGINT", "LONG"}
	dateTypes = []string{"DATE", "TIME"}
	strTypes  = []string{"VARCHAR", "STRING", "CHAR"}
)

func typeMatches(colType string, candidates []string) bool {
	upper := strings.ToUpper(colType)
	for _, t := range candidates {
		if strings.Contains(upper, t) {
			return true
		}
	}
	return false
}

// IsNum reports whether the declared type is numeric.
func (c *TableColumn) IsNum() bool { return typeMatches(c.Type, numTypes) }

// IsTime reports whether the declared type is temporal.
func (c *TableColumn) IsTime() bool { return typeMatches(c.Type, dateTypes) }

// IsString reports whether the declared type is textual.
func (c *TableColumn) IsString() bool { return typeMatches(c.Type, strTypes) }

// SQLExpr returns the text projected for this column: the raw expression
// when present, otherwise the column name.
func (c *TableColumn) SQLExpr() string {
	if c.Expression != "" {
		return c.Expression
	}
	return c.ColumnName
}

// SqlMetric is a named aggregate expression on a SqlaTable. The expression
// is a literal SQL aggregate string such as SUM(num).
type SqlMetric struct {
	ID           int64
	TableID      int64
	MetricName   string
	VerboseName  string
	MetricType   string
	Expression   string
	Description  string
	IsRestricted bool
	D3Format     string
}

// MetricOption is a (name, label) pair for editor UIs.
type MetricOption struct {
	Name  string
	Label string
}

// SqlaTable is a semantic table bound to a Database. When SQL is set it is
// used in place of a physical table as a subquery FROM clause.
type SqlaTable struct {
	ID           int64
	TableName    string
	Schema       string
	SQL          string
	MainDttmCol  string
	DatabaseID   int64
	Offset       int
	CacheTimeout int
	Description  string

	CreatedBy string
	Owners    []string
	CreatedAt time.Time
	UpdatedAt time.Time

	Database *Database
	Columns  []TableColumn
	Metrics  []SqlMetric
}

// Name returns the logical table name.
func (t *SqlaTable) Name() string { return t.TableName }

// FullName returns the [database].[table] display name.
func (t *SqlaTable) FullName() string {
	dbName := ""
	if t.Database != nil {
		dbName = t.Database.DatabaseName
	}
	return fmt.Sprintf("[%s].[%s]", dbName, t.TableName)
}

// Perm returns the permission view string gating access to this table.
func (t *SqlaTable) Perm() string {
	dbName := ""
	if t.Database != nil {
		dbName = t.Database.DatabaseName
	}
	return fmt.Sprintf("[%s].[%s](id:%d)", dbName, t.TableName, t.ID)
}

// GetCol returns the column with the given name, or nil.
func (t *SqlaTable) GetCol(name string) *TableColumn {
	for i := range t.Columns {
		if t.Columns[i].ColumnName == name {
			return &t.Columns[i]
		}
	}
	return nil
}

// GetMetric returns the metric with the given name, or nil.
func (t *SqlaTable) GetMetric(name string) *SqlMetric {
	for i := range t.Metrics {
		if t.Metrics[i].MetricName == name {
			return &t.Metrics[i]
		}
	}
	return nil
}

// ColumnNames returns all column names in declaration order.
func (t *SqlaTable) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.ColumnName
	}
	return names
}

// GroupbyColumnNames returns the names of columns flagged groupable.
func (t *SqlaTable) GroupbyColumnNames() []string {
	var names []string
	for _, c := range t.Columns {
		if c.Groupby {
			names = append(names, c.ColumnName)
		}
	}
	return names
}

// FilterableColumnNames returns the names of columns flagged filterable.
func (t *SqlaTable) FilterableColumnNames() []string {
	var names []string
	for _, c := range t.Columns {
		if c.Filterable {
			names = append(names, c.ColumnName)
		}
	}
	return names
}

// DttmCols returns the temporal column names; main_dttm_col is always
// included even when its column is not flagged.
func (t *SqlaTable) DttmCols() []string {
	var names []string
	seen := false
	for _, c := range t.Columns {
		if c.IsDttm {
			names = append(names, c.ColumnName)
			if c.ColumnName == t.MainDttmCol {
				seen = true
			}
		}
	}
	if t.MainDttmCol != "" && !seen {
		names = append(names, t.MainDttmCol)
	}
	return names
}

// MetricsCombo returns (name, label) pairs sorted by label.
func (t *SqlaTable) MetricsCombo() []MetricOption {
	combo := make([]MetricOption, 0, len(t.Metrics))
	for _, m := range t.Metrics {
		label := m.VerboseName
		if label == "" {
			label = m.MetricName
		}
		combo = append(combo, MetricOption{Name: m.MetricName, Label: label})
	}
	sort.Slice(combo, func(i, j int) bool { return combo[i].Label < combo[j].Label })
	return combo
}

// MetricPerm returns the per-metric permission view string.
func (t *SqlaTable) MetricPerm(m *SqlMetric) string {
	return fmt.Sprintf("%s.[%s](id:%d)", t.FullName(), m.MetricName, m.ID)
}

// Validate checks the table definition.
func (t *SqlaTable) Validate() error {
	if strings.TrimSpace(t.TableName) == "" {
		return ErrValidation("table_name is required")
	}
	if t.DatabaseID == 0 {
		return ErrValidation("database_id is required")
	}
	seen := map[string]bool{}
	for _, c := range t.Columns {
		if seen[c.ColumnName] {
			return ErrValidation("duplicate column %q on table %q", c.ColumnName, t.TableName)
		}
		seen[c.ColumnName] = true
	}
	return nil
}
