// Package timegrain maps named time granularities to per-engine SQL
// truncation expressions. Each template carries a single {col} placeholder
// substituted with the time column expression at compile time.
package timegrain

import "strings"

// Grain is one named truncation for one engine.
type Grain struct {
	Name     string
	Label    string
	Template string
}

// Identity passes the column expression through untouched.
const Identity = "{col}"

var prestoGrains = []Grain{
	{"Time Column", "Time Column", "{col}"},
	{"second", "second", "date_trunc('second', CAST({col} AS TIMESTAMP))"},
	{"minute", "minute", "date_trunc('minute', CAST({col} AS TIMESTAMP))"},
	{"hour", "hour", "date_trunc('hour', CAST({col} AS TIMESTAMP))"},
	{"day", "day", "date_trunc('day', CAST({col} AS TIMESTAMP))"},
	{"week", "week", "date_trunc('week', CAST({col} AS TIMESTAMP))"},
	{"month", "month", "date_trunc('month', CAST({col} AS TIMESTAMP))"},
	{"quarter", "quarter", "date_trunc('quarter', CAST({col} AS TIMESTAMP))"},
	{"week_ending_saturday", "week_ending_saturday",
		"date_add('day', 5, date_trunc('week', date_add('day', 1, CAST({col} AS TIMESTAMP))))"},
	{"week_start_sunday", "week_start_sunday",
		"date_add('day', -1, date_trunc('week', date_add('day', 1, CAST({col} AS TIMESTAMP))))"},
}

var mysqlGrains = []Grain{
	{"Time Column", "Time Column", "{col}"},
	{"second", "second",
		"DATE_ADD(DATE({col}), INTERVAL (HOUR({col})*60*60 + MINUTE({col})*60 + SECOND({col})) SECOND)"},
	{"minute", "minute",
		"DATE_ADD(DATE({col}), INTERVAL (HOUR({col})*60 + MINUTE({col})) MINUTE)"},
	{"hour", "hour", "DATE_ADD(DATE({col}), INTERVAL HOUR({col}) HOUR)"},
	{"day", "day", "DATE({col})"},
	{"week", "week", "DATE(DATE_SUB({col}, INTERVAL DAYOFWEEK({col}) - 1 DAY))"},
	{"month", "month", "DATE(DATE_SUB({col}, INTERVAL DAYOFMONTH({col}) - 1 DAY))"},
}

var sqliteGrains = []Grain{
	{"Time Column", "Time Column", "{col}"},
	{"day", "day", "DATE({col})"},
	{"week", "week", "DATE({col}, -strftime('%w', {col}) || ' days')"},
	{"month", "month", "DATE({col}, -strftime('%d', {col}) || ' days')"},
}

var postgresGrains = []Grain{
	{"Time Column", "Time Column", "{col}"},
	{"second", "second", "DATE_TRUNC('second', {col})"},
	{"minute", "minute", "DATE_TRUNC('minute', {col})"},
	{"hour", "hour", "DATE_TRUNC('hour', {col})"},
	{"day", "day", "DATE_TRUNC('day', {col})"},
	{"week", "week", "DATE_TRUNC('week', {col})"},
	{"month", "month", "DATE_TRUNC('month', {col})"},
	{"year", "year", "DATE_TRUNC('year', {col})"},
}

var mssqlGrains = []Grain{
	{"Time Column", "Time Column", "{col}"},
	{"second", "second", "DATEADD(second, DATEDIFF(second, '2000-01-01', {col}), '2000-01-01')"},
	{"minute", "minute", "DATEADD(minute, DATEDIFF(minute, 0, {col}), 0)"},
	{"5 minute", "5 minute", "DATEADD(minute, DATEDIFF(minute, 0, {col}) / 5 * 5, 0)"},
	{"half hour", "half hour", "DATEADD(minute, DATEDIFF(minute, 0, {col}) / 30 * 30, 0)"},
	{"hour", "hour", "DATEADD(hour, DATEDIFF(hour, 0, {col}), 0)"},
	{"day", "day", "DATEADD(day, DATEDIFF(day, 0, {col}), 0)"},
	{"week", "week", "DATEADD(week, DATEDIFF(week, 0, {col}), 0)"},
	{"month", "month", "DATEADD(month, DATEDIFF(month, 0, {col}), 0)"},
	{"quarter", "quarter", "DATEADD(quarter, DATEDIFF(quarter, 0, {col}), 0)"},
	{"year", "year", "DATEADD(year, DATEDIFF(year, 0, {col}), 0)"},
}

var clickhouseGrains = []Grain{
	{"Time Column", "Time Column", "{col}"},
	{"minute", "minute", "toStartOfMinute(toDateTime({col}))"},
	{"5 minute", "5 minute", "toDateTime(intDiv(toUInt32(toDateTime({col})), 300)*300)"},
	{"hour", "hour", "toStartOfHour(toDateTime({col}))"},
	{"day", "day", "toStartOfDay(toDateTime({col}))"},
	{"week", "week", "toMonday(toDateTime({col}))"},
	{"month", "month", "toStartOfMonth(toDateTime({col}))"},
	{"quarter", "quarter", "toStartOfQuarter(toDateTime({col}))"},
	{"year", "year", "toStartOfYear(toDateTime({col}))"},
}

// byEngine is fixed at init; the postgres-compatible engines share the
// postgres table.
var byEngine = map[string][]Grain{
	"presto":     prestoGrains,
	"mysql":      mysqlGrains,
	"sqlite":     sqliteGrains,
	"postgresql": postgresGrains,
	"redshift":   postgresGrains,
	"vertica":    postgresGrains,
	"mssql":      mssqlGrains,
	"clickhouse": clickhouseGrains,
}

// Grains returns the ordered grain list for an engine, nil when the engine
// has no table.
func Grains(engine string) []Grain {
	return byEngine[engine]
}

// Resolve returns the expression template for (engine, grain). Unknown
// engines or grain names resolve to the identity template.
func Resolve(engine, grain string) string {
	for _, g := range byEngine[engine] {
		if g.Name == grain {
			return g.Template
		}
	}
	return Identity
}

// Apply substitutes the column expression into the template for
// (engine, grain).
func Apply(engine, grain, colExpr string) string {
	return strings.ReplaceAll(Resolve(engine, grain), "{col}", colExpr)
}
