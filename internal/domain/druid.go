package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DruidCluster holds the coordinator and broker endpoints of a Druid
// deployment. Cluster names are unique.
type DruidCluster struct {
	ID                    int64
	ClusterName           string
	CoordinatorHost       string
	CoordinatorPort       int
	CoordinatorEndpoint   string
	BrokerHost            string
	BrokerPort            int
	BrokerEndpoint        string
	DruidVersion          string
	MetadataLastRefreshed time.Time
	CacheTimeout          int
}

// CoordinatorBase returns the coordinator metadata base URL.
func (c *DruidCluster) CoordinatorBase() string {
	endpoint := c.CoordinatorEndpoint
	if endpoint == "" {
		endpoint = "druid/coordinator/v1/metadata"
	}
	return fmt.Sprintf("http://%s:%d/%s", c.CoordinatorHost, c.CoordinatorPort, endpoint)
}

// BrokerBase returns the broker query base URL.
func (c *DruidCluster) BrokerBase() string {
	endpoint := c.BrokerEndpoint
	if endpoint == "" {
		endpoint = "druid/v2"
	}
	return fmt.Sprintf("http://%s:%d/%s", c.BrokerHost, c.BrokerPort, endpoint)
}

// Perm returns the permission view string gating access to this cluster.
func (c *DruidCluster) Perm() string {
	return fmt.Sprintf("[%s].(id:%d)", c.ClusterName, c.ID)
}

// Validate checks the cluster definition.
func (c *DruidCluster) Validate() error {
	if strings.TrimSpace(c.ClusterName) == "" {
		return ErrValidation("cluster_name is required")
	}
	if c.BrokerHost == "" {
		return ErrValidation("broker_host is required")
	}
	return nil
}

// DruidColumn is column metadata introspected from segmentMetadata.
type DruidColumn struct {
	ID           int64
	DatasourceID int64
	ColumnName   string
	Type         string

	Groupby       bool
	CountDistinct bool
	Sum           bool
	Min           bool
	Max           bool
	Filterable    bool
}

// IsNum reports whether the Druid column type is numeric.
func (c *DruidColumn) IsNum() bool {
	switch c.Type {
	case "LONG", "DOUBLE", "FLOAT", "INT":
		return true
	}
	return false
}

// DruidMetric is a named Druid aggregator. JSON carries the aggregator
// fragment sent verbatim in the query's aggregations list; metric type
// "postagg" marks post-aggregations instead.
type DruidMetric struct {
	ID           int64
	DatasourceID int64
	MetricName   string
	VerboseName  string
	MetricType   string
	JSON         string
	Description  string
	IsRestricted bool
	D3Format     string
}

// JSONObj decodes the aggregator fragment. Malformed JSON yields an empty map.
func (m *DruidMetric) JSONObj() map[string]interface{} {
	obj := map[string]interface{}{}
	if m.JSON != "" {
		_ = json.Unmarshal([]byte(m.JSON), &obj)
	}
	return obj
}

// DruidDatasource is a Druid source bound to a cluster.
type DruidDatasource struct {
	ID             int64
	DatasourceName string
	ClusterName    string
	IsHidden       bool
	Description    string
	Offset         int
	CacheTimeout   int

	CreatedBy string
	Owners    []string
	CreatedAt time.Time
	UpdatedAt time.Time

	Cluster *DruidCluster
	Columns []DruidColumn
	Metrics []DruidMetric
}

// Name returns the datasource name.
func (d *DruidDatasource) Name() string { return d.DatasourceName }

// FullName returns the [cluster].[datasource] display name.
func (d *DruidDatasource) FullName() string {
	return fmt.Sprintf("[%s].[%s]", d.ClusterName, d.DatasourceName)
}

// Perm returns the permission view string gating access to this datasource.
func (d *DruidDatasource) Perm() string {
	return fmt.Sprintf("[%s].[%s](id:%d)", d.ClusterName, d.DatasourceName, d.ID)
}

// GetCol returns the column with the given name, or nil.
func (d *DruidDatasource) GetCol(name string) *DruidColumn {
	for i := range d.Columns {
		if d.Columns[i].ColumnName == name {
			return &d.Columns[i]
		}
	}
	return nil
}

// GetMetric returns the metric with the given name, or nil.
func (d *DruidDatasource) GetMetric(name string) *DruidMetric {
	for i := range d.Metrics {
		if d.Metrics[i].MetricName == name {
			return &d.Metrics[i]
		}
	}
	return nil
}

// ColumnNames returns all column names.
func (d *DruidDatasource) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.ColumnName
	}
	return names
}

// GroupbyColumnNames returns the names of groupable dimensions.
func (d *DruidDatasource) GroupbyColumnNames() []string {
	var names []string
	for _, c := range d.Columns {
		if c.Groupby {
			names = append(names, c.ColumnName)
		}
	}
	return names
}

// FilterableColumnNames returns the names of filterable dimensions.
func (d *DruidDatasource) FilterableColumnNames() []string {
	var names []string
	for _, c := range d.Columns {
		if c.Filterable {
			names = append(names, c.ColumnName)
		}
	}
	return names
}

// MetricsCombo returns (name, label) pairs sorted by label.
func (d *DruidDatasource) MetricsCombo() []MetricOption {
	combo := make([]MetricOption, 0, len(d.Metrics))
	for _, m := range d.Metrics {
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
func (d *DruidDatasource) MetricPerm(m *DruidMetric) string {
	return fmt.Sprintf("%s.[%s](id:%d)", d.FullName(), m.MetricName, m.ID)
}
