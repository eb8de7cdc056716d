package domain

import "context"

// Datasource is the common capability set of the queryable variants.
// Polymorphism is by Type tag; the registry resolves (type, id) pairs to
// implementations.
type Datasource interface {
	Type() string
	ID() int64
	Name() string

	Perm() string
	DatabasePerm() string
	CreatedBy() string
	Owners() []string
	// RestrictedMetricPerms maps each requested metric that is flagged
	// restricted to its permission view string.
	RestrictedMetricPerms(metricNames []string) map[string]string

	ColumnNames() []string
	GroupbyColumnNames() []string
	FilterableColumnNames() []string
	DttmCols() []string
	MainDttmCol() string
	MetricsCombo() []MetricOption

	// CacheTimeout resolves the datasource-then-database TTL hierarchy;
	// zero means not configured at either level.
	CacheTimeout() int

	Query(ctx context.Context, req *QueryRequest) (*ResultFrame, error)
	FetchMetadata(ctx context.Context) error
}

// DatabaseRepository persists connection descriptors.
type DatabaseRepository interface {
	Create(ctx context.Context, d *Database) (*Database, error)
	GetByID(ctx context.Context, id int64) (*Database, error)
	GetByName(ctx context.Context, name string) (*Database, error)
	List(ctx context.Context) ([]Database, error)
	Update(ctx context.Context, d *Database) error
	Delete(ctx context.Context, id int64) error
}

// TableRepository persists SqlaTables with their owned columns and metrics.
type TableRepository interface {
	Create(ctx context.Context, t *SqlaTable) (*SqlaTable, error)
	// GetByID returns the bare table row; GetEager attaches the database,
	// columns, and metrics.
	GetByID(ctx context.Context, id int64) (*SqlaTable, error)
	GetEager(ctx context.Context, id int64) (*SqlaTable, error)
	FindByName(ctx context.Context, tableName, schema, databaseName string) (*SqlaTable, error)
	List(ctx context.Context) ([]SqlaTable, error)
	Update(ctx context.Context, t *SqlaTable) error
	Delete(ctx context.Context, id int64) error
	UpsertColumn(ctx context.Context, c *TableColumn) error
	UpsertMetric(ctx context.Context, m *SqlMetric) error
}

// DruidClusterRepository persists Druid cluster descriptors.
type DruidClusterRepository interface {
	Create(ctx context.Context, c *DruidCluster) (*DruidCluster, error)
	GetByID(ctx context.Context, id int64) (*DruidCluster, error)
	GetByName(ctx context.Context, name string) (*DruidCluster, error)
	List(ctx context.Context) ([]DruidCluster, error)
	Update(ctx context.Context, c *DruidCluster) error
}

// DruidDatasourceRepository persists Druid datasources with their owned
// columns and metrics.
type DruidDatasourceRepository interface {
	Create(ctx context.Context, d *DruidDatasource) (*DruidDatasource, error)
	GetByID(ctx context.Context, id int64) (*DruidDatasource, error)
	FindByName(ctx context.Context, name, clusterName string) (*DruidDatasource, error)
	List(ctx context.Context) ([]DruidDatasource, error)
	Update(ctx context.Context, d *DruidDatasource) error
	UpsertColumn(ctx context.Context, c *DruidColumn) error
	UpsertMetric(ctx context.Context, m *DruidMetric) error
}

// QueryRepository persists SQL Lab query records.
type QueryRepository interface {
	Create(ctx context.Context, q *Query) (*Query, error)
	GetByID(ctx context.Context, id int64) (*Query, error)
	GetByClientID(ctx context.Context, clientID string) (*Query, error)
	GetByResultsKey(ctx context.Context, resultsKey string) (*Query, error)
	Update(ctx context.Context, q *Query) error
}

// AccessRepository answers role-permission membership questions.
type AccessRepository interface {
	// HasPermission reports whether any of the roles carries the
	// (permission, view) pair.
	HasPermission(ctx context.Context, roles []string, permission, view string) (bool, error)
	// GrantPermission attaches a (permission, view) pair to a role.
	GrantPermission(ctx context.Context, role, permission, view string) error
}
