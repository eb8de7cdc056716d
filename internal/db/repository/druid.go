package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/caravel-bi/caravel/internal/domain"
)

type clusterRow struct {
	ID                    int64        `db:"id"`
	ClusterName           string       `db:"cluster_name"`
	CoordinatorHost       string       `db:"coordinator_host"`
	CoordinatorPort       int          `db:"coordinator_port"`
	CoordinatorEndpoint   string       `db:"coordinator_endpoint"`
	BrokerHost            string       `db:"broker_host"`
	BrokerPort            int          `db:"broker_port"`
	BrokerEndpoint        string       `db:"broker_endpoint"`
	DruidVersion          string       `db:"druid_version"`
	MetadataLastRefreshed sql.NullTime `db:"metadata_last_refreshed"`
	CacheTimeout          int          `db:"cache_timeout"`
}

func (r clusterRow) toDomain() *domain.DruidCluster {
	return &domain.DruidCluster{
		ID:                    r.ID,
		ClusterName:           r.ClusterName,
		CoordinatorHost:       r.CoordinatorHost,
		CoordinatorPort:       r.CoordinatorPort,
		CoordinatorEndpoint:   r.CoordinatorEndpoint,
		BrokerHost:            r.BrokerHost,
		BrokerPort:            r.BrokerPort,
		BrokerEndpoint:        r.BrokerEndpoint,
		DruidVersion:          r.DruidVersion,
		MetadataLastRefreshed: timeOrZero(r.MetadataLastRefreshed),
		CacheTimeout:          r.CacheTimeout,
	}
}

// ClusterRepo persists Druid cluster descriptors.
type ClusterRepo struct {
	db *sqlx.DB
}

func NewClusterRepo(db *sqlx.DB) *ClusterRepo {
	return &ClusterRepo{db: db}
}

func (r *ClusterRepo) Create(ctx context.Context, c *domain.DruidCluster) (*domain.DruidCluster, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO clusters (cluster_name, coordinator_host, coordinator_port,
			coordinator_endpoint, broker_host, broker_port, broker_endpoint,
			druid_version, metadata_last_refreshed, cache_timeout)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ClusterName, c.CoordinatorHost, c.CoordinatorPort,
		c.CoordinatorEndpoint, c.BrokerHost, c.BrokerPort, c.BrokerEndpoint,
		c.DruidVersion, nullableTime(c.MetadataLastRefreshed), c.CacheTimeout)
	if err != nil {
		return nil, mapDBError(err, "cluster")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *ClusterRepo) GetByID(ctx context.Context, id int64) (*domain.DruidCluster, error) {
	var row clusterRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM clusters WHERE id = ?`, id); err != nil {
		return nil, mapDBError(err, "cluster")
	}
	return row.toDomain(), nil
}

func (r *ClusterRepo) GetByName(ctx context.Context, name string) (*domain.DruidCluster, error) {
	var row clusterRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM clusters WHERE cluster_name = ?`, name); err != nil {
		return nil, mapDBError(err, "cluster")
	}
	return row.toDomain(), nil
}

func (r *ClusterRepo) List(ctx context.Context) ([]domain.DruidCluster, error) {
	var rows []clusterRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM clusters ORDER BY cluster_name`); err != nil {
		return nil, err
	}
	out := make([]domain.DruidCluster, len(rows))
	for i, row := range rows {
		out[i] = *row.toDomain()
	}
	return out, nil
}

func (r *ClusterRepo) Update(ctx context.Context, c *domain.DruidCluster) error {
	if err := c.Validate(); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE clusters SET cluster_name = ?, coordinator_host = ?,
			coordinator_port = ?, coordinator_endpoint = ?, broker_host = ?,
			broker_port = ?, broker_endpoint = ?, druid_version = ?,
			metadata_last_refreshed = ?, cache_timeout = ?
		WHERE id = ?`,
		c.ClusterName, c.CoordinatorHost, c.CoordinatorPort,
		c.CoordinatorEndpoint, c.BrokerHost, c.BrokerPort, c.BrokerEndpoint,
		c.DruidVersion, nullableTime(c.MetadataLastRefreshed), c.CacheTimeout, c.ID)
	if err != nil {
		return mapDBError(err, "cluster")
	}
	return requireRowAffected(res, "cluster")
}

type druidDatasourceRow struct {
	ID             int64     `db:"id"`
	DatasourceName string    `db:"datasource_name"`
	ClusterName    string    `db:"cluster_name"`
	IsHidden       bool      `db:"is_hidden"`
	Description    string    `db:"description"`
	TimeOffset     int       `db:"time_offset"`
	CacheTimeout   int       `db:"cache_timeout"`
	CreatedBy      string    `db:"created_by"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r druidDatasourceRow) toDomain() *domain.DruidDatasource {
	return &domain.DruidDatasource{
		ID:             r.ID,
		DatasourceName: r.DatasourceName,
		ClusterName:    r.ClusterName,
		IsHidden:       r.IsHidden,
		Description:    r.Description,
		Offset:         r.TimeOffset,
		CacheTimeout:   r.CacheTimeout,
		CreatedBy:      r.CreatedBy,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type druidColumnRow struct {
	ID            int64  `db:"id"`
	DatasourceID  int64  `db:"datasource_id"`
	ColumnName    string `db:"column_name"`
	Type          string `db:"type"`
	Groupby       bool   `db:"groupby"`
	CountDistinct bool   `db:"count_distinct"`
	Sum           bool   `db:"sum"`
	Min           bool   `db:"min"`
	Max           bool   `db:"max"`
	Filterable    bool   `db:"filterable"`
}

func (r druidColumnRow) toDomain() domain.DruidColumn {
	return domain.DruidColumn{
		ID:            r.ID,
		DatasourceID:  r.DatasourceID,
		ColumnName:    r.ColumnName,
		Type:          r.Type,
		Groupby:       r.Groupby,
		CountDistinct: r.CountDistinct,
		Sum:           r.Sum,
		Min:           r.Min,
		Max:           r.Max,
		Filterable:    r.Filterable,
	}
}

type druidMetricRow struct {
	ID           int64  `db:"id"`
	DatasourceID int64  `db:"datasource_id"`
	MetricName   string `db:"metric_name"`
	VerboseName  string `db:"verbose_name"`
	MetricType   string `db:"metric_type"`
	JSON         string `db:"json"`
	Description  string `db:"description"`
	IsRestricted bool   `db:"is_restricted"`
	D3Format     string `db:"d3format"`
}

func (r druidMetricRow) toDomain() domain.DruidMetric {
	return domain.DruidMetric{
		ID:           r.ID,
		DatasourceID: r.DatasourceID,
		MetricName:   r.MetricName,
		VerboseName:  r.VerboseName,
		MetricType:   r.MetricType,
		JSON:         r.JSON,
		Description:  r.Description,
		IsRestricted: r.IsRestricted,
		D3Format:     r.D3Format,
	}
}

// DruidDatasourceRepo persists Druid datasources with their owned columns
// and metrics.
type DruidDatasourceRepo struct {
	db *sqlx.DB
}

func NewDruidDatasourceRepo(db *sqlx.DB) *DruidDatasourceRepo {
	return &DruidDatasourceRepo{db: db}
}

func (r *DruidDatasourceRepo) Create(ctx context.Context, d *domain.DruidDatasource) (*domain.DruidDatasource, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO datasources (datasource_name, cluster_name, is_hidden,
			description, time_offset, cache_timeout, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.DatasourceName, d.ClusterName, d.IsHidden,
		d.Description, d.Offset, d.CacheTimeout, d.CreatedBy)
	if err != nil {
		return nil, mapDBError(err, "datasource")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	for i := range d.Columns {
		d.Columns[i].DatasourceID = id
		if err := r.UpsertColumn(ctx, &d.Columns[i]); err != nil {
			return nil, err
		}
	}
	for i := range d.Metrics {
		d.Metrics[i].DatasourceID = id
		if err := r.UpsertMetric(ctx, &d.Metrics[i]); err != nil {
			return nil, err
		}
	}
	return r.GetByID(ctx, id)
}

func (r *DruidDatasourceRepo) GetByID(ctx context.Context, id int64) (*domain.DruidDatasource, error) {
	var row druidDatasourceRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM datasources WHERE id = ?`, id); err != nil {
		return nil, mapDBError(err, "datasource")
	}
	d := row.toDomain()
	if err := r.attach(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *DruidDatasourceRepo) FindByName(ctx context.Context, name, clusterName string) (*domain.DruidDatasource, error) {
	var row druidDatasourceRow
	err := r.db.GetContext(ctx, &row,
		`SELECT * FROM datasources WHERE datasource_name = ? AND cluster_name = ?`,
		name, clusterName)
	if err != nil {
		return nil, mapDBError(err, "datasource")
	}
	d := row.toDomain()
	if err := r.attach(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *DruidDatasourceRepo) List(ctx context.Context) ([]domain.DruidDatasource, error) {
	var rows []druidDatasourceRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM datasources ORDER BY datasource_name`); err != nil {
		return nil, err
	}
	out := make([]domain.DruidDatasource, len(rows))
	for i, row := range rows {
		d := row.toDomain()
		if err := r.attach(ctx, d); err != nil {
			return nil, err
		}
		out[i] = *d
	}
	return out, nil
}

func (r *DruidDatasourceRepo) Update(ctx context.Context, d *domain.DruidDatasource) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE datasources SET datasource_name = ?, cluster_name = ?,
			is_hidden = ?, description = ?, time_offset = ?, cache_timeout = ?,
			updated_at = datetime('now')
		WHERE id = ?`,
		d.DatasourceName, d.ClusterName, d.IsHidden, d.Description,
		d.Offset, d.CacheTimeout, d.ID)
	if err != nil {
		return mapDBError(err, "datasource")
	}
	return requireRowAffected(res, "datasource")
}

func (r *DruidDatasourceRepo) UpsertColumn(ctx context.Context, c *domain.DruidColumn) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO druid_columns (datasource_id, column_name, type, groupby,
			count_distinct, sum, min, max, filterable)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (datasource_id, column_name) DO UPDATE SET
			type = excluded.type, groupby = excluded.groupby,
			count_distinct = excluded.count_distinct, sum = excluded.sum,
			min = excluded.min, max = excluded.max,
			filterable = excluded.filterable`,
		c.DatasourceID, c.ColumnName, c.Type, c.Groupby,
		c.CountDistinct, c.Sum, c.Min, c.Max, c.Filterable)
	return mapDBError(err, "druid column")
}

func (r *DruidDatasourceRepo) UpsertMetric(ctx context.Context, m *domain.DruidMetric) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO druid_metrics (datasource_id, metric_name, verbose_name,
			metric_type, json, description, is_restricted, d3format)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (datasource_id, metric_name) DO UPDATE SET
			verbose_name = excluded.verbose_name,
			metric_type = excluded.metric_type, json = excluded.json,
			description = excluded.description,
			is_restricted = excluded.is_restricted,
			d3format = excluded.d3format`,
		m.DatasourceID, m.MetricName, m.VerboseName, m.MetricType,
		m.JSON, m.Description, m.IsRestricted, m.D3Format)
	return mapDBError(err, "druid metric")
}

func (r *DruidDatasourceRepo) attach(ctx context.Context, d *domain.DruidDatasource) error {
	var colRows []druidColumnRow
	if err := r.db.SelectContext(ctx, &colRows,
		`SELECT * FROM druid_columns WHERE datasource_id = ? ORDER BY id`, d.ID); err != nil {
		return err
	}
	d.Columns = make([]domain.DruidColumn, len(colRows))
	for i, row := range colRows {
		d.Columns[i] = row.toDomain()
	}

	var metricRows []druidMetricRow
	if err := r.db.SelectContext(ctx, &metricRows,
		`SELECT * FROM druid_metrics WHERE datasource_id = ? ORDER BY id`, d.ID); err != nil {
		return err
	}
	d.Metrics = make([]domain.DruidMetric, len(metricRows))
	for i, row := range metricRows {
		d.Metrics[i] = row.toDomain()
	}

	return r.db.SelectContext(ctx, &d.Owners,
		`SELECT owner FROM datasource_owners WHERE datasource_id = ? ORDER BY owner`, d.ID)
}
