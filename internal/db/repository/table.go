package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/caravel-bi/caravel/internal/domain"
)

type tableRow struct {
	ID           int64     `db:"id"`
	TableName    string    `db:"table_name"`
	SchemaName   string    `db:"schema_name"`
	DatabaseID   int64     `db:"database_id"`
	SQL          string    `db:"sql"`
	MainDttmCol  string    `db:"main_dttm_col"`
	TimeOffset   int       `db:"time_offset"`
	CacheTimeout int       `db:"cache_timeout"`
	Description  string    `db:"description"`
	CreatedBy    string    `db:"created_by"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r tableRow) toDomain() *domain.SqlaTable {
	return &domain.SqlaTable{
		ID:           r.ID,
		TableName:    r.TableName,
		Schema:       r.SchemaName,
		SQL:          r.SQL,
		MainDttmCol:  r.MainDttmCol,
		DatabaseID:   r.DatabaseID,
		Offset:       r.TimeOffset,
		CacheTimeout: r.CacheTimeout,
		Description:  r.Description,
		CreatedBy:    r.CreatedBy,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

type tableColumnRow struct {
	ID                 int64  `db:"id"`
	TableID            int64  `db:"table_id"`
	ColumnName         string `db:"column_name"`
	Type               string `db:"type"`
	IsDttm             bool   `db:"is_dttm"`
	Groupby            bool   `db:"groupby"`
	CountDistinct      bool   `db:"count_distinct"`
	Sum                bool   `db:"sum"`
	Min                bool   `db:"min"`
	Max                bool   `db:"max"`
	Filterable         bool   `db:"filterable"`
	Expression         string `db:"expression"`
	DateFormat         string `db:"date_format"`
	DatabaseExpression string `db:"database_expression"`
}

func (r tableColumnRow) toDomain() domain.TableColumn {
	return domain.TableColumn{
		ID:                 r.ID,
		TableID:            r.TableID,
		ColumnName:         r.ColumnName,
		Type:               r.Type,
		IsDttm:             r.IsDttm,
		Groupby:            r.Groupby,
		CountDistinct:      r.CountDistinct,
		Sum:                r.Sum,
		Min:                r.Min,
		Max:                r.Max,
		Filterable:         r.Filterable,
		Expression:         r.Expression,
		DateFormat:         r.DateFormat,
		DatabaseExpression: r.DatabaseExpression,
	}
}

type sqlMetricRow struct {
	ID           int64  `db:"id"`
	TableID      int64  `db:"table_id"`
	MetricName   string `db:"metric_name"`
	VerboseName  string `db:"verbose_name"`
	MetricType   string `db:"metric_type"`
	Expression   string `db:"expression"`
	Description  string `db:"description"`
	IsRestricted bool   `db:"is_restricted"`
	D3Format     string `db:"d3format"`
}

func (r sqlMetricRow) toDomain() domain.SqlMetric {
	return domain.SqlMetric{
		ID:           r.ID,
		TableID:      r.TableID,
		MetricName:   r.MetricName,
		VerboseName:  r.VerboseName,
		MetricType:   r.MetricType,
		Expression:   r.Expression,
		Description:  r.Description,
		IsRestricted: r.IsRestricted,
		D3Format:     r.D3Format,
	}
}

// TableRepo persists SqlaTables with their owned columns and metrics.
type TableRepo struct {
	db *sqlx.DB
}

func NewTableRepo(db *sqlx.DB) *TableRepo {
	return &TableRepo{db: db}
}

func (r *TableRepo) Create(ctx context.Context, t *domain.SqlaTable) (*domain.SqlaTable, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO tables (table_name, schema_name, database_id, sql,
			main_dttm_col, time_offset, cache_timeout, description, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TableName, t.Schema, t.DatabaseID, t.SQL,
		t.MainDttmCol, t.Offset, t.CacheTimeout, t.Description, t.CreatedBy)
	if err != nil {
		return nil, mapDBError(err, "table")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	for i := range t.Columns {
		t.Columns[i].TableID = id
		if err := r.UpsertColumn(ctx, &t.Columns[i]); err != nil {
			return nil, err
		}
	}
	for i := range t.Metrics {
		t.Metrics[i].TableID = id
		if err := r.UpsertMetric(ctx, &t.Metrics[i]); err != nil {
			return nil, err
		}
	}
	for _, owner := range t.Owners {
		if _, err := r.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO table_owners (table_id, owner) VALUES (?, ?)`,
			id, owner); err != nil {
			return nil, err
		}
	}
	return r.GetEager(ctx, id)
}

func (r *TableRepo) GetByID(ctx context.Context, id int64) (*domain.SqlaTable, error) {
	var row tableRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM tables WHERE id = ?`, id); err != nil {
		return nil, mapDBError(err, "table")
	}
	return row.toDomain(), nil
}

func (r *TableRepo) GetEager(ctx context.Context, id int64) (*domain.SqlaTable, error) {
	t, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.attach(ctx, t); err != nil {
		return nil, err
	}
	var dbRow databaseRow
	if err := r.db.GetContext(ctx, &dbRow, `SELECT * FROM dbs WHERE id = ?`, t.DatabaseID); err != nil {
		return nil, mapDBError(err, "database")
	}
	t.Database = dbRow.toDomain()
	return t, nil
}

func (r *TableRepo) FindByName(ctx context.Context, tableName, schema, databaseName string) (*domain.SqlaTable, error) {
	var row tableRow
	err := r.db.GetContext(ctx, &row, `
		SELECT t.* FROM tables t
		JOIN dbs d ON d.id = t.database_id
		WHERE t.table_name = ? AND t.schema_name = ? AND d.database_name = ?`,
		tableName, schema, databaseName)
	if err != nil {
		return nil, mapDBError(err, "table")
	}
	t := row.toDomain()
	if err := r.attach(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *TableRepo) List(ctx context.Context) ([]domain.SqlaTable, error) {
	var rows []tableRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM tables ORDER BY table_name`); err != nil {
		return nil, err
	}
	out := make([]domain.SqlaTable, len(rows))
	for i, row := range rows {
		out[i] = *row.toDomain()
	}
	return out, nil
}

func (r *TableRepo) Update(ctx context.Context, t *domain.SqlaTable) error {
	if err := t.Validate(); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE tables SET table_name = ?, schema_name = ?, database_id = ?,
			sql = ?, main_dttm_col = ?, time_offset = ?, cache_timeout = ?,
			description = ?, updated_at = datetime('now')
		WHERE id = ?`,
		t.TableName, t.Schema, t.DatabaseID, t.SQL, t.MainDttmCol,
		t.Offset, t.CacheTimeout, t.Description, t.ID)
	if err != nil {
		return mapDBError(err, "table")
	}
	return requireRowAffected(res, "table")
}

func (r *TableRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tables WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res, "table")
}

func (r *TableRepo) UpsertColumn(ctx context.Context, c *domain.TableColumn) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO table_columns (table_id, column_name, type, is_dttm,
			groupby, count_distinct, sum, min, max, filterable, expression,
			date_format, database_expression)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_id, column_name) DO UPDATE SET
			type = excluded.type, is_dttm = excluded.is_dttm,
			groupby = excluded.groupby, count_distinct = excluded.count_distinct,
			sum = excluded.sum, min = excluded.min, max = excluded.max,
			filterable = excluded.filterable, expression = excluded.expression,
			date_format = excluded.date_format,
			database_expression = excluded.database_expression`,
		c.TableID, c.ColumnName, c.Type, c.IsDttm,
		c.Groupby, c.CountDistinct, c.Sum, c.Min, c.Max, c.Filterable,
		c.Expression, c.DateFormat, c.DatabaseExpression)
	return mapDBError(err, "table column")
}

func (r *TableRepo) UpsertMetric(ctx context.Context, m *domain.SqlMetric) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sql_metrics (table_id, metric_name, verbose_name,
			metric_type, expression, description, is_restricted, d3format)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (table_id, metric_name) DO UPDATE SET
			verbose_name = excluded.verbose_name,
			metric_type = excluded.metric_type,
			expression = excluded.expression,
			description = excluded.description,
			is_restricted = excluded.is_restricted,
			d3format = excluded.d3format`,
		m.TableID, m.MetricName, m.VerboseName, m.MetricType,
		m.Expression, m.Description, m.IsRestricted, m.D3Format)
	return mapDBError(err, "metric")
}

func (r *TableRepo) attach(ctx context.Context, t *domain.SqlaTable) error {
	var colRows []tableColumnRow
	if err := r.db.SelectContext(ctx, &colRows,
		`SELECT * FROM table_columns WHERE table_id = ? ORDER BY id`, t.ID); err != nil {
		return err
	}
	t.Columns = make([]domain.TableColumn, len(colRows))
	for i, row := range colRows {
		t.Columns[i] = row.toDomain()
	}

	var metricRows []sqlMetricRow
	if err := r.db.SelectContext(ctx, &metricRows,
		`SELECT * FROM sql_metrics WHERE table_id = ? ORDER BY id`, t.ID); err != nil {
		return err
	}
	t.Metrics = make([]domain.SqlMetric, len(metricRows))
	for i, row := range metricRows {
		t.Metrics[i] = row.toDomain()
	}

	return r.db.SelectContext(ctx, &t.Owners,
		`SELECT owner FROM table_owners WHERE table_id = ? ORDER BY owner`, t.ID)
}
