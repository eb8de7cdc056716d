package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/caravel-bi/caravel/internal/domain"
)

type databaseRow struct {
	ID              int64     `db:"id"`
	DatabaseName    string    `db:"database_name"`
	URI             string    `db:"uri"`
	Password        string    `db:"password"`
	CacheTimeout    int       `db:"cache_timeout"`
	Extra           string    `db:"extra"`
	ExposeInSQLLab  bool      `db:"expose_in_sqllab"`
	AllowRunSync    bool      `db:"allow_run_sync"`
	AllowRunAsync   bool      `db:"allow_run_async"`
	AllowCTAS       bool      `db:"allow_ctas"`
	AllowDML        bool      `db:"allow_dml"`
	ForceCTASSchema string    `db:"force_ctas_schema"`
	CreatedBy       string    `db:"created_by"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r databaseRow) toDomain() *domain.Database {
	return &domain.Database{
		ID:              r.ID,
		DatabaseName:    r.DatabaseName,
		URI:             r.URI,
		Password:        r.Password,
		CacheTimeout:    r.CacheTimeout,
		Extra:           r.Extra,
		ExposeInSQLLab:  r.ExposeInSQLLab,
		AllowRunSync:    r.AllowRunSync,
		AllowRunAsync:   r.AllowRunAsync,
		AllowCTAS:       r.AllowCTAS,
		AllowDML:        r.AllowDML,
		ForceCTASSchema: r.ForceCTASSchema,
		CreatedBy:       r.CreatedBy,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// DatabaseRepo persists connection descriptors.
type DatabaseRepo struct {
	db *sqlx.DB
}

func NewDatabaseRepo(db *sqlx.DB) *DatabaseRepo {
	return &DatabaseRepo{db: db}
}

func (r *DatabaseRepo) Create(ctx context.Context, d *domain.Database) (*domain.Database, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO dbs (database_name, uri, password, cache_timeout, extra,
			expose_in_sqllab, allow_run_sync, allow_run_async, allow_ctas,
			allow_dml, force_ctas_schema, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DatabaseName, d.URI, d.Password, d.CacheTimeout, d.Extra,
		d.ExposeInSQLLab, d.AllowRunSync, d.AllowRunAsync, d.AllowCTAS,
		d.AllowDML, d.ForceCTASSchema, d.CreatedBy)
	if err != nil {
		return nil, mapDBError(err, "database")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *DatabaseRepo) GetByID(ctx context.Context, id int64) (*domain.Database, error) {
	var row databaseRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM dbs WHERE id = ?`, id); err != nil {
		return nil, mapDBError(err, "database")
	}
	return row.toDomain(), nil
}

func (r *DatabaseRepo) GetByName(ctx context.Context, name string) (*domain.Database, error) {
	var row databaseRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM dbs WHERE database_name = ?`, name); err != nil {
		return nil, mapDBError(err, "database")
	}
	return row.toDomain(), nil
}

func (r *DatabaseRepo) List(ctx context.Context) ([]domain.Database, error) {
	var rows []databaseRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM dbs ORDER BY database_name`); err != nil {
		return nil, err
	}
	out := make([]domain.Database, len(rows))
	for i, row := range rows {
		out[i] = *row.toDomain()
	}
	return out, nil
}

func (r *DatabaseRepo) Update(ctx context.Context, d *domain.Database) error {
	if err := d.Validate(); err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE dbs SET database_name = ?, uri = ?, password = ?,
			cache_timeout = ?, extra = ?, expose_in_sqllab = ?,
			allow_run_sync = ?, allow_run_async = ?, allow_ctas = ?,
			allow_dml = ?, force_ctas_schema = ?, updated_at = datetime('now')
		WHERE id = ?`,
		d.DatabaseName, d.URI, d.Password, d.CacheTimeout, d.Extra,
		d.ExposeInSQLLab, d.AllowRunSync, d.AllowRunAsync, d.AllowCTAS,
		d.AllowDML, d.ForceCTASSchema, d.ID)
	if err != nil {
		return mapDBError(err, "database")
	}
	return requireRowAffected(res, "database")
}

func (r *DatabaseRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM dbs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRowAffected(res, "database")
}
