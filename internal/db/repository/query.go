package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/caravel-bi/caravel/internal/domain"
)

type queryRow struct {
	ID              int64        `db:"id"`
	ClientID        string       `db:"client_id"`
	DatabaseID      int64        `db:"database_id"`
	UserName        string       `db:"user_name"`
	Status          string       `db:"status"`
	TabName         string       `db:"tab_name"`
	SQLEditorID     string       `db:"sql_editor_id"`
	SchemaName      string       `db:"schema_name"`
	SQL             string       `db:"sql"`
	SelectSQL       string       `db:"select_sql"`
	ExecutedSQL     string       `db:"executed_sql"`
	QueryLimit      int          `db:"query_limit"`
	LimitUsed       bool         `db:"limit_used"`
	SelectAsCTA     bool         `db:"select_as_cta"`
	SelectAsCTAUsed bool         `db:"select_as_cta_used"`
	TmpTableName    string       `db:"tmp_table_name"`
	Progress        int          `db:"progress"`
	Rows            int          `db:"rows"`
	ErrorMessage    string       `db:"error_message"`
	ResultsKey      string       `db:"results_key"`
	StartTime       sql.NullTime `db:"start_time"`
	EndTime         sql.NullTime `db:"end_time"`
	ChangedOn       time.Time    `db:"changed_on"`
}

func (r queryRow) toDomain() *domain.Query {
	return &domain.Query{
		ID:              r.ID,
		ClientID:        r.ClientID,
		DatabaseID:      r.DatabaseID,
		UserName:        r.UserName,
		Status:          r.Status,
		TabName:         r.TabName,
		SQLEditorID:     r.SQLEditorID,
		Schema:          r.SchemaName,
		SQL:             r.SQL,
		SelectSQL:       r.SelectSQL,
		ExecutedSQL:     r.ExecutedSQL,
		Limit:           r.QueryLimit,
		LimitUsed:       r.LimitUsed,
		SelectAsCTA:     r.SelectAsCTA,
		SelectAsCTAUsed: r.SelectAsCTAUsed,
		TmpTableName:    r.TmpTableName,
		Progress:        r.Progress,
		Rows:            r.Rows,
		ErrorMessage:    r.ErrorMessage,
		ResultsKey:      r.ResultsKey,
		StartTime:       timeOrZero(r.StartTime),
		EndTime:         timeOrZero(r.EndTime),
		ChangedOn:       r.ChangedOn,
	}
}

// QueryRepo persists SQL Lab query records.
type QueryRepo struct {
	db *sqlx.DB
}

func NewQueryRepo(db *sqlx.DB) *QueryRepo {
	return &QueryRepo{db: db}
}

func (r *QueryRepo) Create(ctx context.Context, q *domain.Query) (*domain.Query, error) {
	if q.Status == "" {
		q.Status = domain.StatusPending
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO queries (client_id, database_id, user_name, status,
			tab_name, sql_editor_id, schema_name, sql, query_limit,
			select_as_cta, tmp_table_name)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ClientID, q.DatabaseID, q.UserName, q.Status,
		q.TabName, q.SQLEditorID, q.Schema, q.SQL, q.Limit,
		q.SelectAsCTA, q.TmpTableName)
	if err != nil {
		return nil, mapDBError(err, "query")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *QueryRepo) GetByID(ctx context.Context, id int64) (*domain.Query, error) {
	var row queryRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM queries WHERE id = ?`, id); err != nil {
		return nil, mapDBError(err, "query")
	}
	return row.toDomain(), nil
}

func (r *QueryRepo) GetByClientID(ctx context.Context, clientID string) (*domain.Query, error) {
	var row queryRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM queries WHERE client_id = ?`, clientID); err != nil {
		return nil, mapDBError(err, "query")
	}
	return row.toDomain(), nil
}

func (r *QueryRepo) GetByResultsKey(ctx context.Context, resultsKey string) (*domain.Query, error) {
	var row queryRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM queries WHERE results_key = ?`, resultsKey); err != nil {
		return nil, mapDBError(err, "query")
	}
	return row.toDomain(), nil
}

func (r *QueryRepo) Update(ctx context.Context, q *domain.Query) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queries SET status = ?, sql = ?, select_sql = ?,
			executed_sql = ?, query_limit = ?, limit_used = ?,
			select_as_cta = ?, select_as_cta_used = ?, tmp_table_name = ?,
			progress = ?, rows = ?, error_message = ?, results_key = ?,
			start_time = ?, end_time = ?, changed_on = datetime('now')
		WHERE id = ?`,
		q.Status, q.SQL, q.SelectSQL,
		q.ExecutedSQL, q.Limit, q.LimitUsed,
		q.SelectAsCTA, q.SelectAsCTAUsed, q.TmpTableName,
		q.Progress, q.Rows, q.ErrorMessage, q.ResultsKey,
		nullableTime(q.StartTime), nullableTime(q.EndTime), q.ID)
	if err != nil {
		return mapDBError(err, "query")
	}
	return requireRowAffected(res, "query")
}
