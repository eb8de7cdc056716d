package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// AccessRepo answers role-permission membership questions against the
// role_permissions table.
type AccessRepo struct {
	db *sqlx.DB
}

func NewAccessRepo(db *sqlx.DB) *AccessRepo {
	return &AccessRepo{db: db}
}

func (r *AccessRepo) HasPermission(ctx context.Context, roles []string, permission, view string) (bool, error) {
	if len(roles) == 0 {
		return false, nil
	}
	query, args, err := sqlx.In(`
		SELECT COUNT(*) FROM role_permissions
		WHERE role IN (?) AND permission = ? AND view_menu = ?`,
		roles, permission, view)
	if err != nil {
		return false, err
	}
	var count int
	if err := r.db.GetContext(ctx, &count, r.db.Rebind(query), args...); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *AccessRepo) GrantPermission(ctx context.Context, role, permission, view string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO role_permissions (role, permission, view_menu)
		VALUES (?, ?, ?)`,
		role, permission, view)
	return err
}
