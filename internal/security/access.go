// Package security implements the access predicate gating query paths and
// the ownership rule gating mutations.
package security

import (
	"context"
	"log/slog"
	"strings"

	"github.com/caravel-bi/caravel/internal/domain"
)

// Service answers capability questions for an identity against stored
// role permissions.
type Service struct {
	repo   domain.AccessRepository
	logger *slog.Logger
}

// NewService builds the access service.
func NewService(repo domain.AccessRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

func (s *Service) hasPerm(ctx context.Context, id domain.Identity, permission, view string) (bool, error) {
	if id.IsAdmin() {
		return true, nil
	}
	return s.repo.HasPermission(ctx, id.Roles, permission, view)
}

// AllDatasourceAccess reports the blanket capability.
func (s *Service) AllDatasourceAccess(ctx context.Context, id domain.Identity) (bool, error) {
	return s.hasPerm(ctx, id, domain.PermAllDatasourceAccess, "all_datasource_access")
}

// DatabaseAccess reports access to every datasource of a database.
func (s *Service) DatabaseAccess(ctx context.Context, id domain.Identity, db *domain.Database) (bool, error) {
	if ok, err := s.AllDatasourceAccess(ctx, id); ok || err != nil {
		return ok, err
	}
	return s.hasPerm(ctx, id, domain.PermDatabaseAccess, db.Perm())
}

// DatasourceAccess composes the capability chain: blanket access, then the
// owning database, then the datasource's own permission view.
func (s *Service) DatasourceAccess(ctx context.Context, id domain.Identity, ds domain.Datasource) (bool, error) {
	if ok, err := s.AllDatasourceAccess(ctx, id); ok || err != nil {
		return ok, err
	}
	if ok, err := s.hasPerm(ctx, id, domain.PermDatabaseAccess, ds.DatabasePerm()); ok || err != nil {
		return ok, err
	}
	return s.hasPerm(ctx, id, domain.PermDatasourceAccess, ds.Perm())
}

// CheckDatabaseAccess returns a denial naming the database when the
// identity may not run queries against it.
func (s *Service) CheckDatabaseAccess(ctx context.Context, id domain.Identity, db *domain.Database) error {
	ok, err := s.DatabaseAccess(ctx, id, db)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Warn("database access denied",
			slog.String("user", id.Username),
			slog.String("database", db.DatabaseName))
		return domain.ErrAccessDenied("Access to database %s is forbidden for user %s", db.DatabaseName, id.Username)
	}
	return nil
}

// CheckDatasourceAccess returns a denial naming the datasource when the
// identity may not query it.
func (s *Service) CheckDatasourceAccess(ctx context.Context, id domain.Identity, ds domain.Datasource) error {
	ok, err := s.DatasourceAccess(ctx, id, ds)
	if err != nil {
		return err
	}
	if !ok {
		s.logger.Warn("datasource access denied",
			slog.String("user", id.Username),
			slog.String("datasource", ds.Name()))
		return domain.ErrAccessDenied("Access to datasource %s is forbidden for user %s", ds.Name(), id.Username)
	}
	return nil
}

// CheckMetricAccess verifies the identity may use every restricted metric
// among the requested names.
func (s *Service) CheckMetricAccess(ctx context.Context, id domain.Identity, ds domain.Datasource, metrics []string) error {
	if id.IsAdmin() {
		return nil
	}
	var rejected []string
	for name, perm := range ds.RestrictedMetricPerms(metrics) {
		ok, err := s.hasPerm(ctx, id, domain.PermMetricAccess, perm)
		if err != nil {
			return err
		}
		if !ok {
			rejected = append(rejected, name)
		}
	}
	if len(rejected) > 0 {
		return domain.ErrAccessDenied("Access to the metrics denied: %s", strings.Join(rejected, ", "))
	}
	return nil
}

// CheckOwnership gates mutating paths: creators, listed owners, and admins
// may edit.
func (s *Service) CheckOwnership(id domain.Identity, createdBy string, owners []string) error {
	if id.IsAdmin() || id.Owns(createdBy, owners) {
		return nil
	}
	return domain.ErrAccessDenied("You don't have the rights to alter this object")
}
