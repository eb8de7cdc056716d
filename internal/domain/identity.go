package domain

// AdminRole short-circuits every access check.
const AdminRole = "Admin"

// Permission names consumed by the access predicate.
const (
	PermAllDatasourceAccess = "all_datasource_access"
	PermDatabaseAccess      = "database_access"
	PermDatasourceAccess    = "datasource_access"
	PermMetricAccess        = "metric_access"
)

// Identity is the caller passed explicitly into every core operation.
type Identity struct {
	Username string
	Roles    []string
}

// IsAdmin reports whether the caller carries the Admin role.
func (id Identity) IsAdmin() bool {
	for _, r := range id.Roles {
		if r == AdminRole {
			return true
		}
	}
	return false
}

// Owns reports whether the caller created the object or is listed among
// its owners.
func (id Identity) Owns(createdBy string, owners []string) bool {
	if createdBy != "" && createdBy == id.Username {
		return true
	}
	for _, o := range owners {
		if o == id.Username {
			return true
		}
	}
	return false
}
