package domain

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Engine tags recognized by the time-grain registry and driver layer.
const (
	EnginePresto     = "presto"
	EngineMySQL      = "mysql"
	EnginePostgres   = "postgresql"
	EngineRedshift   = "redshift"
	EngineVertica    = "vertica"
	EngineSQLite     = "sqlite"
	EngineMSSQL      = "mssql"
	EngineClickHouse = "clickhouse"
)

// Database is a named connection descriptor for a relational backend.
// The URI is opaque to the core except for its scheme, which selects the
// engine; the password is stored separately, encrypted at rest, and is
// substituted back into the URI at connection time.
type Database struct {
	ID           int64
	DatabaseName string
	URI          string
	Password     string
	CacheTimeout int
	Extra        string

	ExposeInSQLLab  bool
	AllowRunSync    bool
	AllowRunAsync   bool
	AllowCTAS       bool
	AllowDML        bool
	ForceCTASSchema string

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DatabaseExtra is the engine-parameter override bag stored as JSON in
// Database.Extra.
type DatabaseExtra struct {
	MetadataParams map[string]interface{} `json:"metadata_params"`
	EngineParams   map[string]interface{} `json:"engine_params"`
}

// Backend returns the engine tag derived from the URI scheme.
// Scheme suffixes such as "postgresql+psycopg2" are stripped.
func (d *Database) Backend() string {
	u, err := url.Parse(d.URI)
	if err != nil || u.Scheme == "" {
		return strings.SplitN(d.URI, ":", 2)[0]
	}
	scheme := u.Scheme
	if i := strings.Index(scheme, "+"); i >= 0 {
		scheme = scheme[:i]
	}
	return scheme
}

// GetExtra parses the Extra JSON bag. Malformed JSON yields an empty bag.
func (d *Database) GetExtra() DatabaseExtra {
	var extra DatabaseExtra
	if d.Extra != "" {
		_ = json.Unmarshal([]byte(d.Extra), &extra)
	}
	return extra
}

// URIWithPassword substitutes the decrypted password back into the
// connection URI.
func (d *Database) URIWithPassword() string {
	if d.Password == "" {
		return d.URI
	}
	u, err := url.Parse(d.URI)
	if err != nil || u.User == nil {
		return d.URI
	}
	u.User = url.UserPassword(u.User.Username(), d.Password)
	return u.String()
}

// Perm returns the permission view string gating access to this database.
func (d *Database) Perm() string {
	return fmt.Sprintf("[%s].(id:%d)", d.DatabaseName, d.ID)
}

// Validate checks that the descriptor is well-formed.
func (d *Database) Validate() error {
	if strings.TrimSpace(d.DatabaseName) == "" {
		return ErrValidation("database_name is required")
	}
	if strings.TrimSpace(d.URI) == "" {
		return ErrValidation("connection URI is required")
	}
	if d.Backend() == "" {
		return ErrValidation("connection URI %q has no engine scheme", d.URI)
	}
	return nil
}
