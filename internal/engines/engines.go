// Package engines bridges database records to database/sql drivers. It maps
// connection URIs to registered drivers, opens pooled connections with a
// liveness check, and carries the per-engine SQL quirks the query builder
// and SQL Lab need.
package engines

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/caravel-bi/caravel/internal/domain"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "github.com/prestodb/presto-go-client/presto"
)

const (
	maxOpenConns    = 10
	maxIdleConns    = 4
	connMaxLifetime = 30 * time.Minute
)

// DriverFor maps an engine backend tag to a registered driver name.
func DriverFor(backend string) (string, error) {
	switch backend {
	case domain.EnginePostgres, domain.EngineRedshift, domain.EngineVertica:
		return "pgx", nil
	case domain.EngineMySQL:
		return "mysql", nil
	case domain.EngineSQLite:
		return "sqlite3", nil
	case domain.EngineClickHouse:
		return "clickhouse", nil
	case domain.EnginePresto:
		return "presto", nil
	}
	return "", domain.ErrValidation("no driver registered for engine %q", backend)
}

// DSN converts a database URI into the driver-specific connection string.
func DSN(db *domain.Database) (string, error) {
	uri := db.URIWithPassword()
	backend := db.Backend()
	u, err := url.Parse(uri)
	if err != nil {
		return "", domain.ErrValidation("invalid connection uri: %v", err)
	}
	switch backend {
	case domain.EnginePostgres, domain.EngineRedshift, domain.EngineVertica:
		// pgx accepts postgres:// URLs; normalize the scheme.
		u.Scheme = "postgres"
		return u.String(), nil
	case domain.EngineMySQL:
		return mysqlDSN(u), nil
	case domain.EngineSQLite:
		// sqlite:///path/to/file.db
		path := u.Path
		if u.Opaque != "" {
			path = u.Opaque
		}
		if path == "" {
			path = ":memory:"
		}
		return path, nil
	case domain.EngineClickHouse:
		u.Scheme = "clickhouse"
		return u.String(), nil
	case domain.EnginePresto:
		return prestoDSN(u), nil
	}
	return "", domain.ErrValidation("no driver registered for engine %q", backend)
}

// mysqlDSN rewrites a mysql:// URL into go-sql-driver form,
// user:pass@tcp(host:port)/dbname.
func mysqlDSN(u *url.URL) string {
	var b strings.Builder
	if u.User != nil {
		b.WriteString(u.User.Username())
		if pw, ok := u.User.Password(); ok {
			b.WriteString(":")
			b.WriteString(pw)
		}
		b.WriteString("@")
	}
	host := u.Host
	if !strings.Contains(host, ":") {
		host += ":3306"
	}
	fmt.Fprintf(&b, "tcp(%s)%s", host, u.Path)
	b.WriteString("?parseTime=true")
	if u.RawQuery != "" {
		b.WriteString("&")
		b.WriteString(u.RawQuery)
	}
	return b.String()
}

// prestoDSN rewrites presto://user@host:port/catalog/schema into the
// presto-go-client http DSN.
func prestoDSN(u *url.URL) string {
	target := url.URL{Scheme: "http", Host: u.Host}
	if u.User != nil {
		target.User = url.User(u.User.Username())
	}
	q := url.Values{}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) > 0 && parts[0] != "" {
		q.Set("catalog", parts[0])
	}
	if len(parts) > 1 {
		q.Set("schema", parts[1])
	}
	target.RawQuery = q.Encode()
	return target.String()
}

// Open connects to the database, configures the pool, and verifies
// liveness. Transient ping failures are retried before giving up.
func Open(ctx context.Context, dbRec *domain.Database) (*sql.DB, error) {
	driver, err := DriverFor(dbRec.Backend())
	if err != nil {
		return nil, err
	}
	dsn, err := DSN(dbRec)
	if err != nil {
		return nil, err
	}
	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, domain.ErrQuery(fmt.Errorf("failed to open connection: %w", err), "")
	}
	conn.SetMaxOpenConns(maxOpenConns)
	conn.SetMaxIdleConns(maxIdleConns)
	conn.SetConnMaxLifetime(connMaxLifetime)

	err = retry.Do(
		func() error { return conn.PingContext(ctx) },
		retry.Context(ctx),
		retry.Attempts(2),
		retry.Delay(200*time.Millisecond),
		retry.RetryIf(isTransientConnError),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		conn.Close()
		return nil, domain.ErrQuery(fmt.Errorf("database %q is unreachable: %w", dbRec.DatabaseName, err), "")
	}
	return conn, nil
}

func isTransientConnError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	hints := []string{"timeout", "temporarily", "temporary", "connection reset", "eof", "broken pipe", "connection refused"}
	for _, hint := range hints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// EpochToDttm returns the engine expression converting a unix epoch column
// to a datetime, with a {col} placeholder. ms selects millisecond epochs.
func EpochToDttm(backend string, ms bool) (string, error) {
	exprs := map[string]string{
		domain.EngineSQLite:   "datetime({col}, 'unixepoch')",
		domain.EnginePostgres: "(timestamp 'epoch' + {col} * interval '1 second')",
		domain.EngineRedshift: "(timestamp 'epoch' + {col} * interval '1 second')",
		domain.EngineVertica:  "(timestamp 'epoch' + {col} * interval '1 second')",
		domain.EngineMySQL:    "from_unixtime({col})",
		domain.EngineMSSQL:    "dateadd(S, {col}, '1970-01-01')",
	}
	expr, ok := exprs[backend]
	if !ok {
		return "", domain.ErrValidation("Unable to convert unix epoch to datetime")
	}
	if ms {
		expr = strings.ReplaceAll(expr, "{col}", "({col}/1000.0)")
	}
	return expr, nil
}
