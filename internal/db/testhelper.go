package db

import (
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
)

// OpenTestSQLite opens a migrated metastore pool pair on a throwaway file
// under t.TempDir. Tests that don't care about the read/write split can
// use writeDB for everything.
func OpenTestSQLite(t *testing.T) (writeDB, readDB *sqlx.DB) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.sqlite")

	writeDB, readDB, err := OpenSQLitePair(path, 4)
	if err != nil {
		t.Fatalf("open test sqlite: %v", err)
	}
	t.Cleanup(func() {
		_ = readDB.Close()
		_ = writeDB.Close()
	})

	if err := RunMigrations(writeDB); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	return writeDB, readDB
}
