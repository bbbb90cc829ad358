// Package dbtest opens throwaway SQLite databases with the full schema.
package dbtest

import (
	"path/filepath"
	"testing"

	"track-record-engine/database"
)

// Open creates a migrated database in t.TempDir and closes it on cleanup.
func Open(t testing.TB) *database.Database {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
