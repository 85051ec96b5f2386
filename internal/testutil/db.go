package testutil

import (
	"path/filepath"
	"testing"

	"github.com/livinlefevreloca/tillsync/internal/db"
)

// NewTestDB opens a sqlite file in a temp dir and applies the given
// migration set. The database is closed when the test ends.
func NewTestDB(t testing.TB, set db.MigrationSet) *db.DB {
	t.Helper()

	cfg := db.DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), string(set)+".db")

	database, err := db.OpenWithConfig(cfg)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if _, err := database.Migrate(set); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return database
}
