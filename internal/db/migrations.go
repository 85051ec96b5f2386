package db

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/livinlefevreloca/tillsync/tools/migrator"
)

//go:embed migrations/terminal/*.sql migrations/authority/*.sql
var migrationFiles embed.FS

// MigrationSet names one of the embedded migration directories.
type MigrationSet string

const (
	// TerminalMigrations builds the schema a store terminal runs on.
	TerminalMigrations MigrationSet = "terminal"
	// AuthorityMigrations builds the schema of the remote authority.
	AuthorityMigrations MigrationSet = "authority"
)

// Migrations returns the files of the named set.
func Migrations(set MigrationSet) (fs.FS, error) {
	sub, err := fs.Sub(migrationFiles, "migrations/"+string(set))
	if err != nil {
		return nil, fmt.Errorf("migration set %s: %w", set, err)
	}
	return sub, nil
}

// Migrate applies every pending migration of set and returns the resulting
// schema version.
func (db *DB) Migrate(set MigrationSet) (int, error) {
	files, err := Migrations(set)
	if err != nil {
		return 0, err
	}

	if err := migrator.RunMigrations(db.DB, files); err != nil {
		return 0, fmt.Errorf("run %s migrations: %w", set, err)
	}

	return migrator.GetCurrentVersion(db.DB)
}
