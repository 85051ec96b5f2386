package migrator

import (
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration represents a database migration.
type Migration struct {
	Version       int
	Name          string
	UpSQL         string
	NoTransaction bool
	Dependencies  []int
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up(\s+notransaction)?\s*$`)
	dependsRegex  = regexp.MustCompile(`^--\s*\+migrate\s+Depends:\s*(.+)$`)
)

// ParseMigration parses the contents of one migration file. name is the
// base file name and carries the version.
func ParseMigration(name string, content []byte) (*Migration, error) {
	matches := filenameRegex.FindStringSubmatch(name)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", name)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}

	lines := strings.Split(string(content), "\n")

	upLine := -1
	noTransaction := false
	for i, line := range lines {
		m := upMarkerRegex.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		upLine = i
		noTransaction = strings.TrimSpace(m[1]) == "notransaction"
		break
	}
	if upLine < 0 {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", name)
	}

	// Directives and comments may sit between the marker and the first
	// statement; everything from the first statement on is SQL.
	var dependencies []int
	sqlStart := len(lines)
	for i := upLine + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if dm := dependsRegex.FindStringSubmatch(line); dm != nil {
			deps, err := parseDependencies(name, dm[1])
			if err != nil {
				return nil, err
			}
			dependencies = append(dependencies, deps...)
			continue
		}
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		sqlStart = i
		break
	}

	sql := strings.TrimSpace(strings.Join(lines[sqlStart:], "\n"))
	if sql == "" {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", name)
	}

	return &Migration{
		Version:       version,
		Name:          matches[2],
		UpSQL:         sql,
		NoTransaction: noTransaction,
		Dependencies:  dependencies,
	}, nil
}

func parseDependencies(name, list string) ([]int, error) {
	var deps []int
	for _, field := range strings.FieldsFunc(list, func(r rune) bool { return r == ',' || r == ' ' }) {
		dep, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("invalid dependency %q in %s", field, name)
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// LoadMigrations loads all migrations from the root of fsys, validates them,
// and returns them sorted by version.
func LoadMigrations(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !filenameRegex.MatchString(entry.Name()) {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Clean(entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file: %w", err)
		}

		migration, err := ParseMigration(entry.Name(), content)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, *migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	if err := detectCycle(migrations); err != nil {
		return nil, err
	}

	versions := make(map[int]bool, len(migrations))
	for i, m := range migrations {
		if versions[m.Version] {
			return nil, fmt.Errorf("duplicate migration version: %d", m.Version)
		}
		versions[m.Version] = true
		if m.Version != i+1 {
			return nil, fmt.Errorf("gap in migration versions: expected %d, found %d", i+1, m.Version)
		}
	}

	for _, m := range migrations {
		for _, dep := range m.Dependencies {
			if !versions[dep] {
				return nil, fmt.Errorf("migration %d depends on non-existent version %d", m.Version, dep)
			}
		}
	}

	return migrations, nil
}

// detectCycle uses a three-color DFS to detect circular dependencies.
func detectCycle(migrations []Migration) error {
	const (
		white = iota
		gray
		black
	)

	graph := make(map[int][]int, len(migrations))
	color := make(map[int]int, len(migrations))
	for _, m := range migrations {
		graph[m.Version] = m.Dependencies
		color[m.Version] = white
	}

	var visit func(int, []int) error
	visit = func(node int, trail []int) error {
		color[node] = gray
		trail = append(trail, node)

		for _, dep := range graph[node] {
			switch color[dep] {
			case gray:
				return fmt.Errorf("circular dependency detected: %v", append(trail, dep))
			case white:
				if err := visit(dep, trail); err != nil {
					return err
				}
			}
		}

		color[node] = black
		return nil
	}

	for _, m := range migrations {
		if color[m.Version] == white {
			if err := visit(m.Version, nil); err != nil {
				return err
			}
		}
	}

	return nil
}
