// Package migrations embeds the versioned SQL migration scripts for both
// relational backends. Each backend applies them in ascending version
// order, recording the highest applied version in a `_migrations` table.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed postgres/*.sql
var postgresFS embed.FS

//go:embed sqlite/*.sql
var sqliteFS embed.FS

// Block is one numbered migration script.
type Block struct {
	Version int
	Name    string
	SQL     string
}

// Postgres returns the PostgreSQL migration blocks, sorted by version.
func Postgres() ([]Block, error) { return load(postgresFS, "postgres") }

// SQLite returns the SQLite migration blocks, sorted by version.
func SQLite() ([]Block, error) { return load(sqliteFS, "sqlite") }

func load(fsys embed.FS, dir string) ([]Block, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	blocks := make([]Block, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, err := versionFromName(e.Name())
		if err != nil {
			return nil, err
		}
		data, err := fsys.ReadFile(dir + "/" + e.Name())
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, Block{Version: version, Name: e.Name(), SQL: string(data)})
	}
	return blocks, nil
}

func versionFromName(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("migrations: filename %q missing version prefix", name)
	}
	return strconv.Atoi(prefix)
}
