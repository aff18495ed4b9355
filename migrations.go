package flowrelay

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// DefaultTablePrefix is prepended to every table name.
const DefaultTablePrefix = "flowrelay_"

// MigrationFiles contains the SQL schema for every supported dialect, one directory per
// driver name (mysql, postgres, sqlite3). Table names carry a {prefix} placeholder.
//
// Users can apply them with ApplyMigrations or feed them to their own migration tool after
// substituting the placeholder.
//
//go:embed migrations/*/*.sql
var MigrationFiles embed.FS

// ApplyMigrations creates the flowrelay tables for a driver. Statements are idempotent
// (CREATE ... IF NOT EXISTS), so it is safe to call on every startup.
//
// Example:
//
//	db, _ := sql.Open("sqlite3", "flowrelay.db")
//	if err := flowrelay.ApplyMigrations(ctx, db, "sqlite3", flowrelay.DefaultTablePrefix); err != nil {
//	    log.Fatal(err)
//	}
func ApplyMigrations(ctx context.Context, db *sql.DB, driverName, prefix string) error {
	dir := path.Join("migrations", driverName)
	entries, err := fs.ReadDir(MigrationFiles, dir)
	if err != nil {
		return ConfigurationError("no migrations for driver %q", driverName)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := fs.ReadFile(MigrationFiles, path.Join(dir, name))
		if err != nil {
			return NewErrorWithCause(ErrCodeDatabase, "failed to read migration "+name, err)
		}
		for i, stmt := range splitStatements(strings.ReplaceAll(string(raw), "{prefix}", prefix)) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return NewErrorWithCause(ErrCodeDatabase, fmt.Sprintf("migration %s statement %d failed", name, i+1), err)
			}
		}
	}
	return nil
}

// splitStatements drops comment lines and splits a script on semicolons.
func splitStatements(script string) []string {
	var b strings.Builder
	for _, line := range strings.Split(script, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	var out []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
