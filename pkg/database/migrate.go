package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// Migrate runs embedded PostgreSQL migrations in order (001_groups.sql, 002_..., etc.).
// Every statement is idempotent, so the whole set is applied on each start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	return applyMigrations("postgres", func(name, stmt string) error {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
		return nil
	})
}

// MigrateSQLite runs the embedded SQLite migrations.
func MigrateSQLite(ctx context.Context, db *sql.DB) error {
	return applyMigrations("sqlite", func(name, stmt string) error {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute migration %s: %w", name, err)
		}
		return nil
	})
}

func applyMigrations(driver string, exec func(name, stmt string) error) error {
	dir := path.Join("migrations", driver)
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		raw, err := migrationsFS.ReadFile(path.Join(dir, name))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		for _, stmt := range splitStatements(string(raw)) {
			if err := exec(name, stmt); err != nil {
				return err
			}
		}
	}
	return nil
}

// splitStatements splits a migration file on semicolons. Migrations contain no
// string literals with semicolons.
func splitStatements(src string) []string {
	var out []string
	for _, s := range strings.Split(src, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
