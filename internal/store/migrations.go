package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

type execer func(ctx context.Context, sql string) error

// runMigrations executes the embedded SQL files under dir in lexical order.
func runMigrations(ctx context.Context, dir string, exec execer) error {
	entries, err := migrationFiles.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := fs.ReadFile(migrationFiles, path.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if err := exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// RunMigrations applies the PostgreSQL schema.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "migrations/postgres", func(ctx context.Context, sql string) error {
		_, err := s.pool.Exec(ctx, sql)
		return err
	})
}

// RunMigrations applies the SQLite schema.
func (s *SQLite) RunMigrations(ctx context.Context) error {
	return runMigrations(ctx, "migrations/sqlite", func(ctx context.Context, sql string) error {
		_, err := s.db.ExecContext(ctx, sql)
		return err
	})
}
