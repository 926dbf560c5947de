package store

import (
	"context"
	"fmt"
	"strings"
)

// Options selects a Store backend.
type Options struct {
	Driver      string // postgres, sqlite or memory
	PostgresDSN string
	SQLitePath  string
}

// Open connects the configured backend and applies its migrations.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Driver) {
	case "", "postgres":
		pg, err := NewPostgres(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
		return pg, nil
	case "sqlite":
		lite, err := NewSQLite(ctx, opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := lite.RunMigrations(ctx); err != nil {
			lite.Close()
			return nil, fmt.Errorf("sqlite migrations: %w", err)
		}
		return lite, nil
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
}
