package sa

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed db/*.sql
var migrations embed.FS

// MigrationResult describes one applied migration.
type MigrationResult struct {
	Version int64
	Source  string
}

func newProvider(conn *sql.DB) (*goose.Provider, error) {
	fsys, err := fs.Sub(migrations, "db")
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(goose.DialectMySQL, conn, fsys)
}

// Migrate applies every pending migration and returns the ones it applied.
func Migrate(ctx context.Context, conn *sql.DB) ([]MigrationResult, error) {
	provider, err := newProvider(conn)
	if err != nil {
		return nil, fmt.Errorf("loading migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("applying migrations: %w", err)
	}
	var out []MigrationResult
	for _, r := range results {
		out = append(out, MigrationResult{Version: r.Source.Version, Source: r.Source.Path})
	}
	return out, nil
}

// PendingMigrations reports how many embedded migrations are not applied.
func PendingMigrations(ctx context.Context, conn *sql.DB) (int, error) {
	provider, err := newProvider(conn)
	if err != nil {
		return 0, fmt.Errorf("loading migrations: %w", err)
	}
	status, err := provider.Status(ctx)
	if err != nil {
		return 0, err
	}
	var pending int
	for _, s := range status {
		if s.State == goose.StatePending {
			pending++
		}
	}
	return pending, nil
}
