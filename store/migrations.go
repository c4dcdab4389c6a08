/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

//go:embed migrations
var migrations embed.FS

// Migrate applies every pending migration for d.
func Migrate(ctx context.Context, db *sql.DB, d Dialect, logger zerolog.Logger) error {
	dir, err := fs.Sub(migrations, "migrations/"+d.Migrations())
	if err != nil {
		return fmt.Errorf("migrations for %s: %w", d.Name(), err)
	}

	provider, err := goose.NewProvider(d.Goose(), db, dir)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	for _, r := range results {
		logger.Info().
			Str("dialect", d.Name()).
			Int64("version", r.Source.Version).
			Dur("took", r.Duration).
			Msg("STORE: applied migration")
	}

	return nil
}
