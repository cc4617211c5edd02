package store

import (
	"context"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	pgx5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// MigrationsPath is overridden by config.Database.MigrationsPath; kept as a
// package default so tests and tools can call runMigrations directly.
var MigrationsPath = "internal/store/migrations"

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	driver, err := pgx5.WithInstance(conn.Conn(), &pgx5.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+MigrationsPath, "pgx5", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	log.Info().Str("path", MigrationsPath).Msg("database migrations applied")
	return nil
}
