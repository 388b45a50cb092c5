// Package db provides the shared Postgres connection/migration bootstrap
// used by both process entrypoints. Table-specific queries live next to the
// package that owns the table (internal/order/repo, internal/payment/...);
// this package only owns the connection lifecycle.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

type Store struct{ DB *sql.DB }

// Open connects with the given pool limits (num_db_conns / seconds_db_idle
// in the service configuration); zero values keep database/sql defaults.
func Open(dsn string, numConns int, idle time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if numConns > 0 {
		db.SetMaxOpenConns(numConns)
	}
	if idle > 0 {
		db.SetConnMaxIdleTime(idle)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.DB.BeginTx(ctx, nil)
}

func (s *Store) Close() error { return s.DB.Close() }
