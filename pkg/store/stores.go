package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know about.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Stores groups the repositories backed by one database connection.
type Stores struct {
	Messages MessageStore
	db       *sqlx.DB
}

// Open connects to the database, applies pending migrations and returns the
// repositories.
func Open(ctx context.Context, driver, dsn string) (*Stores, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One connection keeps :memory: databases alive and serialises writers.
		db.SetMaxOpenConns(1)
	}

	if err := migrateUp(db, driver); err != nil {
		db.Close()
		return nil, err
	}

	return &Stores{
		Messages: NewMessages(db),
		db:       db,
	}, nil
}

// Close releases the database connection.
func (s *Stores) Close() error {
	return s.db.Close()
}

func migrateUp(db *sqlx.DB, driver string) error {
	if driver != DriverPostgres && driver != DriverSQLite {
		return fmt.Errorf("unsupported database driver %q", driver)
	}
	src, err := iofs.New(migrationsFS, "migrations/"+driver)
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case DriverPostgres:
		drv, err := migratepg.WithInstance(db.DB, &migratepg.Config{})
		if err != nil {
			return fmt.Errorf("preparing postgres migrations: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, DriverPostgres, drv)
		if err != nil {
			return err
		}
	case DriverSQLite:
		drv, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
		if err != nil {
			return fmt.Errorf("preparing sqlite migrations: %w", err)
		}
		m, err = migrate.NewWithInstance("iofs", src, DriverSQLite, drv)
		if err != nil {
			return err
		}
	}

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		slog.Debug("database schema up to date", "driver", driver)
		return nil
	}
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	version, _, _ := m.Version()
	slog.Info("database migrated", "driver", driver, "version", version)
	return nil
}
