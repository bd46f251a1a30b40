// Package store is the durable policy/server/group repository: a
// sqlx-backed SQLite database, migrated at startup with golang-migrate.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/mcpgov/policy-gateway/internal/log"

	// registers the sqlite driver
	_ "modernc.org/sqlite"
)

// DAO is the full repository surface the store provides: policies (with
// their scope/resource bindings), servers, and groups.
type DAO interface {
	PolicyDAO
	ServerDAO
	GroupDAO

	Close() error
}

type dao struct {
	db *sqlx.DB
}

//go:embed migrations/*.sql
var migrations embed.FS

type options struct {
	dbFile         string
	migrationsFS   fs.FS
	migrationsPath string
}

// Option configures New.
type Option func(o *options) error

// WithDatabaseFile overrides the default SQLite file location.
func WithDatabaseFile(dbFile string) Option {
	return func(o *options) error {
		o.dbFile = dbFile
		return nil
	}
}

// WithMigrations overrides the embedded migrations filesystem, used by
// tests to point at a scratch directory.
func WithMigrations(filesystem fs.FS, path string) Option {
	return func(o *options) error {
		o.migrationsFS = filesystem
		o.migrationsPath = path
		return nil
	}
}

// New opens (creating if necessary) the SQLite database and applies any
// pending migrations before returning the DAO.
func New(opts ...Option) (DAO, error) {
	var o options
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	if o.dbFile == "" {
		o.dbFile = "mcp-policy-gateway.db"
	}
	ensureDirectoryExists(o.dbFile)

	db, err := sql.Open("sqlite", "file:"+o.dbFile+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single-writer discipline avoids SQLITE_BUSY under concurrent
	// request handling; reads are still served concurrently by SQLite's
	// own locking.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	migrationsFS := o.migrationsFS
	if migrationsFS == nil {
		migrationsFS = &migrations
	}
	migrationsPath := o.migrationsPath
	if migrationsPath == "" {
		migrationsPath = "migrations"
	}

	if err := runMigrations(o.dbFile, db, migrationsFS, migrationsPath); err != nil {
		return nil, err
	}

	return &dao{db: sqlx.NewDb(db, "sqlite")}, nil
}

func (d *dao) Close() error {
	return d.db.Close()
}

func ensureDirectoryExists(path string) {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		_ = os.MkdirAll(dir, 0o755)
	}
}

func txClose(tx *sqlx.Tx, err *error) {
	if err == nil || *err == nil {
		return
	}
	if txerr := tx.Rollback(); txerr != nil {
		log.Logf("failed to rollback transaction: %v", txerr)
	}
}

// runMigrations applies pending migrations under a cross-process file
// lock, so two instances starting simultaneously cannot leave the
// database at a dirty version.
func runMigrations(dbFile string, db *sql.DB, migrationsFS fs.FS, migrationsPath string) error {
	migDriver, err := iofs.New(migrationsFS, migrationsPath)
	if err != nil {
		return err
	}
	defer migDriver.Close()

	driver, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return err
	}

	mig, err := migrate.NewWithInstance("iofs", migDriver, "sqlite", driver)
	if err != nil {
		return err
	}

	lockFile := filepath.Join(filepath.Dir(dbFile), ".mcp-policy-gateway-migration.lock")
	fileLock := flock.New(lockFile)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("timeout waiting for migration lock")
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			log.Logf("failed to unlock migration lock: %v", err)
		}
	}()

	version, dirty, err := mig.Version()
	isFreshDatabase := errors.Is(err, migrate.ErrNilVersion)
	if err != nil && !isFreshDatabase {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d, manual intervention required", version)
	}

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
