// Package db opens the broker's local account store and keeps its schema
// current. SQLite (modernc pure-Go driver, no CGO) and PostgreSQL are
// supported. Migrations are embedded in the binary and applied by
// golang-migrate when the connection is opened.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// Registers the pure-Go driver as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds what is needed to open the store. Driver defaults to sqlite.
type Config struct {
	Driver   string
	DSN      string
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel

	// SkipMigrations opens the connection without touching the schema.
	SkipMigrations bool
}

// New opens the database, applies pending migrations unless disabled, and
// returns the *gorm.DB.
func New(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, errors.New("db: logger is required")
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverSQLite
	}

	database, sqlDB, err := open(cfg)
	if err != nil {
		return nil, err
	}

	if !cfg.SkipMigrations {
		if _, err := migrateUp(sqlDB, cfg.Driver, cfg.Logger); err != nil {
			return nil, fmt.Errorf("db: migrations failed: %w", err)
		}
	}
	return database, nil
}

// Migrate applies pending migrations to an open database and returns the
// resulting schema version.
func Migrate(database *gorm.DB, driver string, log *zap.Logger) (uint, error) {
	sqlDB, err := database.DB()
	if err != nil {
		return 0, fmt.Errorf("db: get sql.DB: %w", err)
	}
	if driver == "" {
		driver = DriverSQLite
	}
	return migrateUp(sqlDB, driver, log)
}

// Ping verifies that the connection is alive.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

func open(cfg Config) (*gorm.DB, *sql.DB, error) {
	gormCfg := &gorm.Config{
		Logger:         newZapGORMLogger(cfg.Logger, cfg.LogLevel),
		TranslateError: true,
	}

	switch cfg.Driver {
	case DriverSQLite:
		// Hand an existing modernc connection to GORM so the dialector does
		// not try to open one through go-sqlite3.
		sqlDB, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("db: open sqlite: %w", err)
		}
		// One writer at a time; this also keeps ":memory:" databases alive
		// on a single connection.
		sqlDB.SetMaxOpenConns(1)

		database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, gormCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("db: init gorm with sqlite: %w", err)
		}
		return database, sqlDB, nil

	case DriverPostgres:
		database, err := gorm.Open(gormpostgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("db: open postgres: %w", err)
		}
		sqlDB, err := database.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("db: get sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
		return database, sqlDB, nil

	default:
		return nil, nil, fmt.Errorf("db: unsupported driver %q, use %q or %q", cfg.Driver, DriverSQLite, DriverPostgres)
	}
}

// migrateUp applies every pending up-migration. ErrNoChange is success.
// The migrator is never closed because closing it would close sqlDB.
func migrateUp(sqlDB *sql.DB, driver string, log *zap.Logger) (uint, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("migration source: %w", err)
	}

	var drv migratedb.Driver
	switch driver {
	case DriverSQLite:
		drv, err = migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	case DriverPostgres:
		drv, err = migratepg.WithInstance(sqlDB, &migratepg.Config{})
	default:
		return 0, fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return 0, fmt.Errorf("%s migrate driver: %w", driver, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driver, drv)
	if err != nil {
		return 0, fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}

	log.Info("database schema up to date",
		zap.String("driver", driver),
		zap.Uint("version", version),
	)
	return version, nil
}
