package store

import (
	"database/sql"
	_ "embed"
	"time"

	_ "github.com/lib/pq"
)

// Connection pool settings for PostgresStore.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	sqlStore
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the configured database and applies the schema.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOptions(opts)
	if cfg.DSN == "" {
		return nil, ErrNoDSN
	}
	db, err := openSQL("postgres", cfg.DSN, postgresMigrations, func(db *sql.DB) {
		db.SetMaxOpenConns(DefaultMaxOpenConns)
		db.SetMaxIdleConns(DefaultMaxIdleConns)
		db.SetConnMaxLifetime(DefaultConnMaxLifetime)
	})
	if err != nil {
		return nil, err
	}
	return &PostgresStore{sqlStore{db: db, driver: "postgres", name: "PostgresStore"}}, nil
}

// Open returns a SQL store for dsn, choosing the driver with DetectDSNType.
func Open(dsn string) (Store, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
