package store

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions is used when creating the database directory.
const DefaultDirPermissions = 0755

// sqliteParams are appended to plain file paths. A busy timeout lets the whatsmeow
// device store and this store share a file without SQLITE_BUSY errors.
const sqliteParams = "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a Store backed by a SQLite database file.
type SQLiteStore struct {
	sqlStore
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the SQLite database at the configured
// path and applies the schema.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOptions(opts)
	if cfg.DSN == "" {
		return nil, ErrNoDSN
	}

	path := strings.TrimPrefix(cfg.DSN, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := openSQL("sqlite3", sqliteDSN(cfg.DSN), sqliteMigrations, func(db *sql.DB) {
		// One writer at a time keeps StartRun's check-then-insert serialized.
		db.SetMaxOpenConns(1)
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlStore{db: db, driver: "sqlite3", name: "SQLiteStore"}}, nil
}

// sqliteDSN adds the default connection parameters unless the DSN sets its own.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return "file:" + strings.TrimPrefix(dsn, "file:") + "?" + sqliteParams
}
