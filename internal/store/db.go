package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps a sql.DB connection to the mnemo SQLite database.
type DB struct {
	*sql.DB
	Path string

	// Clock supplies the current time for every timestamp the store writes.
	// Tests replace it to move time forward.
	Clock func() time.Time
}

// DefaultDBPath returns the default database path: ~/.mnemo/mnemo.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".mnemo", "mnemo.db"), nil
}

// Pragmas are passed through the DSN so that every pooled connection gets
// them, not only the first one.
var filePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
	"mmap_size(268435456)", // 256MB
	"busy_timeout(5000)",
}

var memoryPragmas = []string{
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

func dsn(path string, pragmas []string) string {
	params := make([]string, len(pragmas))
	for i, p := range pragmas {
		params[i] = "_pragma=" + p
	}
	return path + "?" + strings.Join(params, "&")
}

// Open opens (or creates) the SQLite database at the given path,
// configures pragmas, and runs migrations.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", dsn(path, filePragmas))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db := &DB{DB: sqlDB, Path: path, Clock: time.Now}
	if err := db.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// OpenMemory opens an in-memory SQLite database for testing.
// The pool is pinned to one connection: every new connection to :memory:
// would otherwise see its own empty database.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn(":memory:", memoryPragmas))
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	db := &DB{DB: sqlDB, Path: ":memory:", Clock: time.Now}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// NowMillis returns the store clock as unix milliseconds.
func (db *DB) NowMillis() int64 {
	if db.Clock == nil {
		return time.Now().UnixMilli()
	}
	return db.Clock().UnixMilli()
}
