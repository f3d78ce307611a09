// Package db provides the embedded SQLite store behind the diary cache.
//
// Each authenticated user gets a file-backed database in a directory of
// their own; an unauthenticated session gets an in-memory one. The store
// runs in WAL mode so readers see only committed state while a write
// transaction is open.
//
// Writes are single-writer: every mutation goes through WriteTx, which
// holds the store's write lock for the whole transaction. Reads use Conn
// directly and may run concurrently.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"
)

// TimeLayout is the fixed-width UTC layout used for every stored
// timestamp, so that timestamps order correctly as strings.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// DB wraps one user's SQLite connection pool.
type DB struct {
	conn   *sql.DB
	path   string // "" for in-memory stores
	logger *zap.Logger

	writeMu sync.Mutex
	closed  bool
}

// Open creates or opens a file-backed store at path and brings its schema
// to SchemaVersion.
//
// The caller MUST call Close() when done.
func Open(ctx context.Context, path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Per-connection pragmas go in the DSN so every pooled connection
	// gets them, not just the first one.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path, logger: logger}

	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("opened cache store", zap.String("path", path))
	return db, nil
}

// OpenMemory creates a transient store that disappears on Close.
//
// An in-memory SQLite database lives inside a single connection, so the
// pool is pinned to exactly one connection that never expires.
func OpenMemory(ctx context.Context, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping in-memory database: %w", err)
	}

	db := &DB{conn: conn, logger: logger}

	if _, err := conn.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("opened ephemeral cache store")
	return db, nil
}

// Conn returns the underlying pool for read queries.
// Mutations must go through WriteTx instead. After Close, queries on the
// pool fail with "sql: database is closed".
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the database file, or "" for an in-memory store.
func (db *DB) Path() string {
	return db.path
}

// IsEphemeral reports whether the store lives only in memory.
func (db *DB) IsEphemeral() bool {
	return db.path == ""
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if db.closed {
		return nil
	}

	if db.path != "" {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			db.logger.Warn("failed to checkpoint WAL", zap.Error(err))
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.closed = true
	return nil
}

// WriteTx runs fn inside one write transaction. Transactions against the
// same store are applied one at a time, in the order callers acquire the
// write lock. If fn returns an error nothing it did is committed.
func (db *DB) WriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if db.closed {
		return fmt.Errorf("database is closed")
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Size returns the on-disk size of the database and its WAL in bytes.
// In-memory stores report 0.
func (db *DB) Size() int64 {
	if db.path == "" {
		return 0
	}
	var total int64
	for _, p := range []string{db.path, db.path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			total += info.Size()
		}
	}
	return total
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a value written by FormatTime. Values written in RFC
// 3339 are accepted too.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
