// Package store implements the filesystem-as-database daemon's SQL mirror:
// dynamic Cloud/Island schema creation and additive migration, the
// Safety-Valve pending-action workflow, and the upsert/fetch primitives the
// Processor and API Adapter drive.
//
// A single connection is opened against modernc.org/sqlite (pure Go, no
// cgo) with WAL journaling, and every operation serializes behind one
// mutex: the Store is the only shared mutable state in the daemon, and
// steady-state throughput is bounded by filesystem event rate rather than
// SQL throughput.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// SchemaVersion is the current fixed-schema version recorded in
// _valter_system. It only covers the pending_actions / schema_migrations /
// _valter_system bookkeeping tables; Cloud and Island tables are versioned
// implicitly by their configuration-derived column sets (see schema.go).
const SchemaVersion = 1

// Store wraps the SQLite database connection that mirrors filesystem state.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger
	mu     sync.Mutex
}

// Open opens (creating if necessary) the database at path, enables WAL
// journaling and relaxed synchronous mode, and ensures the fixed schema
// (_valter_system, pending_actions, schema_migrations) exists.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{conn: conn, path: path, logger: logger}

	if err := s.applyFixedMigrations(context.Background()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing fixed schema: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Transaction executes fn within a transaction, rolling back on error or
// panic and committing otherwise.
func (s *Store) Transaction(fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// exec runs a statement under the Store's lock.
func (s *Store) exec(query string, args ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Exec(query, args...)
}

func (s *Store) queryRow(query string, args ...any) *sql.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.QueryRow(query, args...)
}
