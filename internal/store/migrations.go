package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// fixedMigration is a versioned migration against the daemon's own fixed
// tables (pending_actions, _valter_system) — distinct from the
// configuration-driven Cloud/Island tables, which are migrated additively
// at runtime in schema.go.
type fixedMigration struct {
	Version int
	Name    string
	Up      string
}

var fixedMigrations = []fixedMigration{
	{
		Version: 1,
		Name:    "pending_actions_and_system",
		Up: `
CREATE TABLE IF NOT EXISTS pending_actions (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL DEFAULT 'CreateEntity',
  target_table TEXT NOT NULL,
  key_field TEXT NOT NULL,
  value TEXT NOT NULL,
  context TEXT,
  suggestions TEXT,
  status TEXT NOT NULL DEFAULT 'Pending',
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_actions_status ON pending_actions(status);
CREATE INDEX IF NOT EXISTS idx_pending_actions_target ON pending_actions(target_table, value);

CREATE TABLE IF NOT EXISTS _valter_system (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);
`,
	},
}

func (s *Store) applyFixedMigrations(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ensureMigrationsTable(s.conn); err != nil {
		return err
	}

	current, err := currentFixedVersion(s.conn)
	if err != nil {
		return err
	}

	sort.Slice(fixedMigrations, func(i, j int) bool { return fixedMigrations[i].Version < fixedMigrations[j].Version })

	for _, m := range fixedMigrations {
		if m.Version <= current {
			continue
		}

		tx, err := s.conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fixed migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("fixed migration %d (%s) failed: %w", m.Version, m.Name, err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO schema_migrations(version, applied_at) VALUES(?, ?)`, m.Version, time.Now().UTC().Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("record fixed migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit fixed migration %d: %w", m.Version, err)
		}
	}

	if _, err := s.conn.ExecContext(ctx, `INSERT OR IGNORE INTO _valter_system(key, value) VALUES('schema_version', ?)`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("recording schema version: %w", err)
	}

	return nil
}

func ensureMigrationsTable(conn *sql.DB) error {
	_, err := conn.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at TEXT NOT NULL
);`)
	return err
}

func currentFixedVersion(conn *sql.DB) (int, error) {
	var v sql.NullInt64
	err := conn.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

// SchemaVersionRecorded returns the schema_version value recorded in
// _valter_system, which per invariant 4 never decreases once created.
func (s *Store) SchemaVersionRecorded() (string, error) {
	var v string
	err := s.queryRow(`SELECT value FROM _valter_system WHERE key = 'schema_version'`).Scan(&v)
	if err != nil {
		return "", fmt.Errorf("reading schema_version: %w", err)
	}
	return v, nil
}
