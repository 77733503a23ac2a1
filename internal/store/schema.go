package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dicklesworthstone/valterd/internal/config"
)

// column describes one expected column of a dynamic Cloud or Island table.
type column struct {
	Name       string
	SQLType    string // REAL, INTEGER, or TEXT
	PrimaryKey bool
}

// fixedIslandColumns are present on every Island table regardless of
// configuration.
var fixedIslandColumns = []column{
	{Name: "id", SQLType: "TEXT", PrimaryKey: true},
	{Name: "name", SQLType: "TEXT"},
	{Name: "path", SQLType: "TEXT"},
	{Name: "status", SQLType: "TEXT"},
	{Name: "updated_at", SQLType: "TEXT"},
}

// sqlTypeForField maps a config.FieldType to its SQL column type.
func sqlTypeForField(t config.FieldType) string {
	switch t {
	case config.FieldTypeNumber:
		return "REAL"
	case config.FieldTypeBoolean:
		return "INTEGER"
	default:
		return "TEXT"
	}
}

// cloudColumns returns the expected column set for a Cloud's table.
func cloudColumns(c config.Cloud) []column {
	cols := []column{{Name: "id", SQLType: "TEXT", PrimaryKey: true}}
	for _, f := range c.Fields {
		cols = append(cols, column{Name: f.Key, SQLType: sqlTypeForField(f.Type)})
	}
	return cols
}

// islandColumns returns the expected column set for an Island's table: the
// fixed set plus one TEXT column per Relation and one REAL column per
// Aggregation.
func islandColumns(i config.Island) []column {
	cols := append([]column(nil), fixedIslandColumns...)
	for _, rel := range i.Relations {
		cols = append(cols, column{Name: rel.Field, SQLType: "TEXT"})
	}
	for _, agg := range i.Aggregations {
		cols = append(cols, column{Name: agg.Name, SQLType: "REAL"})
	}
	return cols
}

// InitSchema ensures every Cloud and Island table declared in cfg exists
// and carries every expected column, creating tables that don't exist and
// additively migrating ones that do. Per-column migration failures are
// logged and skipped rather than aborting the whole boot.
func (s *Store) InitSchema(cfg *config.Config) error {
	for _, cl := range cfg.Clouds {
		if err := s.ensureTable(cl.Name, cloudColumns(cl)); err != nil {
			return fmt.Errorf("ensuring cloud table %q: %w", cl.Name, err)
		}
	}
	for _, is := range cfg.Islands {
		if err := s.ensureTable(is.Name, islandColumns(is)); err != nil {
			return fmt.Errorf("ensuring island table %q: %w", is.Name, err)
		}
	}
	return nil
}

// ensureTable creates table if absent, or additively migrates it toward
// cols if present. Table and column names originate from configuration,
// not user data, so direct interpolation into DDL is acceptable.
func (s *Store) ensureTable(table string, cols []column) error {
	s.mu.Lock()
	exists, err := s.tableExistsLocked(table)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("checking table %q: %w", table, err)
	}

	if !exists {
		var defs []string
		for _, c := range cols {
			def := fmt.Sprintf("%s %s", c.Name, c.SQLType)
			if c.PrimaryKey {
				def += " PRIMARY KEY"
			}
			defs = append(defs, def)
		}
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", "))
		if _, err := s.exec(ddl); err != nil {
			return fmt.Errorf("creating table %q: %w", table, err)
		}
		s.logger.Info("created table", "table", table, "columns", len(cols))
		return nil
	}

	existing, err := s.tableColumns(table)
	if err != nil {
		return fmt.Errorf("reading columns of %q: %w", table, err)
	}

	for _, c := range cols {
		if existing[c.Name] {
			continue
		}
		// ALTER TABLE ADD COLUMN never accepts a PRIMARY KEY qualifier.
		ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, c.Name, c.SQLType)
		if _, err := s.exec(ddl); err != nil {
			s.logger.Warn("additive migration failed, skipping column", "table", table, "column", c.Name, "error", err)
			continue
		}
		s.logger.Info("added column", "table", table, "column", c.Name)
	}

	return nil
}

func (s *Store) tableExistsLocked(table string) (bool, error) {
	var name string
	err := s.conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, err
}

// tableColumns returns the set of column names currently present on table
// via PRAGMA table_info. Returns an empty set (no error) if the table does
// not exist, matching the Store's "missing tables in read paths return
// empty" failure semantics.
func (s *Store) tableColumns(table string) (map[string]bool, error) {
	cols := map[string]bool{}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.QueryContext(context.Background(), fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("pragma table_info: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt any
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scanning table_info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}
