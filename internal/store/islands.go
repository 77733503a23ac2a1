package store

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// defaultIslandStatus is assigned to an Island row the first time it is
// upserted; subsequent upserts preserve whatever status the row already
// carries, since upsert_island's delete-then-insert strategy must not
// silently reset it. Nothing in the ingest path changes the status.
const defaultIslandStatus = "Active"

// UpsertIsland looks up the existing row for name (if any), then deletes
// and reinserts it with the given path and the supplied relation/
// aggregation values. The row's id and status are preserved across the
// delete-then-insert when a prior row exists; a new id is minted and
// status defaults to "Active" otherwise.
func (s *Store) UpsertIsland(table, name, path string, relations map[string]*string, aggregations map[string]float64) error {
	return s.Transaction(func(tx *sql.Tx) error {
		id := uuid.New().String()
		status := defaultIslandStatus

		var existingID, existingStatus string
		err := tx.QueryRow(fmt.Sprintf(`SELECT id, status FROM %s WHERE name = ?`, table), name).Scan(&existingID, &existingStatus)
		switch {
		case err == nil:
			id = existingID
			status = existingStatus
		case errors.Is(err, sql.ErrNoRows):
			// fresh row; keep generated id and default status.
		default:
			return fmt.Errorf("looking up existing island %q: %w", name, err)
		}

		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
			return fmt.Errorf("deleting prior island row: %w", err)
		}

		cols := []string{"id", "name", "path", "status", "updated_at"}
		args := []any{id, name, path, status, time.Now().UTC().Format(time.RFC3339)}

		for field, value := range relations {
			cols = append(cols, field)
			if value == nil {
				args = append(args, nil)
			} else {
				args = append(args, *value)
			}
		}
		for name, value := range aggregations {
			cols = append(cols, name)
			args = append(args, value)
		}

		placeholders := strings.TrimRight(strings.Repeat("?, ", len(cols)), ", ")
		insert := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, table, strings.Join(cols, ", "), placeholders)
		if _, err := tx.Exec(insert, args...); err != nil {
			return fmt.Errorf("inserting island row: %w", err)
		}
		return nil
	})
}

// PurgeIslands unconditionally deletes every row of table, used at rescan.
func (s *Store) PurgeIslands(table string) error {
	exists, err := s.tableExists(table)
	if err != nil {
		return fmt.Errorf("checking table %q: %w", table, err)
	}
	if !exists {
		return nil
	}
	if _, err := s.exec(fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
		return fmt.Errorf("purging island table %q: %w", table, err)
	}
	return nil
}

// FetchAllDynamic materializes every row of table as a generic map, column
// names taken from statement metadata. Missing tables return an empty
// sequence rather than an error, since the API may query a Cloud or
// Island before its table exists during startup.
func (s *Store) FetchAllDynamic(table string) ([]map[string]any, error) {
	exists, err := s.tableExists(table)
	if err != nil {
		return nil, fmt.Errorf("checking table %q: %w", table, err)
	}
	if !exists {
		return []map[string]any{}, nil
	}

	s.mu.Lock()
	rows, err := s.conn.Query(fmt.Sprintf(`SELECT * FROM %s`, table))
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", table, err)
	}
	defer rows.Close()

	colNames, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("reading column names of %q: %w", table, err)
	}

	var results []map[string]any
	for rows.Next() {
		raw := make([]any, len(colNames))
		ptrs := make([]any, len(colNames))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scanning row of %q: %w", table, err)
		}

		row := make(map[string]any, len(colNames))
		for i, name := range colNames {
			row[name] = coerceValue(raw[i])
		}
		results = append(results, row)
	}
	if results == nil {
		results = []map[string]any{}
	}
	return results, rows.Err()
}

// coerceValue translates a driver value into a generic, JSON-friendly
// value: nil stays nil, integers and finite floats become numbers,
// non-finite floats become nil, byte slices are treated as text, and
// everything else passes through as-is.
func coerceValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case int64:
		return float64(t)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return t
	}
}
