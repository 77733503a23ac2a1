package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PendingActionStatus is the lifecycle status of a pending_actions row.
type PendingActionStatus string

const (
	PendingActionStatusPending  PendingActionStatus = "Pending"
	PendingActionStatusResolved PendingActionStatus = "Resolved"
	PendingActionStatusRejected PendingActionStatus = "Rejected"
)

// ErrActionNotFound is returned when a pending action id does not exist.
var ErrActionNotFound = errors.New("pending action not found")

// ErrActionTerminal is returned when an action that is already Resolved or
// Rejected is approved or rejected again.
var ErrActionTerminal = errors.New("pending action is already terminal")

// EntityStatusKind tags the outcome of CheckOrCreatePending.
type EntityStatusKind int

const (
	// StatusFound means the value resolved to an existing row by exact match.
	StatusFound EntityStatusKind = iota
	// StatusPending means a pending_actions row already existed for this value.
	StatusPending
	// StatusAmbiguous means a new pending_actions row was created with
	// non-empty fuzzy-match suggestions.
	StatusAmbiguous
)

// EntityStatus is the tagged-union return of CheckOrCreatePending.
type EntityStatus struct {
	Kind        EntityStatusKind
	EntityID    string   // set when Kind == StatusFound
	ActionID    string   // set when Kind == StatusPending or StatusAmbiguous
	Suggestions []string // set when Kind == StatusAmbiguous
}

// PendingAction is a materialized pending_actions row.
type PendingAction struct {
	ID           string
	Type         string
	TargetTable  string
	KeyField     string
	Value        string
	Context      map[string]string
	Suggestions  []string
	Status       PendingActionStatus
	CreatedAt    time.Time
}

// CheckOrCreatePending implements the Safety-Valve resolution order:
//  1. exact match against table.keyField = value -> Found(id)
//  2. an existing Pending row for the same target_table+value -> Pending
//  3. otherwise, fuzzy-match candidates (0 < levenshtein <= 3) against every
//     key_field value in table are collected and a new pending_actions row
//     is inserted; Ambiguous if any candidates were found, else Pending.
func (s *Store) CheckOrCreatePending(table, keyField, value string, context map[string]string) (EntityStatus, error) {
	if id, ok, err := s.exactMatch(table, keyField, value); err != nil {
		return EntityStatus{}, fmt.Errorf("exact match lookup: %w", err)
	} else if ok {
		return EntityStatus{Kind: StatusFound, EntityID: id}, nil
	}

	if actionID, ok, err := s.existingPending(table, value); err != nil {
		return EntityStatus{}, fmt.Errorf("existing pending lookup: %w", err)
	} else if ok {
		return EntityStatus{Kind: StatusPending, ActionID: actionID}, nil
	}

	suggestions, err := s.fuzzyCandidates(table, keyField, value)
	if err != nil {
		return EntityStatus{}, fmt.Errorf("fuzzy candidate search: %w", err)
	}

	actionID, err := s.insertPendingAction(table, keyField, value, context, suggestions)
	if err != nil {
		return EntityStatus{}, fmt.Errorf("inserting pending action: %w", err)
	}

	if len(suggestions) > 0 {
		return EntityStatus{Kind: StatusAmbiguous, ActionID: actionID, Suggestions: suggestions}, nil
	}
	return EntityStatus{Kind: StatusPending, ActionID: actionID}, nil
}

func (s *Store) exactMatch(table, keyField, value string) (string, bool, error) {
	exists, err := s.tableExists(table)
	if err != nil || !exists {
		return "", false, err
	}

	var id string
	err = s.queryRow(fmt.Sprintf(`SELECT id FROM %s WHERE %s = ?`, table, keyField), value).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *Store) existingPending(table, value string) (string, bool, error) {
	var id string
	err := s.queryRow(
		`SELECT id FROM pending_actions WHERE target_table = ? AND value = ? AND status = ?`,
		table, value, string(PendingActionStatusPending),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (s *Store) fuzzyCandidates(table, keyField, value string) ([]string, error) {
	exists, err := s.tableExists(table)
	if err != nil || !exists {
		return nil, err
	}

	var values []string
	s.mu.Lock()
	rows, err := s.conn.Query(fmt.Sprintf(`SELECT %s FROM %s`, keyField, table))
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("listing %s.%s: %w", table, keyField, err)
	}
	defer rows.Close()

	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if v.Valid {
			values = append(values, v.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var candidates []string
	for _, v := range values {
		d := levenshteinDistance(v, value)
		if d > 0 && d <= 3 {
			candidates = append(candidates, v)
		}
	}
	return candidates, nil
}

func (s *Store) insertPendingAction(table, keyField, value string, context map[string]string, suggestions []string) (string, error) {
	ctxJSON, err := json.Marshal(context)
	if err != nil {
		return "", fmt.Errorf("marshaling context: %w", err)
	}
	suggJSON, err := json.Marshal(suggestions)
	if err != nil {
		return "", fmt.Errorf("marshaling suggestions: %w", err)
	}

	id := uuid.New().String()
	_, err = s.exec(
		`INSERT INTO pending_actions (id, type, target_table, key_field, value, context, suggestions, status, created_at)
		 VALUES (?, 'CreateEntity', ?, ?, ?, ?, ?, ?, ?)`,
		id, table, keyField, value, string(ctxJSON), string(suggJSON),
		string(PendingActionStatusPending), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

// ApprovePendingCreation inserts a new row into the action's target table
// using a freshly minted id and the action's recorded key/value, then
// marks the action Resolved. The whole operation is transactional.
func (s *Store) ApprovePendingCreation(actionID string) (string, error) {
	var newID string

	err := s.Transaction(func(tx *sql.Tx) error {
		var table, keyField, value, status string
		err := tx.QueryRow(`SELECT target_table, key_field, value, status FROM pending_actions WHERE id = ?`, actionID).
			Scan(&table, &keyField, &value, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrActionNotFound
		}
		if err != nil {
			return fmt.Errorf("reading pending action: %w", err)
		}
		if status != string(PendingActionStatusPending) {
			return ErrActionTerminal
		}

		newID = uuid.New().String()
		if _, err := tx.Exec(fmt.Sprintf(`INSERT INTO %s (id, %s) VALUES (?, ?)`, table, keyField), newID, value); err != nil {
			return fmt.Errorf("inserting approved entity: %w", err)
		}

		if _, err := tx.Exec(`UPDATE pending_actions SET status = ? WHERE id = ?`, string(PendingActionStatusResolved), actionID); err != nil {
			return fmt.Errorf("marking action resolved: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return newID, nil
}

// RejectPendingAction marks action Rejected. Idempotent: rejecting an
// already-Rejected action is a no-op. Rejecting an already-Resolved action
// fails, since a created entity cannot be un-created this way.
func (s *Store) RejectPendingAction(actionID string) error {
	return s.Transaction(func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRow(`SELECT status FROM pending_actions WHERE id = ?`, actionID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrActionNotFound
		}
		if err != nil {
			return fmt.Errorf("reading pending action: %w", err)
		}
		if status == string(PendingActionStatusRejected) {
			return nil
		}
		if status == string(PendingActionStatusResolved) {
			return ErrActionTerminal
		}

		_, err = tx.Exec(`UPDATE pending_actions SET status = ? WHERE id = ?`, string(PendingActionStatusRejected), actionID)
		if err != nil {
			return fmt.Errorf("marking action rejected: %w", err)
		}
		return nil
	})
}

// ResetPendingActions unconditionally deletes every pending_actions row,
// used at rescan.
func (s *Store) ResetPendingActions() error {
	_, err := s.exec(`DELETE FROM pending_actions`)
	if err != nil {
		return fmt.Errorf("resetting pending actions: %w", err)
	}
	return nil
}

// FetchPendingActions returns every pending_actions row with suggestions
// parsed back into a string slice.
func (s *Store) FetchPendingActions() ([]PendingAction, error) {
	s.mu.Lock()
	rows, err := s.conn.Query(`
		SELECT id, type, target_table, key_field, value, context, suggestions, status, created_at
		FROM pending_actions ORDER BY created_at ASC`)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("querying pending actions: %w", err)
	}
	defer rows.Close()

	var actions []PendingAction
	for rows.Next() {
		var (
			a                    PendingAction
			ctxJSON, suggJSON    sql.NullString
			status, createdAt    string
		)
		if err := rows.Scan(&a.ID, &a.Type, &a.TargetTable, &a.KeyField, &a.Value, &ctxJSON, &suggJSON, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning pending action: %w", err)
		}
		a.Status = PendingActionStatus(status)

		if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			a.CreatedAt = t
		}

		if ctxJSON.Valid && ctxJSON.String != "" {
			_ = json.Unmarshal([]byte(ctxJSON.String), &a.Context)
		}
		if suggJSON.Valid && suggJSON.String != "" {
			_ = json.Unmarshal([]byte(suggJSON.String), &a.Suggestions)
		}

		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// tableExists reports whether table is a known table in the database.
func (s *Store) tableExists(table string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tableExistsLocked(table)
}
