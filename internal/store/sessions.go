package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtzanidakis/pokemesh/internal/collab"
	"github.com/mtzanidakis/pokemesh/internal/task"
)

// SaveSession inserts a new session record.
func (s *Store) SaveSession(sess *collab.Session) error {
	tasks, results, err := encodeSessionParts(sess)
	if err != nil {
		return err
	}

	var cause, detail string
	if sess.Err != nil {
		cause, detail = string(sess.Err.Cause), sess.Err.Detail
	}

	_, err = s.db.Exec(`
		INSERT INTO sessions (id, query, state, error_cause, error_detail, tasks, results, aggregate, deadline)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Query, string(sess.State), cause, detail,
		tasks, results, string(sess.Aggregate), sess.Deadline)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// UpdateSession overwrites the mutable columns for an existing session.
func (s *Store) UpdateSession(sess *collab.Session) error {
	tasks, results, err := encodeSessionParts(sess)
	if err != nil {
		return err
	}

	var cause, detail string
	if sess.Err != nil {
		cause, detail = string(sess.Err.Cause), sess.Err.Detail
	}

	_, err = s.db.Exec(`
		UPDATE sessions SET
			state = ?, error_cause = ?, error_detail = ?,
			tasks = ?, results = ?, aggregate = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		string(sess.State), cause, detail,
		tasks, results, string(sess.Aggregate), sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

func encodeSessionParts(sess *collab.Session) (tasks, results string, err error) {
	t, err := json.Marshal(sess.Tasks)
	if err != nil {
		return "", "", fmt.Errorf("marshal tasks: %w", err)
	}
	r, err := json.Marshal(sess.Results)
	if err != nil {
		return "", "", fmt.Errorf("marshal results: %w", err)
	}
	return string(t), string(r), nil
}

// GetSession returns a persisted session, or nil if unknown.
func (s *Store) GetSession(id string) (*collab.Session, error) {
	row := s.db.QueryRow(`
		SELECT id, query, state, error_cause, error_detail, tasks, results, aggregate, deadline, created_at
		FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the most recent sessions, newest first.
func (s *Store) ListSessions(limit int) ([]*collab.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, query, state, error_cause, error_detail, tasks, results, aggregate, deadline, created_at
		FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*collab.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(scanner interface {
	Scan(dest ...any) error
}) (*collab.Session, error) {
	sess := &collab.Session{}
	var state, tasks, results, aggregate string
	var cause, detail sql.NullString
	var deadline sql.NullTime
	var createdAt time.Time

	err := scanner.Scan(&sess.ID, &sess.Query, &state, &cause, &detail,
		&tasks, &results, &aggregate, &deadline, &createdAt)
	if err != nil {
		return nil, err
	}

	sess.State = collab.State(state)
	sess.CreatedAt = createdAt
	if deadline.Valid {
		sess.Deadline = deadline.Time
	}
	if cause.String != "" {
		sess.Err = &task.Error{Cause: task.Cause(cause.String), Detail: detail.String}
	}
	if tasks != "" {
		if err := json.Unmarshal([]byte(tasks), &sess.Tasks); err != nil {
			return nil, fmt.Errorf("decode tasks: %w", err)
		}
	}
	if results != "" {
		if err := json.Unmarshal([]byte(results), &sess.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	if aggregate != "" {
		sess.Aggregate = json.RawMessage(aggregate)
	}
	return sess, nil
}
