package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduledQuery is a query submitted to the coordinator on a schedule.
type ScheduledQuery struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Schedule   string     `json:"schedule"`
	Query      string     `json:"query"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func scanScheduledQuery(scanner interface {
	Scan(dest ...any) error
}) (*ScheduledQuery, error) {
	q := &ScheduledQuery{}
	var lastStatus, lastError *string
	err := scanner.Scan(&q.ID, &q.Name, &q.Schedule, &q.Query, &q.Status,
		&q.NextRunAt, &q.LastRunAt, &lastStatus, &lastError, &q.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastStatus != nil {
		q.LastStatus = *lastStatus
	}
	if lastError != nil {
		q.LastError = *lastError
	}
	return q, nil
}

func (s *Store) SaveScheduledQuery(q *ScheduledQuery) error {
	_, err := s.db.Exec(`
		INSERT INTO scheduled_queries (id, name, schedule, query, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			schedule = excluded.schedule,
			query = excluded.query,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		q.ID, q.Name, q.Schedule, q.Query, q.Status, q.NextRunAt)
	if err != nil {
		return fmt.Errorf("save scheduled query: %w", err)
	}
	return nil
}

func (s *Store) GetScheduledQuery(id string) (*ScheduledQuery, error) {
	row := s.db.QueryRow(`
		SELECT id, name, schedule, query, status, next_run_at, last_run_at, last_status, last_error, created_at
		FROM scheduled_queries WHERE id = ?`, id)
	q, err := scanScheduledQuery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled query: %w", err)
	}
	return q, nil
}

func (s *Store) ListScheduledQueries() ([]ScheduledQuery, error) {
	rows, err := s.db.Query(`
		SELECT id, name, schedule, query, status, next_run_at, last_run_at, last_status, last_error, created_at
		FROM scheduled_queries ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled queries: %w", err)
	}
	defer rows.Close()

	var out []ScheduledQuery
	for rows.Next() {
		q, err := scanScheduledQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled query: %w", err)
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// DueScheduledQueries returns active queries whose next run is at or before
// now, oldest first.
func (s *Store) DueScheduledQueries(now time.Time) ([]ScheduledQuery, error) {
	rows, err := s.db.Query(`
		SELECT id, name, schedule, query, status, next_run_at, last_run_at, last_status, last_error, created_at
		FROM scheduled_queries
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("due scheduled queries: %w", err)
	}
	defer rows.Close()

	var out []ScheduledQuery
	for rows.Next() {
		q, err := scanScheduledQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled query: %w", err)
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// MarkScheduledQueryRun records a completed run and the next occurrence. A
// nil next deactivates one-shot schedules.
func (s *Store) MarkScheduledQueryRun(id string, runAt time.Time, next *time.Time, status, lastErr string) error {
	newStatus := "active"
	if next == nil {
		newStatus = "done"
	}
	_, err := s.db.Exec(`
		UPDATE scheduled_queries SET
			last_run_at = ?, next_run_at = ?, last_status = ?, last_error = ?, status = ?
		WHERE id = ?`,
		runAt, next, status, lastErr, newStatus, id)
	if err != nil {
		return fmt.Errorf("mark scheduled query run: %w", err)
	}
	return nil
}

func (s *Store) DeleteScheduledQuery(id string) error {
	_, err := s.db.Exec(`DELETE FROM scheduled_queries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled query: %w", err)
	}
	return nil
}
