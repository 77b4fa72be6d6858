// Package scheduler submits stored scheduled queries to the coordinator
// when they come due.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtzanidakis/pokemesh/internal/collab"
	"github.com/mtzanidakis/pokemesh/internal/config"
	"github.com/mtzanidakis/pokemesh/internal/schedule"
	"github.com/mtzanidakis/pokemesh/internal/store"
)

// Submitter starts a session for a query. The coordinator satisfies this.
type Submitter interface {
	Submit(query string) *collab.Session
}

type Scheduler struct {
	store        *store.Store
	coordinator  Submitter
	pollInterval time.Duration
}

func New(s *store.Store, coord Submitter, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		coordinator:  coord,
		pollInterval: cfg.PollInterval,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.pollInterval == 0 {
		s.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Scheduler) poll() {
	due, err := s.store.DueScheduledQueries(time.Now())
	if err != nil {
		slog.Error("failed to load due queries", "error", err)
		return
	}

	for _, q := range due {
		s.execute(q)
	}
}

func (s *Scheduler) execute(q store.ScheduledQuery) {
	slog.Info("executing scheduled query", "id", q.ID, "name", q.Name)

	runAt := time.Now()
	sess := s.coordinator.Submit(q.Query)

	status := "submitted"
	lastErr := ""
	if sess == nil {
		status = "error"
		lastErr = "submit returned no session"
		slog.Error("scheduled query submit failed", "id", q.ID)
	}

	// One-shots deactivate when no next occurrence remains
	next := schedule.NextRun(q.Schedule)
	if err := s.store.MarkScheduledQueryRun(q.ID, runAt, next, status, lastErr); err != nil {
		slog.Error("failed to mark scheduled query run", "id", q.ID, "error", err)
	}
}
