package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/pokemesh/internal/directory"
	"github.com/mtzanidakis/pokemesh/internal/natsbus"
	"github.com/mtzanidakis/pokemesh/internal/router"
	"github.com/mtzanidakis/pokemesh/internal/task"
)

// Dispatcher delivers one task to its target agent and returns the terminal
// result. The production dispatcher rides the bus with retries and circuit
// breaking behind this contract.
type Dispatcher interface {
	Dispatch(ctx context.Context, t task.Task) task.Result
}

// Recorder persists session lifecycle changes. A nil recorder disables
// persistence, which the tests use.
type Recorder interface {
	SaveSession(s *Session) error
	UpdateSession(s *Session) error
}

// Coordinator owns the session lifecycle: it routes a query, fans the
// sub-queries out in parallel, collects results as they arrive in any order,
// and aggregates them into one terminal outcome.
type Coordinator struct {
	dir        *directory.Directory
	router     *router.Router
	dispatcher Dispatcher
	client     *natsbus.Client // optional, session events
	recorder   Recorder        // optional, persistence

	defaultDeadline time.Duration
	retention       time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	cancels  map[string]context.CancelFunc
}

// sessionRetention is how long a finalized session stays readable through
// Get before it is evicted. The store keeps the durable copy.
const sessionRetention = time.Minute

func NewCoordinator(dir *directory.Directory, rtr *router.Router, disp Dispatcher, client *natsbus.Client, rec Recorder, defaultDeadline time.Duration) *Coordinator {
	if defaultDeadline == 0 {
		defaultDeadline = 30 * time.Second
	}
	return &Coordinator{
		dir:             dir,
		router:          rtr,
		dispatcher:      disp,
		client:          client,
		recorder:        rec,
		defaultDeadline: defaultDeadline,
		retention:       sessionRetention,
		sessions:        make(map[string]*Session),
		cancels:         make(map[string]context.CancelFunc),
	}
}

// Submit starts a session in the background and returns its initial view.
// The session outlives the caller's request; progress is observable through
// Get, the session event topic and the store.
func (c *Coordinator) Submit(query string) *Session {
	return c.SubmitWithDeadline(query, 0)
}

// SubmitWithDeadline is Submit with a caller-chosen session deadline. A zero
// deadline falls back to the coordinator default.
func (c *Coordinator) SubmitWithDeadline(query string, deadline time.Duration) *Session {
	sess := c.newSession(query, deadline)

	// Background context so the session outlives the submitting request
	ctx, cancel := context.WithDeadline(context.Background(), sess.Deadline)

	c.mu.Lock()
	c.cancels[sess.ID] = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()
		c.execute(ctx, sess.ID)
	}()

	return sess.clone()
}

// Run executes a session synchronously, bounded by both the caller's context
// and the session deadline.
func (c *Coordinator) Run(ctx context.Context, query string) *Session {
	return c.RunWithDeadline(ctx, query, 0)
}

// RunWithDeadline is Run with a caller-chosen session deadline.
func (c *Coordinator) RunWithDeadline(ctx context.Context, query string, deadline time.Duration) *Session {
	sess := c.newSession(query, deadline)

	ctx, cancel := context.WithDeadline(ctx, sess.Deadline)
	defer cancel()

	c.mu.Lock()
	c.cancels[sess.ID] = cancel
	c.mu.Unlock()

	c.execute(ctx, sess.ID)

	out, _ := c.Get(sess.ID)
	return out
}

func (c *Coordinator) newSession(query string, deadline time.Duration) *Session {
	if deadline <= 0 {
		deadline = c.defaultDeadline
	}
	now := time.Now()
	sess := &Session{
		ID:        uuid.New().String(),
		Query:     query,
		State:     StateReceived,
		CreatedAt: now,
		Deadline:  now.Add(deadline),
	}

	c.mu.Lock()
	c.sessions[sess.ID] = sess
	c.mu.Unlock()

	if c.recorder != nil {
		if err := c.recorder.SaveSession(sess); err != nil {
			slog.Warn("session save failed", "session", sess.ID, "error", err)
		}
	}
	c.publishEvent(sess.ID, "session_received", map[string]any{"query": query})
	return sess
}

// Get returns a stable copy of the session, or false if unknown.
func (c *Coordinator) Get(id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.clone(), true
}

// Cancel requests cooperative cancellation of a running session. Cancelling
// an unknown or already terminal session is a no-op and returns false.
func (c *Coordinator) Cancel(id string) bool {
	c.mu.Lock()
	sess, ok := c.sessions[id]
	cancel := c.cancels[id]
	c.mu.Unlock()

	if !ok || sess.State.Terminal() || cancel == nil {
		return false
	}
	slog.Info("session cancellation requested", "session", id)
	cancel()
	return true
}

func (c *Coordinator) execute(ctx context.Context, sessionID string) {
	defer c.finalize(sessionID)

	sess, ok := c.Get(sessionID)
	if !ok {
		return
	}
	slog.Info("session started", "session", sess.ID, "query", sess.Query)

	// Route against a point-in-time directory snapshot
	decision := c.router.Route(sess.Query, c.dir.Snapshot())
	if decision.NoRoute() {
		c.fail(sessionID, task.Errf(task.CauseNoCapableAgent,
			"no agent declares a skill for this query"))
		return
	}

	tasks := make([]task.Task, 0, len(decision.Targets))
	for _, target := range decision.Targets {
		tasks = append(tasks, task.Task{
			ID:            uuid.New().String(),
			SessionID:     sess.ID,
			OriginAgentID: "master",
			TargetAgentID: target.TargetAgentID,
			Skill:         string(target.Skill),
			Query:         target.Query,
			Status:        task.StatusPending,
			CreatedAt:     time.Now(),
			Deadline:      sess.Deadline,
		})
	}
	c.update(sessionID, func(s *Session) {
		s.State = StateRouted
		s.Tasks = tasks
	})
	c.publishEvent(sessionID, "session_routed", map[string]any{"tasks": len(tasks)})

	// Parallel fan-out, one goroutine per task
	resultCh := make(chan task.Result, len(tasks))
	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func(t task.Task) {
			defer wg.Done()
			resultCh <- c.dispatcher.Dispatch(ctx, t)
		}(t)
	}
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	c.update(sessionID, func(s *Session) {
		s.State = StateDispatched
		for i := range s.Tasks {
			s.Tasks[i].Status = task.StatusDispatched
		}
	})
	c.update(sessionID, func(s *Session) { s.State = StateAwaiting })

	results, cancelled := c.collect(ctx, sessionID, resultCh)
	if cancelled {
		c.fail(sessionID, task.Errf(task.CauseCancelled, "session cancelled"))
		return
	}

	c.update(sessionID, func(s *Session) { s.State = StateAggregating })

	agg := merge(sess.Query, tasks, results)
	state, terr := finalState(agg)
	encoded, err := encode(agg)
	if err != nil {
		c.fail(sessionID, task.Errf(task.CauseAggregationError, "%v", err))
		return
	}

	c.update(sessionID, func(s *Session) {
		s.State = state
		s.Aggregate = encoded
		s.Err = terr
		s.Results = make([]task.Result, 0, len(results))
		for _, t := range s.Tasks {
			if res, ok := results[t.ID]; ok {
				s.Results = append(s.Results, res)
				if res.OK() {
					markTask(s, t.ID, task.StatusCompleted)
				} else if res.Err.Cause == task.CauseTimeout {
					markTask(s, t.ID, task.StatusTimedOut)
				} else {
					markTask(s, t.ID, task.StatusFailed)
				}
			} else {
				markTask(s, t.ID, task.StatusTimedOut)
			}
		}
	})

	c.publishEvent(sessionID, "session_"+string(state), map[string]any{
		"succeeded": agg.Succeeded,
		"failed":    agg.Failed,
	})
	slog.Info("session finished",
		"session", sessionID,
		"state", state,
		"succeeded", agg.Succeeded,
		"failed", agg.Failed,
	)
}

// collect drains results until every task has answered or the context ends.
// A second result for the same task id is discarded. Returns cancelled=true
// only for caller cancellation; an elapsed deadline returns the partial set.
func (c *Coordinator) collect(ctx context.Context, sessionID string, resultCh <-chan task.Result) (map[string]task.Result, bool) {
	results := make(map[string]task.Result)
	for {
		select {
		case res, open := <-resultCh:
			if !open {
				return results, false
			}
			if _, dup := results[res.TaskID]; dup {
				slog.Warn("duplicate result discarded", "session", sessionID, "task", res.TaskID)
				continue
			}
			results[res.TaskID] = res
			c.publishEvent(sessionID, "task_resolved", map[string]any{
				"task": res.TaskID,
				"by":   res.ProducedBy,
				"ok":   res.OK(),
			})
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return results, true
			}
			// Deadline elapsed; unanswered tasks become gap fragments
			return results, false
		}
	}
}

// finalize releases a session's cancel func right away and schedules the
// in-memory session for eviction. Readers fall back to the store afterwards.
func (c *Coordinator) finalize(id string) {
	c.mu.Lock()
	delete(c.cancels, id)
	c.mu.Unlock()

	time.AfterFunc(c.retention, func() {
		c.mu.Lock()
		delete(c.sessions, id)
		c.mu.Unlock()
	})
}

func (c *Coordinator) update(id string, fn func(s *Session)) {
	c.mu.Lock()
	sess, ok := c.sessions[id]
	if ok {
		fn(sess)
	}
	var snapshot *Session
	if ok && c.recorder != nil {
		snapshot = sess.clone()
	}
	c.mu.Unlock()

	if snapshot != nil {
		if err := c.recorder.UpdateSession(snapshot); err != nil {
			slog.Warn("session update failed", "session", id, "error", err)
		}
	}
}

func (c *Coordinator) fail(id string, terr *task.Error) {
	c.update(id, func(s *Session) {
		s.State = StateFailed
		s.Err = terr
	})
	c.publishEvent(id, "session_failed", map[string]any{
		"cause":  string(terr.Cause),
		"detail": terr.Detail,
	})
	slog.Info("session failed", "session", id, "cause", terr.Cause)
}

func markTask(s *Session, taskID string, status task.Status) {
	for i := range s.Tasks {
		if s.Tasks[i].ID == taskID {
			s.Tasks[i].Status = status
			return
		}
	}
}

func (c *Coordinator) publishEvent(sessionID, eventType string, data map[string]any) {
	if c.client == nil {
		return
	}

	event := map[string]any{
		"type":       eventType,
		"session_id": sessionID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"data":       data,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = c.client.Publish(natsbus.TopicEventsSession(sessionID), payload)
}
