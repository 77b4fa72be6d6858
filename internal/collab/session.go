// Package collab coordinates multi-agent query sessions: routing, parallel
// dispatch, result collection and aggregation.
package collab

import (
	"encoding/json"
	"time"

	"github.com/mtzanidakis/pokemesh/internal/task"
)

// State is a session's position in its lifecycle. Transitions only move
// forward; terminal states admit none.
type State string

const (
	StateReceived           State = "received"
	StateRouted             State = "routed"
	StateDispatched         State = "dispatched"
	StateAwaiting           State = "awaiting"
	StateAggregating        State = "aggregating"
	StateCompleted          State = "completed"
	StatePartiallyCompleted State = "partially_completed"
	StateFailed             State = "failed"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StatePartiallyCompleted, StateFailed:
		return true
	}
	return false
}

// Session is one query's journey through the system. A session fans out into
// one task per routed sub-query; every task resolves exactly once and the
// session ends in a terminal state before its deadline plus a small grace
// period.
type Session struct {
	ID        string          `json:"id"`
	Query     string          `json:"query"`
	State     State           `json:"state"`
	CreatedAt time.Time       `json:"createdAt"`
	Deadline  time.Time       `json:"deadline"`
	Tasks     []task.Task     `json:"tasks,omitempty"`
	Results   []task.Result   `json:"results,omitempty"`
	Aggregate json.RawMessage `json:"aggregate,omitempty"`
	Err       *task.Error     `json:"error,omitempty"`
}

// clone returns a deep-enough copy for handing to callers: slices are
// copied so later coordinator writes do not race with readers.
func (s *Session) clone() *Session {
	out := *s
	out.Tasks = append([]task.Task(nil), s.Tasks...)
	out.Results = append([]task.Result(nil), s.Results...)
	return &out
}
