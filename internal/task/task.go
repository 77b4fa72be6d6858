// Package task defines the unit of work exchanged between the coordinator
// and agents, and the classified errors a task can fail with.
package task

import (
	"encoding/json"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Cause classifies why a task or session failed.
type Cause string

const (
	CauseNoCapableAgent   Cause = "no_capable_agent"
	CauseUnreachable      Cause = "unreachable"
	CauseTimeout          Cause = "timeout"
	CauseApplicationError Cause = "application_error"
	CauseAggregationError Cause = "aggregation_error"
	CauseCancelled        Cause = "cancelled"
)

// Task is a single sub-query bound to one target agent. A session fans out
// into one or more tasks; each task resolves to exactly one Result.
type Task struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"sessionId"`
	OriginAgentID string    `json:"originAgentId"`
	TargetAgentID string    `json:"targetAgentId"`
	Skill         string    `json:"skill"`
	Query         string    `json:"query"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	Deadline      time.Time `json:"deadline"`
}

// Result is the terminal outcome of one task: a payload or a classified
// error, never both.
type Result struct {
	TaskID     string          `json:"taskId"`
	ProducedBy string          `json:"producedBy"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Err        *Error          `json:"error,omitempty"`
	Latency    time.Duration   `json:"latency"`
}

// OK reports whether the task produced a payload.
func (r Result) OK() bool {
	return r.Err == nil
}

// Error is a classified task failure.
type Error struct {
	Cause  Cause  `json:"cause"`
	Detail string `json:"detail"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Cause, e.Detail)
}

// Errf builds a classified error with a formatted detail message.
func Errf(cause Cause, format string, args ...any) *Error {
	return &Error{Cause: cause, Detail: fmt.Sprintf(format, args...)}
}

// FailedResult builds a terminal failed result for a task.
func FailedResult(taskID, producedBy string, cause Cause, detail string, latency time.Duration) Result {
	return Result{
		TaskID:     taskID,
		ProducedBy: producedBy,
		Err:        &Error{Cause: cause, Detail: detail},
		Latency:    latency,
	}
}
