package collab

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/mtzanidakis/pokemesh/internal/task"
)

// Fragment is one task's contribution to the aggregate, tagged with its
// provenance so consumers can tell which agent produced what.
type Fragment struct {
	TaskID  string          `json:"taskId"`
	AgentID string          `json:"agentId"`
	Skill   string          `json:"skill"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *task.Error     `json:"error,omitempty"`
	Latency time.Duration   `json:"latency"`
}

// Aggregate is the merged outcome of a session's tasks. Fragments are
// ordered by task id, so the aggregate is identical no matter what order
// results arrived in.
type Aggregate struct {
	Query     string     `json:"query"`
	Fragments []Fragment `json:"fragments"`
	Succeeded int        `json:"succeeded"`
	Failed    int        `json:"failed"`
}

// merge combines results into an aggregate. A task with no result gets a
// failed fragment with a timeout error, so the aggregate always accounts for
// every dispatched task.
func merge(query string, tasks []task.Task, results map[string]task.Result) Aggregate {
	agg := Aggregate{
		Query:     query,
		Fragments: make([]Fragment, 0, len(tasks)),
	}

	for _, t := range tasks {
		frag := Fragment{
			TaskID:  t.ID,
			AgentID: t.TargetAgentID,
			Skill:   t.Skill,
		}

		res, ok := results[t.ID]
		switch {
		case !ok:
			frag.Error = task.Errf(task.CauseTimeout, "no result from %s before the deadline", t.TargetAgentID)
		case res.OK():
			frag.OK = true
			frag.Payload = res.Payload
			frag.AgentID = res.ProducedBy
			frag.Latency = res.Latency
		default:
			frag.Error = res.Err
			frag.AgentID = res.ProducedBy
			frag.Latency = res.Latency
		}

		if frag.OK {
			agg.Succeeded++
		} else {
			agg.Failed++
		}
		agg.Fragments = append(agg.Fragments, frag)
	}

	sort.Slice(agg.Fragments, func(i, j int) bool {
		return agg.Fragments[i].TaskID < agg.Fragments[j].TaskID
	})
	return agg
}

// finalState maps an aggregate to the session's terminal state and error.
func finalState(agg Aggregate) (State, *task.Error) {
	switch {
	case agg.Failed == 0:
		return StateCompleted, nil
	case agg.Succeeded > 0:
		return StatePartiallyCompleted, nil
	default:
		// Every task failed; surface the first fragment's cause
		for _, f := range agg.Fragments {
			if f.Error != nil {
				return StateFailed, f.Error
			}
		}
		return StateFailed, task.Errf(task.CauseAggregationError,
			"no fragments in aggregate of %d tasks", len(agg.Fragments))
	}
}

// encode marshals the aggregate for storage and transport.
func encode(agg Aggregate) (json.RawMessage, error) {
	data, err := json.Marshal(agg)
	if err != nil {
		return nil, fmt.Errorf("marshal aggregate: %w", err)
	}
	return data, nil
}
