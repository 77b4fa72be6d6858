package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/pokemesh/internal/directory"
	"github.com/mtzanidakis/pokemesh/internal/router"
	"github.com/mtzanidakis/pokemesh/internal/task"
)

type stubClassifier struct {
	skills []directory.Skill
}

func (c stubClassifier) Classify(string) []directory.Skill {
	return c.skills
}

// stubDispatcher resolves tasks through a per-agent handler and counts
// dispatches.
type stubDispatcher struct {
	mu      sync.Mutex
	calls   int
	handler func(ctx context.Context, t task.Task) task.Result
}

func (d *stubDispatcher) Dispatch(ctx context.Context, t task.Task) task.Result {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return d.handler(ctx, t)
}

func (d *stubDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func okResult(t task.Task, payload string) task.Result {
	return task.Result{
		TaskID:     t.ID,
		ProducedBy: t.TargetAgentID,
		Payload:    json.RawMessage(payload),
		Latency:    time.Millisecond,
	}
}

func testDirectory() *directory.Directory {
	d := directory.New()
	d.Register(directory.Descriptor{AgentID: "pokemon", Skills: []directory.Skill{"pokemon-lookup"}})
	d.Register(directory.Descriptor{AgentID: "pokedex-assistant", Skills: []directory.Skill{"stat-comparison", "trivia"}})
	return d
}

func newTestCoordinator(skills []directory.Skill, disp Dispatcher, deadline time.Duration) *Coordinator {
	rtr := router.New(stubClassifier{skills: skills})
	return NewCoordinator(testDirectory(), rtr, disp, nil, nil, deadline)
}

func TestRunFanOutCompleted(t *testing.T) {
	disp := &stubDispatcher{handler: func(_ context.Context, tk task.Task) task.Result {
		return okResult(tk, `{"from":"`+tk.TargetAgentID+`"}`)
	}}
	c := newTestCoordinator([]directory.Skill{"pokemon-lookup", "stat-comparison"}, disp, 5*time.Second)

	sess := c.Run(context.Background(), "compare charizard vs blastoise")
	if sess.State != StateCompleted {
		t.Fatalf("expected completed, got %s (err %v)", sess.State, sess.Err)
	}
	if len(sess.Tasks) != 2 || disp.count() != 2 {
		t.Fatalf("expected 2 dispatched tasks, got %d tasks, %d dispatches", len(sess.Tasks), disp.count())
	}

	var agg Aggregate
	if err := json.Unmarshal(sess.Aggregate, &agg); err != nil {
		t.Fatalf("invalid aggregate: %v", err)
	}
	if agg.Succeeded != 2 || agg.Failed != 0 {
		t.Errorf("expected 2 successes, got %d/%d", agg.Succeeded, agg.Failed)
	}
	for i := 1; i < len(agg.Fragments); i++ {
		if agg.Fragments[i-1].TaskID > agg.Fragments[i].TaskID {
			t.Error("fragments not ordered by task id")
		}
	}
	for _, f := range agg.Fragments {
		if f.AgentID == "" || f.Skill == "" {
			t.Errorf("fragment missing provenance: %+v", f)
		}
	}

	for _, tk := range sess.Tasks {
		if tk.Status != task.StatusCompleted {
			t.Errorf("expected task %s completed, got %s", tk.ID, tk.Status)
		}
	}
}

func TestRunPartialFailure(t *testing.T) {
	disp := &stubDispatcher{handler: func(_ context.Context, tk task.Task) task.Result {
		if tk.TargetAgentID == "pokedex-assistant" {
			return task.FailedResult(tk.ID, tk.TargetAgentID, task.CauseTimeout, "deadline elapsed", time.Second)
		}
		return okResult(tk, `{"name":"pikachu"}`)
	}}
	c := newTestCoordinator([]directory.Skill{"pokemon-lookup", "stat-comparison"}, disp, 5*time.Second)

	sess := c.Run(context.Background(), "pikachu info and a comparison")
	if sess.State != StatePartiallyCompleted {
		t.Fatalf("expected partially_completed, got %s", sess.State)
	}

	var agg Aggregate
	if err := json.Unmarshal(sess.Aggregate, &agg); err != nil {
		t.Fatalf("invalid aggregate: %v", err)
	}
	if agg.Succeeded != 1 || agg.Failed != 1 {
		t.Fatalf("expected 1/1 split, got %d/%d", agg.Succeeded, agg.Failed)
	}

	// The failed fragment names its cause instead of vanishing
	var gap *Fragment
	for i := range agg.Fragments {
		if !agg.Fragments[i].OK {
			gap = &agg.Fragments[i]
		}
	}
	if gap == nil || gap.Error == nil || gap.Error.Cause != task.CauseTimeout {
		t.Errorf("expected timeout gap fragment, got %+v", gap)
	}
}

func TestRunAllFailed(t *testing.T) {
	disp := &stubDispatcher{handler: func(_ context.Context, tk task.Task) task.Result {
		return task.FailedResult(tk.ID, tk.TargetAgentID, task.CauseUnreachable, "no responders", time.Millisecond)
	}}
	c := newTestCoordinator([]directory.Skill{"pokemon-lookup"}, disp, 5*time.Second)

	sess := c.Run(context.Background(), "lookup pikachu")
	if sess.State != StateFailed {
		t.Fatalf("expected failed, got %s", sess.State)
	}
	if sess.Err == nil || sess.Err.Cause != task.CauseUnreachable {
		t.Errorf("expected unreachable cause, got %v", sess.Err)
	}
}

func TestRunNoRoute(t *testing.T) {
	disp := &stubDispatcher{handler: func(_ context.Context, tk task.Task) task.Result {
		return okResult(tk, `{}`)
	}}
	c := newTestCoordinator(nil, disp, 5*time.Second)

	sess := c.Run(context.Background(), "what's the weather in tokyo")
	if sess.State != StateFailed {
		t.Fatalf("expected failed, got %s", sess.State)
	}
	if sess.Err == nil || sess.Err.Cause != task.CauseNoCapableAgent {
		t.Errorf("expected no_capable_agent, got %v", sess.Err)
	}
	// No dispatch happens for an unroutable query
	if disp.count() != 0 {
		t.Errorf("expected zero dispatches, got %d", disp.count())
	}
}

func TestRunDeadlineNeverHangs(t *testing.T) {
	disp := &stubDispatcher{handler: func(ctx context.Context, tk task.Task) task.Result {
		// A slow agent that only yields to cancellation
		<-ctx.Done()
		return task.FailedResult(tk.ID, tk.TargetAgentID, task.CauseTimeout, "deadline elapsed", time.Second)
	}}
	c := newTestCoordinator([]directory.Skill{"pokemon-lookup"}, disp, 300*time.Millisecond)

	start := time.Now()
	sess := c.Run(context.Background(), "lookup pikachu")
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("session exceeded deadline bound, took %v", elapsed)
	}
	if !sess.State.Terminal() {
		t.Fatalf("expected terminal state, got %s", sess.State)
	}
}

func TestSubmitAndCancel(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	disp := &stubDispatcher{handler: func(ctx context.Context, tk task.Task) task.Result {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return task.FailedResult(tk.ID, tk.TargetAgentID, task.CauseCancelled, "dispatch cancelled", time.Second)
	}}
	c := newTestCoordinator([]directory.Skill{"pokemon-lookup"}, disp, 10*time.Second)

	sess := c.Submit("lookup pikachu")
	if sess.State.Terminal() {
		t.Fatalf("expected live session on submit, got %s", sess.State)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch never started")
	}

	if !c.Cancel(sess.ID) {
		t.Fatal("expected cancel to be accepted")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, ok := c.Get(sess.ID)
		if !ok {
			t.Fatal("session vanished")
		}
		if got.State.Terminal() {
			if got.State != StateFailed || got.Err == nil || got.Err.Cause != task.CauseCancelled {
				t.Fatalf("expected failed/cancelled, got %s %v", got.State, got.Err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never reached a terminal state after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Cancelling a finished session is a no-op
	if c.Cancel(sess.ID) {
		t.Error("expected cancel of terminal session to be rejected")
	}
}

func TestCancelUnknownSession(t *testing.T) {
	c := newTestCoordinator(nil, &stubDispatcher{handler: nil}, time.Second)
	if c.Cancel("nope") {
		t.Error("expected cancel of unknown session to be rejected")
	}
}

func TestCollectDiscardsDuplicates(t *testing.T) {
	c := newTestCoordinator(nil, &stubDispatcher{}, time.Second)

	ch := make(chan task.Result, 4)
	ch <- task.Result{TaskID: "t1", ProducedBy: "pokemon", Payload: json.RawMessage(`{"v":1}`)}
	ch <- task.Result{TaskID: "t1", ProducedBy: "pokemon", Payload: json.RawMessage(`{"v":2}`)}
	ch <- task.Result{TaskID: "t2", ProducedBy: "pokedex-assistant", Payload: json.RawMessage(`{}`)}
	close(ch)

	results, cancelled := c.collect(context.Background(), "s1", ch)
	if cancelled {
		t.Fatal("unexpected cancellation")
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results after dedup, got %d", len(results))
	}
	// First result wins
	if string(results["t1"].Payload) != `{"v":1}` {
		t.Errorf("expected first result kept, got %s", results["t1"].Payload)
	}
}

func TestMergeOrderIndependent(t *testing.T) {
	tasks := []task.Task{
		{ID: "b-task", TargetAgentID: "pokemon", Skill: "pokemon-lookup"},
		{ID: "a-task", TargetAgentID: "pokedex-assistant", Skill: "trivia"},
		{ID: "c-task", TargetAgentID: "pokemon", Skill: "pokemon-search"},
	}
	r1 := task.Result{TaskID: "b-task", ProducedBy: "pokemon", Payload: json.RawMessage(`{"b":1}`)}
	r2 := task.Result{TaskID: "a-task", ProducedBy: "pokedex-assistant", Payload: json.RawMessage(`{"a":1}`)}
	r3 := task.Result{TaskID: "c-task", ProducedBy: "pokemon", Payload: json.RawMessage(`{"c":1}`)}

	orderings := [][]task.Result{
		{r1, r2, r3},
		{r3, r1, r2},
		{r2, r3, r1},
	}

	var first []byte
	for i, order := range orderings {
		results := make(map[string]task.Result)
		for _, r := range order {
			results[r.TaskID] = r
		}
		encoded, err := encode(merge("q", tasks, results))
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		if i == 0 {
			first = encoded
			continue
		}
		if string(encoded) != string(first) {
			t.Errorf("aggregate differs for arrival order %d", i)
		}
	}
}

func TestMergeSingleFragment(t *testing.T) {
	tasks := []task.Task{{ID: "t1", TargetAgentID: "pokemon", Skill: "pokemon-lookup"}}
	results := map[string]task.Result{
		"t1": {TaskID: "t1", ProducedBy: "pokemon", Payload: json.RawMessage(`{"name":"pikachu"}`)},
	}

	agg := merge("lookup pikachu", tasks, results)
	if len(agg.Fragments) != 1 || !agg.Fragments[0].OK {
		t.Fatalf("unexpected aggregate: %+v", agg)
	}
	if string(agg.Fragments[0].Payload) != `{"name":"pikachu"}` {
		t.Errorf("payload not passed through unchanged: %s", agg.Fragments[0].Payload)
	}
}

func TestMergeGapForMissingResult(t *testing.T) {
	tasks := []task.Task{
		{ID: "t1", TargetAgentID: "pokemon", Skill: "pokemon-lookup"},
		{ID: "t2", TargetAgentID: "pokedex-assistant", Skill: "trivia"},
	}
	results := map[string]task.Result{
		"t1": {TaskID: "t1", ProducedBy: "pokemon", Payload: json.RawMessage(`{}`)},
	}

	agg := merge("q", tasks, results)
	if agg.Succeeded != 1 || agg.Failed != 1 {
		t.Fatalf("expected 1/1, got %d/%d", agg.Succeeded, agg.Failed)
	}
	for _, f := range agg.Fragments {
		if f.TaskID == "t2" {
			if f.Error == nil || f.Error.Cause != task.CauseTimeout {
				t.Errorf("expected timeout gap for t2, got %+v", f)
			}
		}
	}
}

func TestFinalizedSessionsEvicted(t *testing.T) {
	disp := &stubDispatcher{handler: func(_ context.Context, tk task.Task) task.Result {
		return okResult(tk, `{}`)
	}}
	c := newTestCoordinator([]directory.Skill{"pokemon-lookup"}, disp, 5*time.Second)
	c.retention = 10 * time.Millisecond

	sess := c.Run(context.Background(), "lookup pikachu")
	if !sess.State.Terminal() {
		t.Fatalf("expected terminal session, got %s", sess.State)
	}

	// The cancel func is released as soon as the session is terminal
	c.mu.Lock()
	_, held := c.cancels[sess.ID]
	c.mu.Unlock()
	if held {
		t.Error("expected cancel func released for terminal session")
	}

	// The in-memory session is evicted after the retention window
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := c.Get(sess.ID); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("terminal session never evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.mu.Lock()
	remaining := len(c.sessions)
	c.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected empty session map, got %d entries", remaining)
	}
}
