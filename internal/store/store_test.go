package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/pokemesh/internal/collab"
	"github.com/mtzanidakis/pokemesh/internal/config"
	"github.com/mtzanidakis/pokemesh/internal/directory"
	"github.com/mtzanidakis/pokemesh/internal/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.migrate(); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	sess := &collab.Session{
		ID:        "s1",
		Query:     "compare charizard vs blastoise",
		State:     collab.StateReceived,
		CreatedAt: time.Now(),
		Deadline:  time.Now().Add(30 * time.Second),
	}
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	sess.State = collab.StatePartiallyCompleted
	sess.Tasks = []task.Task{
		{ID: "t1", SessionID: "s1", TargetAgentID: "pokemon", Skill: "pokemon-lookup", Status: task.StatusCompleted},
		{ID: "t2", SessionID: "s1", TargetAgentID: "pokedex-assistant", Skill: "stat-comparison", Status: task.StatusTimedOut},
	}
	sess.Results = []task.Result{
		{TaskID: "t1", ProducedBy: "pokemon", Payload: json.RawMessage(`{"name":"charizard"}`)},
	}
	sess.Aggregate = json.RawMessage(`{"fragments":[]}`)
	if err := s.UpdateSession(sess); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := s.GetSession("s1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected session")
	}
	if got.State != collab.StatePartiallyCompleted {
		t.Errorf("unexpected state %s", got.State)
	}
	if len(got.Tasks) != 2 || got.Tasks[1].Status != task.StatusTimedOut {
		t.Errorf("tasks not round-tripped: %+v", got.Tasks)
	}
	if len(got.Results) != 1 || string(got.Results[0].Payload) != `{"name":"charizard"}` {
		t.Errorf("results not round-tripped: %+v", got.Results)
	}
	if string(got.Aggregate) != `{"fragments":[]}` {
		t.Errorf("aggregate not round-tripped: %s", got.Aggregate)
	}

	missing, err := s.GetSession("nope")
	if err != nil {
		t.Fatalf("get missing failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown session")
	}
}

func TestSessionErrorRoundTrip(t *testing.T) {
	s := newTestStore(t)

	sess := &collab.Session{
		ID:    "s2",
		Query: "weather",
		State: collab.StateFailed,
		Err:   task.Errf(task.CauseNoCapableAgent, "no agent declares a skill for this query"),
	}
	if err := s.SaveSession(sess); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := s.GetSession("s2")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Err == nil || got.Err.Cause != task.CauseNoCapableAgent {
		t.Errorf("error not round-tripped: %v", got.Err)
	}
}

func TestListSessions(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveSession(&collab.Session{ID: id, Query: "q", State: collab.StateCompleted}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	got, err := s.ListSessions(2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected limit respected, got %d", len(got))
	}
}

func TestScheduledQueryLifecycle(t *testing.T) {
	s := newTestStore(t)

	next := time.Now().Add(-time.Minute) // already due
	q := &ScheduledQuery{
		ID:        "q1",
		Name:      "daily trivia",
		Schedule:  "0 9 * * *",
		Query:     "generate trivia about pikachu",
		Status:    "active",
		NextRunAt: &next,
	}
	if err := s.SaveScheduledQuery(q); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	due, err := s.DueScheduledQueries(time.Now())
	if err != nil {
		t.Fatalf("due failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != "q1" {
		t.Fatalf("expected q1 due, got %v", due)
	}

	// Recurring run advances the next occurrence
	later := time.Now().Add(time.Hour)
	if err := s.MarkScheduledQueryRun("q1", time.Now(), &later, "completed", ""); err != nil {
		t.Fatalf("mark run failed: %v", err)
	}
	due, err = s.DueScheduledQueries(time.Now())
	if err != nil {
		t.Fatalf("due failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected nothing due after advance, got %d", len(due))
	}

	// One-shot run deactivates the schedule
	if err := s.MarkScheduledQueryRun("q1", time.Now(), nil, "completed", ""); err != nil {
		t.Fatalf("mark run failed: %v", err)
	}
	got, err := s.GetScheduledQuery("q1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != "done" {
		t.Errorf("expected done status, got %s", got.Status)
	}

	if err := s.DeleteScheduledQuery("q1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	got, err = s.GetScheduledQuery("q1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Error("expected schedule gone")
	}
}

func TestSecretRoundTrip(t *testing.T) {
	s := newTestStore(t)

	sec := &Secret{Name: "pokeapi-token", Value: []byte{1, 2, 3}, Nonce: []byte{4, 5, 6}}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Upsert replaces the ciphertext
	sec.Value = []byte{7, 8, 9}
	if err := s.SaveSecret(sec); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := s.GetSecret("pokeapi-token")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got == nil || string(got.Value) != string([]byte{7, 8, 9}) {
		t.Errorf("unexpected secret %+v", got)
	}

	names, err := s.ListSecretNames()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(names) != 1 || names[0] != "pokeapi-token" {
		t.Errorf("unexpected names %v", names)
	}

	if err := s.DeleteSecret("pokeapi-token"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	got, err = s.GetSecret("pokeapi-token")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got != nil {
		t.Error("expected secret gone")
	}
}

func TestAgentUpsertAndList(t *testing.T) {
	s := newTestStore(t)

	desc := directory.Descriptor{
		AgentID:     "pokemon",
		DisplayName: "Pokemon Agent",
		Endpoint:    "agent.pokemon.task",
		Skills:      []directory.Skill{"pokemon-lookup", "pokemon-search"},
		Version:     "1.0.0",
	}
	if err := s.UpsertAgent(desc); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	// Replace-by-id on second upsert
	desc.Version = "1.1.0"
	if err := s.UpsertAgent(desc); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	agents, err := s.ListAgents()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(agents) != 1 {
		t.Fatalf("expected 1 agent, got %d", len(agents))
	}
	if agents[0].Version != "1.1.0" {
		t.Errorf("expected replaced version, got %s", agents[0].Version)
	}
	if len(agents[0].Skills) != 2 || agents[0].Skills[0] != "pokemon-lookup" {
		t.Errorf("unexpected skills %v", agents[0].Skills)
	}

	if err := s.DeleteAgent("pokemon"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	agents, err = s.ListAgents()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(agents) != 0 {
		t.Errorf("expected no agents, got %d", len(agents))
	}
}
