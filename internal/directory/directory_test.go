package directory

import (
	"sync"
	"testing"

	"github.com/mtzanidakis/pokemesh/internal/config"
)

func TestFindBySkillRegistrationOrder(t *testing.T) {
	d := New()
	d.Register(Descriptor{AgentID: "pokemon", Skills: []Skill{"pokemon-lookup", "pokemon-search"}})
	d.Register(Descriptor{AgentID: "pokedex-assistant", Skills: []Skill{"stat-comparison", "trivia"}})
	d.Register(Descriptor{AgentID: "backup-pokemon", Skills: []Skill{"pokemon-lookup"}})

	got := d.FindBySkill("pokemon-lookup")
	if len(got) != 2 {
		t.Fatalf("expected 2 agents with pokemon-lookup, got %d", len(got))
	}
	if got[0].AgentID != "pokemon" || got[1].AgentID != "backup-pokemon" {
		t.Errorf("expected registration order [pokemon backup-pokemon], got [%s %s]", got[0].AgentID, got[1].AgentID)
	}

	if got := d.FindBySkill("unknown-skill"); len(got) != 0 {
		t.Errorf("expected empty result for unknown skill, got %d", len(got))
	}
}

func TestRegisterReplacesByID(t *testing.T) {
	d := New()
	d.Register(Descriptor{AgentID: "pokemon", Version: "1.0.0", Skills: []Skill{"pokemon-lookup"}})
	d.Register(Descriptor{AgentID: "pokedex-assistant", Skills: []Skill{"trivia"}})

	for i := 0; i < 5; i++ {
		d.Register(Descriptor{AgentID: "pokemon", Version: "2.0.0", Skills: []Skill{"pokemon-lookup"}})
	}

	if d.Len() != 2 {
		t.Errorf("expected directory size 2 after re-registration, got %d", d.Len())
	}

	desc, ok := d.Lookup("pokemon")
	if !ok {
		t.Fatal("expected pokemon descriptor")
	}
	if desc.Version != "2.0.0" {
		t.Errorf("expected replaced version 2.0.0, got %s", desc.Version)
	}

	// Re-registration keeps the original position
	snap := d.Snapshot()
	if snap[0].AgentID != "pokemon" {
		t.Errorf("expected pokemon first in registration order, got %s", snap[0].AgentID)
	}
}

func TestDeregister(t *testing.T) {
	d := New()
	d.Register(Descriptor{AgentID: "pokemon", Skills: []Skill{"pokemon-lookup"}})
	d.Register(Descriptor{AgentID: "pokedex-assistant", Skills: []Skill{"trivia"}})

	d.Deregister("pokemon")

	if d.Len() != 1 {
		t.Errorf("expected 1 agent after deregister, got %d", d.Len())
	}
	if _, ok := d.Lookup("pokemon"); ok {
		t.Error("expected pokemon to be gone")
	}
	if got := d.FindBySkill("pokemon-lookup"); len(got) != 0 {
		t.Errorf("expected no agents with pokemon-lookup, got %d", len(got))
	}

	// Deregistering an unknown id is a no-op
	d.Deregister("nonexistent")
	if d.Len() != 1 {
		t.Errorf("expected size unchanged, got %d", d.Len())
	}
}

func TestSnapshotIsStable(t *testing.T) {
	d := New()
	d.Register(Descriptor{AgentID: "pokemon", Skills: []Skill{"pokemon-lookup"}})

	snap := d.Snapshot()
	v := d.Version()

	d.Register(Descriptor{AgentID: "pokedex-assistant", Skills: []Skill{"trivia"}})
	d.Deregister("pokemon")

	// The earlier snapshot is unaffected by later writes
	if len(snap) != 1 || snap[0].AgentID != "pokemon" {
		t.Errorf("snapshot mutated by later writes: %v", snap)
	}
	if d.Version() <= v {
		t.Errorf("expected version to advance, got %d then %d", v, d.Version())
	}
}

func TestConcurrentReadersAndWriters(t *testing.T) {
	d := New()
	d.Register(Descriptor{AgentID: "pokemon", Skills: []Skill{"pokemon-lookup"}})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				d.Register(Descriptor{AgentID: "pokemon", Skills: []Skill{"pokemon-lookup"}})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				for _, desc := range d.FindBySkill("pokemon-lookup") {
					if desc.AgentID == "" {
						t.Error("observed partially written descriptor")
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if d.Len() != 1 {
		t.Errorf("expected single agent after concurrent re-registration, got %d", d.Len())
	}
}

func TestFromDefinitions(t *testing.T) {
	defs := map[string]config.AgentDefinition{
		"pokemon": {
			DisplayName: "Pokemon Agent",
			Skills:      []string{"pokemon-lookup", "pokemon-search"},
		},
		"pokedex-assistant": {
			Skills:  []string{"stat-comparison"},
			Version: "1.2.0",
		},
	}

	d := FromDefinitions(defs)
	if d.Len() != 2 {
		t.Fatalf("expected 2 agents, got %d", d.Len())
	}

	// Sorted name order for deterministic startup registration
	snap := d.Snapshot()
	if snap[0].AgentID != "pokedex-assistant" || snap[1].AgentID != "pokemon" {
		t.Errorf("unexpected registration order: [%s %s]", snap[0].AgentID, snap[1].AgentID)
	}

	desc, _ := d.Lookup("pokedex-assistant")
	if desc.Version != "1.2.0" {
		t.Errorf("expected version 1.2.0, got %s", desc.Version)
	}
	if desc.DisplayName != "pokedex-assistant" {
		t.Errorf("expected fallback display name, got %s", desc.DisplayName)
	}

	desc, _ = d.Lookup("pokemon")
	if desc.Version != "1.0.0" {
		t.Errorf("expected default version 1.0.0, got %s", desc.Version)
	}
}

func TestSkills(t *testing.T) {
	d := New()
	d.Register(Descriptor{AgentID: "a", Skills: []Skill{"x", "y"}})
	d.Register(Descriptor{AgentID: "b", Skills: []Skill{"y", "z"}})

	got := d.Skills()
	if len(got) != 3 {
		t.Fatalf("expected 3 distinct skills, got %v", got)
	}
	if got[0] != "x" || got[1] != "y" || got[2] != "z" {
		t.Errorf("expected first-appearance order [x y z], got %v", got)
	}
}
