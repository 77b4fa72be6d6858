package directory

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/mtzanidakis/pokemesh/internal/config"
)

// Skill is an opaque capability tag used for routing. The directory and
// router match skills by equality and never interpret them.
type Skill string

// Descriptor is an agent's published capability card. Descriptors are
// immutable once registered; updates replace the whole record by AgentID.
type Descriptor struct {
	AgentID     string  `json:"agent_id"`
	DisplayName string  `json:"display_name"`
	Description string  `json:"description,omitempty"`
	Endpoint    string  `json:"endpoint"`
	Skills      []Skill `json:"skills"`
	Version     string  `json:"version"`
}

// HasSkill reports whether the descriptor declares the given skill.
func (d Descriptor) HasSkill(s Skill) bool {
	return slices.Contains(d.Skills, s)
}

type snapshot struct {
	agents  []Descriptor // registration order
	version uint64
}

// Directory holds the known capability descriptors. Writes swap a fresh
// immutable snapshot, so readers always see a consistent point-in-time view
// and are never blocked by registration or deregistration.
type Directory struct {
	mu   sync.Mutex // serializes writers only
	snap atomic.Pointer[snapshot]
}

func New() *Directory {
	d := &Directory{}
	d.snap.Store(&snapshot{})
	return d
}

// FromDefinitions builds a directory pre-populated from config, in sorted
// name order so startup registration order is deterministic.
func FromDefinitions(defs map[string]config.AgentDefinition) *Directory {
	d := New()
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		def := defs[name]
		skills := make([]Skill, 0, len(def.Skills))
		for _, s := range def.Skills {
			skills = append(skills, Skill(s))
		}
		version := def.Version
		if version == "" {
			version = "1.0.0"
		}
		displayName := def.DisplayName
		if displayName == "" {
			displayName = name
		}
		d.Register(Descriptor{
			AgentID:     name,
			DisplayName: displayName,
			Description: def.Description,
			Endpoint:    def.Endpoint,
			Skills:      skills,
			Version:     version,
		})
	}
	return d
}

// Register adds a descriptor, replacing any existing one with the same
// AgentID (last-writer-wins). A replaced agent keeps its original position in
// registration order.
func (d *Directory) Register(desc Descriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.snap.Load()
	next := make([]Descriptor, len(cur.agents), len(cur.agents)+1)
	copy(next, cur.agents)

	replaced := false
	for i := range next {
		if next[i].AgentID == desc.AgentID {
			next[i] = desc
			replaced = true
			break
		}
	}
	if !replaced {
		next = append(next, desc)
	}

	d.snap.Store(&snapshot{agents: next, version: cur.version + 1})
}

// Deregister removes the descriptor for agentID if present.
func (d *Directory) Deregister(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := d.snap.Load()
	next := make([]Descriptor, 0, len(cur.agents))
	for _, a := range cur.agents {
		if a.AgentID != agentID {
			next = append(next, a)
		}
	}
	d.snap.Store(&snapshot{agents: next, version: cur.version + 1})
}

// Lookup returns the descriptor for agentID, or false if unknown.
func (d *Directory) Lookup(agentID string) (Descriptor, bool) {
	for _, a := range d.snap.Load().agents {
		if a.AgentID == agentID {
			return a, true
		}
	}
	return Descriptor{}, false
}

// FindBySkill returns all agents declaring the skill, in registration order.
// An empty result is not an error.
func (d *Directory) FindBySkill(s Skill) []Descriptor {
	var out []Descriptor
	for _, a := range d.snap.Load().agents {
		if a.HasSkill(s) {
			out = append(out, a)
		}
	}
	return out
}

// Snapshot returns the current descriptors in registration order. The
// returned slice is a copy and safe to hold across later registrations.
func (d *Directory) Snapshot() []Descriptor {
	cur := d.snap.Load()
	out := make([]Descriptor, len(cur.agents))
	copy(out, cur.agents)
	return out
}

// Version returns the monotonically increasing snapshot version. It changes
// on every register/deregister and can be used to detect staleness.
func (d *Directory) Version() uint64 {
	return d.snap.Load().version
}

// Len returns the number of registered agents.
func (d *Directory) Len() int {
	return len(d.snap.Load().agents)
}

// Skills returns the distinct skills declared across all agents, in first
// appearance order.
func (d *Directory) Skills() []Skill {
	seen := make(map[Skill]bool)
	var out []Skill
	for _, a := range d.snap.Load().agents {
		for _, s := range a.Skills {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
