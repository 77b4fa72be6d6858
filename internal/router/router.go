package router

import (
	"strings"

	"github.com/mtzanidakis/pokemesh/internal/directory"
)

// Classifier maps a query to the skills it implicates, in a deterministic
// order. The production classifier may be backed by an external reasoning
// capability; routing only depends on this contract.
type Classifier interface {
	Classify(query string) []directory.Skill
}

// SubQuery is one routed unit of work: a query bound to a skill and the
// agent chosen to handle it.
type SubQuery struct {
	Skill         directory.Skill
	Query         string
	TargetAgentID string
}

// Decision is the outcome of routing one query. An empty Targets slice means
// NoRoute: no agent in the directory declares any implicated skill.
type Decision struct {
	Targets []SubQuery
}

// NoRoute reports whether routing found no capable agent.
func (d Decision) NoRoute() bool {
	return len(d.Targets) == 0
}

// Single reports whether the query routes to exactly one agent.
func (d Decision) Single() bool {
	return len(d.Targets) == 1
}

type Router struct {
	classifier Classifier
}

func New(classifier Classifier) *Router {
	return &Router{classifier: classifier}
}

// Route classifies the query and selects one agent per implicated skill from
// the directory snapshot. When several agents declare the same skill the
// first in snapshot order wins; load balancing is left to the caller's
// environment. Skills no agent declares are skipped; if none resolve, the
// decision is NoRoute.
func (r *Router) Route(query string, snap []directory.Descriptor) Decision {
	// @agent prefix addresses one agent directly, bypassing classification
	if strings.HasPrefix(query, "@") {
		parts := strings.SplitN(query, " ", 2)
		name := strings.TrimPrefix(parts[0], "@")
		for _, desc := range snap {
			if desc.AgentID == name {
				cleaned := ""
				if len(parts) > 1 {
					cleaned = parts[1]
				}
				skill := directory.Skill("")
				if len(desc.Skills) > 0 {
					skill = desc.Skills[0]
				}
				return Decision{Targets: []SubQuery{{
					Skill:         skill,
					Query:         cleaned,
					TargetAgentID: desc.AgentID,
				}}}
			}
		}
		// Unknown agent name in prefix, fall through to classification
	}

	var decision Decision
	seen := make(map[directory.Skill]bool)
	for _, skill := range r.classifier.Classify(query) {
		if seen[skill] {
			continue
		}
		seen[skill] = true

		target := firstWithSkill(snap, skill)
		if target == "" {
			continue
		}
		decision.Targets = append(decision.Targets, SubQuery{
			Skill:         skill,
			Query:         query,
			TargetAgentID: target,
		})
	}
	return decision
}

func firstWithSkill(snap []directory.Descriptor, skill directory.Skill) string {
	for _, desc := range snap {
		if desc.HasSkill(skill) {
			return desc.AgentID
		}
	}
	return ""
}
