package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mtzanidakis/pokemesh/internal/directory"
	"github.com/mtzanidakis/pokemesh/internal/task"
	"github.com/mtzanidakis/pokemesh/internal/tools"
)

// Reasoner plans one tool invocation for a routed sub-query. The default is
// a deterministic heuristic planner; a model-backed planner can be swapped
// in behind the same contract.
type Reasoner interface {
	Plan(skill directory.Skill, query string) (tool string, args json.RawMessage, err error)
}

// toolAgent handles tasks by planning a tool call and invoking it through
// the gateway.
type toolAgent struct {
	gateway  tools.Gateway
	reasoner Reasoner
}

func (a *toolAgent) Handle(ctx context.Context, t task.Task) task.Result {
	tool, args, err := a.reasoner.Plan(directory.Skill(t.Skill), t.Query)
	if err != nil {
		return task.Result{
			TaskID: t.ID,
			Err:    task.Errf(task.CauseApplicationError, "plan failed: %v", err),
		}
	}

	out, err := a.gateway.Invoke(ctx, tool, args)
	if err != nil {
		cause := task.CauseApplicationError
		if errors.Is(err, context.DeadlineExceeded) {
			cause = task.CauseTimeout
		}
		return task.Result{
			TaskID: t.ID,
			Err:    task.Errf(cause, "%s: %v", tool, err),
		}
	}

	payload, err := json.Marshal(map[string]any{
		"tool":   tool,
		"output": json.RawMessage(out),
	})
	if err != nil {
		return task.Result{
			TaskID: t.ID,
			Err:    task.Errf(task.CauseApplicationError, "marshal payload: %v", err),
		}
	}
	return task.Result{TaskID: t.ID, Payload: payload}
}

// NewPokemonAgent serves the lookup-oriented skills backed by the gateway.
func NewPokemonAgent(gw tools.Gateway) Agent {
	return Agent{
		Card: directory.Descriptor{
			AgentID:     "pokemon",
			DisplayName: "Pokemon Agent",
			Description: "Looks up Pokemon data, species details and search listings",
			Skills:      []directory.Skill{"pokemon-lookup", "pokemon-search", "pokemon-species"},
			Version:     "1.0.0",
		},
		Handler: &toolAgent{gateway: gw, reasoner: &heuristicPlanner{}},
	}
}

// NewPokedexAssistant serves the analytics skills backed by the gateway.
func NewPokedexAssistant(gw tools.Gateway) Agent {
	return Agent{
		Card: directory.Descriptor{
			AgentID:     "pokedex-assistant",
			DisplayName: "Pokedex Assistant",
			Description: "Compares stats, analyzes matchups and generates trivia",
			Skills:      []directory.Skill{"stat-comparison", "type-effectiveness", "stat-rankings", "trivia"},
			Version:     "1.0.0",
		},
		Handler: &toolAgent{gateway: gw, reasoner: &heuristicPlanner{}},
	}
}

// heuristicPlanner extracts tool arguments from the query text with simple
// token rules. It is deterministic, which keeps routing tests and scheduled
// queries reproducible.
type heuristicPlanner struct{}

var pokemonTypes = map[string]bool{
	"normal": true, "fire": true, "water": true, "electric": true,
	"grass": true, "ice": true, "fighting": true, "poison": true,
	"ground": true, "flying": true, "psychic": true, "bug": true,
	"rock": true, "ghost": true, "dragon": true, "dark": true,
	"steel": true, "fairy": true,
}

var statNames = map[string]bool{
	"hp": true, "attack": true, "defense": true,
	"special-attack": true, "special-defense": true, "speed": true,
}

// stopwords covers query scaffolding so the remaining tokens are candidate
// Pokemon names.
var stopwords = map[string]bool{
	"a": true, "about": true, "against": true, "all": true, "an": true,
	"and": true, "are": true, "battle": true, "best": true, "better": true,
	"between": true, "compare": true, "could": true, "did": true, "do": true,
	"effective": true, "effectiveness": true, "fact": true, "facts": true,
	"find": true, "for": true, "fun": true, "generate": true, "give": true,
	"how": true, "info": true, "information": true, "interesting": true,
	"is": true, "know": true, "list": true, "look": true, "lookup": true,
	"me": true, "of": true, "on": true, "or": true, "please": true,
	"pokemon": true, "ranking": true, "rankings": true, "search": true,
	"show": true, "some": true, "species": true, "stat": true, "stats": true,
	"stronger": true, "tell": true, "the": true, "to": true, "top": true,
	"trivia": true, "type": true, "up": true, "versus": true, "vs": true,
	"what": true, "which": true, "who": true, "with": true, "you": true,
}

func (p *heuristicPlanner) Plan(skill directory.Skill, query string) (string, json.RawMessage, error) {
	switch skill {
	case "pokemon-lookup":
		return nameCall("get_pokemon_info", query)
	case "pokemon-species":
		return nameCall("get_pokemon_species", query)
	case "trivia":
		return nameCall("generate_pokemon_trivia", query)

	case "pokemon-search":
		args, _ := json.Marshal(map[string]int{"limit": 20, "offset": 0})
		return "search_pokemon", args, nil

	case "stat-comparison":
		names := candidateNames(query)
		if len(names) < 2 {
			return "", nil, fmt.Errorf("need two pokemon to compare, found %d", len(names))
		}
		args, _ := json.Marshal(map[string]string{
			"pokemon1": names[0],
			"pokemon2": names[1],
		})
		return "compare_pokemon_stats", args, nil

	case "type-effectiveness":
		types := typesIn(query)
		if len(types) == 0 {
			return "", nil, errors.New("no pokemon type named in the query")
		}
		if len(types) < 2 {
			return "", nil, errors.New("need an attacker and a defender type")
		}
		args, _ := json.Marshal(map[string]any{
			"attacker_type":  types[0],
			"defender_types": types[1:],
		})
		return "calculate_type_effectiveness", args, nil

	case "stat-rankings":
		stat := statIn(query)
		if stat == "" {
			return "", nil, errors.New("no stat named in the query")
		}
		args, _ := json.Marshal(map[string]any{"stat_name": stat, "limit": 10})
		return "get_stat_rankings", args, nil
	}

	return "", nil, fmt.Errorf("no tool serves skill %q", skill)
}

func nameCall(tool, query string) (string, json.RawMessage, error) {
	names := candidateNames(query)
	if len(names) == 0 {
		return "", nil, errors.New("no pokemon named in the query")
	}
	args, _ := json.Marshal(map[string]string{"pokemon_name": names[0]})
	return tool, args, nil
}

func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		switch r {
		case ' ', '\t', '\n', ',', '?', '!', '.', ':', ';', '"', '\'', '(', ')':
			return true
		}
		return false
	})
	return fields
}

// candidateNames returns the tokens that are neither scaffolding, types nor
// stat names, in query order.
func candidateNames(query string) []string {
	var out []string
	for _, tok := range tokenize(query) {
		if stopwords[tok] || pokemonTypes[tok] || statNames[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

func typesIn(query string) []string {
	var out []string
	for _, tok := range tokenize(query) {
		if pokemonTypes[tok] {
			out = append(out, tok)
		}
	}
	return out
}

func statIn(query string) string {
	toks := tokenize(query)
	for i, tok := range toks {
		if tok == "special" && i+1 < len(toks) && statNames["special-"+toks[i+1]] {
			return "special-" + toks[i+1]
		}
		if statNames[tok] {
			return tok
		}
	}
	return ""
}
