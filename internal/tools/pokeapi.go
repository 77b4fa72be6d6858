package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mtzanidakis/pokemesh/internal/config"
)

// PokeAPI is the Gateway backed by the public PokeAPI. It serves the lookup
// and search tools directly from upstream responses and computes the
// analytics tools (comparison, effectiveness, trivia, rankings) locally.
type PokeAPI struct {
	*registry

	base string
	hc   *http.Client
}

func NewPokeAPI(cfg config.ToolsConfig) *PokeAPI {
	if cfg.PokeAPIBaseURL == "" {
		cfg.PokeAPIBaseURL = "https://pokeapi.co/api/v2"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	p := &PokeAPI{
		registry: newRegistry(),
		base:     strings.TrimSuffix(cfg.PokeAPIBaseURL, "/"),
		hc: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        32,
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}

	p.add("get_pokemon_info", "Get core data for a Pokemon by name or id", p.getPokemonInfo)
	p.add("get_pokemon_species", "Get species data including descriptions and evolution chain", p.getPokemonSpecies)
	p.add("search_pokemon", "List Pokemon with pagination", p.searchPokemon)
	p.add("compare_pokemon_stats", "Compare base stats between two Pokemon", p.comparePokemonStats)
	p.add("calculate_type_effectiveness", "Calculate type effectiveness for a battle matchup", p.calculateTypeEffectiveness)
	p.add("get_stat_rankings", "Get top Pokemon by a base stat", p.getStatRankings)
	p.add("generate_pokemon_trivia", "Generate trivia facts about a Pokemon", p.generatePokemonTrivia)

	return p
}

// get fetches one upstream resource and decodes it into out.
func (p *PokeAPI) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := p.hc.Do(req)
	if err != nil {
		return fmt.Errorf("pokeapi request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("pokeapi: %s not found", path)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pokeapi: unexpected status %d for %s", resp.StatusCode, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode pokeapi response: %w", err)
	}
	return nil
}

// Upstream wire shapes, reduced to the fields the tools use.

type apiPokemon struct {
	ID             int    `json:"id"`
	Name           string `json:"name"`
	Height         int    `json:"height"`
	Weight         int    `json:"weight"`
	BaseExperience int    `json:"base_experience"`
	Types          []struct {
		Type struct {
			Name string `json:"name"`
		} `json:"type"`
	} `json:"types"`
	Abilities []struct {
		Ability struct {
			Name string `json:"name"`
		} `json:"ability"`
	} `json:"abilities"`
	Stats []struct {
		BaseStat int `json:"base_stat"`
		Stat     struct {
			Name string `json:"name"`
		} `json:"stat"`
	} `json:"stats"`
	Sprites struct {
		FrontDefault string `json:"front_default"`
	} `json:"sprites"`
}

func (a apiPokemon) typeNames() []string {
	out := make([]string, 0, len(a.Types))
	for _, t := range a.Types {
		out = append(out, t.Type.Name)
	}
	return out
}

func (a apiPokemon) statMap() map[string]int {
	out := make(map[string]int, len(a.Stats))
	for _, s := range a.Stats {
		out[s.Stat.Name] = s.BaseStat
	}
	return out
}

type apiSpecies struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Generation struct {
		Name string `json:"name"`
	} `json:"generation"`
	Habitat *struct {
		Name string `json:"name"`
	} `json:"habitat"`
	Color struct {
		Name string `json:"name"`
	} `json:"color"`
	Shape struct {
		Name string `json:"name"`
	} `json:"shape"`
	EvolutionChain struct {
		URL string `json:"url"`
	} `json:"evolution_chain"`
	FlavorTextEntries []struct {
		FlavorText string `json:"flavor_text"`
		Language   struct {
			Name string `json:"name"`
		} `json:"language"`
	} `json:"flavor_text_entries"`
}

func (a apiSpecies) englishFlavorTexts(limit int) []string {
	var out []string
	for _, e := range a.FlavorTextEntries {
		if e.Language.Name != "en" {
			continue
		}
		text := strings.NewReplacer("\n", " ", "\f", " ").Replace(e.FlavorText)
		out = append(out, text)
		if len(out) == limit {
			break
		}
	}
	return out
}

type apiType struct {
	DamageRelations struct {
		DoubleDamageTo []struct {
			Name string `json:"name"`
		} `json:"double_damage_to"`
		HalfDamageTo []struct {
			Name string `json:"name"`
		} `json:"half_damage_to"`
		NoDamageTo []struct {
			Name string `json:"name"`
		} `json:"no_damage_to"`
	} `json:"damage_relations"`
}

// PokemonInfo is the reduced view of one Pokemon returned by get_pokemon_info.
type PokemonInfo struct {
	ID             int            `json:"id"`
	Name           string         `json:"name"`
	Height         int            `json:"height"`
	Weight         int            `json:"weight"`
	BaseExperience int            `json:"base_experience"`
	Types          []string       `json:"types"`
	Abilities      []string       `json:"abilities"`
	Stats          map[string]int `json:"stats"`
	Sprite         string         `json:"sprite"`
}

func (p *PokeAPI) fetchPokemon(ctx context.Context, name string) (apiPokemon, error) {
	var data apiPokemon
	err := p.get(ctx, "/pokemon/"+url.PathEscape(strings.ToLower(name)), &data)
	return data, err
}

func (p *PokeAPI) getPokemonInfo(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		PokemonName string `json:"pokemon_name"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	slog.Debug("tool invoked", "tool", "get_pokemon_info", "pokemon", in.PokemonName)

	data, err := p.fetchPokemon(ctx, in.PokemonName)
	if err != nil {
		return nil, err
	}

	abilities := make([]string, 0, len(data.Abilities))
	for _, a := range data.Abilities {
		abilities = append(abilities, a.Ability.Name)
	}

	return PokemonInfo{
		ID:             data.ID,
		Name:           data.Name,
		Height:         data.Height,
		Weight:         data.Weight,
		BaseExperience: data.BaseExperience,
		Types:          data.typeNames(),
		Abilities:      abilities,
		Stats:          data.statMap(),
		Sprite:         data.Sprites.FrontDefault,
	}, nil
}

func (p *PokeAPI) getPokemonSpecies(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		PokemonName string `json:"pokemon_name"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	slog.Debug("tool invoked", "tool", "get_pokemon_species", "pokemon", in.PokemonName)

	var data apiSpecies
	if err := p.get(ctx, "/pokemon-species/"+url.PathEscape(strings.ToLower(in.PokemonName)), &data); err != nil {
		return nil, err
	}

	habitat := ""
	if data.Habitat != nil {
		habitat = data.Habitat.Name
	}

	return map[string]any{
		"id":              data.ID,
		"name":            data.Name,
		"generation":      data.Generation.Name,
		"habitat":         habitat,
		"color":           data.Color.Name,
		"shape":           data.Shape.Name,
		"evolution_chain": data.EvolutionChain.URL,
		"descriptions":    data.englishFlavorTexts(3),
	}, nil
}

func (p *PokeAPI) searchPokemon(ctx context.Context, args json.RawMessage) (any, error) {
	in := struct {
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	}{Limit: 20}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}
	if in.Limit <= 0 {
		in.Limit = 20
	}
	if in.Limit > 100 {
		in.Limit = 100
	}
	slog.Debug("tool invoked", "tool", "search_pokemon", "limit", in.Limit, "offset", in.Offset)

	var data struct {
		Count   int     `json:"count"`
		Next    *string `json:"next"`
		Results []struct {
			Name string `json:"name"`
			URL  string `json:"url"`
		} `json:"results"`
	}
	path := fmt.Sprintf("/pokemon?limit=%d&offset=%d", in.Limit, in.Offset)
	if err := p.get(ctx, path, &data); err != nil {
		return nil, err
	}

	type entry struct {
		Name string `json:"name"`
		ID   string `json:"id"`
	}
	entries := make([]entry, 0, len(data.Results))
	for _, r := range data.Results {
		// The resource URL ends with /pokemon/<id>/
		parts := strings.Split(strings.TrimSuffix(r.URL, "/"), "/")
		entries = append(entries, entry{Name: r.Name, ID: parts[len(parts)-1]})
	}

	return map[string]any{
		"count":    data.Count,
		"has_more": data.Next != nil,
		"pokemon":  entries,
	}, nil
}

// StatComparison is the outcome of compare_pokemon_stats.
type StatComparison struct {
	First         ComparedPokemon       `json:"first"`
	Second        ComparedPokemon       `json:"second"`
	PerStat       map[string]StatResult `json:"per_stat"`
	OverallWinner string                `json:"overall_winner"`
}

type ComparedPokemon struct {
	Name  string         `json:"name"`
	Types []string       `json:"types"`
	Stats map[string]int `json:"stats"`
	Total int            `json:"total"`
}

type StatResult struct {
	Difference int    `json:"difference"`
	Winner     string `json:"winner"`
}

func (p *PokeAPI) comparePokemonStats(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Pokemon1 string `json:"pokemon1"`
		Pokemon2 string `json:"pokemon2"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	slog.Debug("tool invoked", "tool", "compare_pokemon_stats", "first", in.Pokemon1, "second", in.Pokemon2)

	d1, err := p.fetchPokemon(ctx, in.Pokemon1)
	if err != nil {
		return nil, err
	}
	d2, err := p.fetchPokemon(ctx, in.Pokemon2)
	if err != nil {
		return nil, err
	}

	s1, s2 := d1.statMap(), d2.statMap()
	cmp := StatComparison{
		First:   ComparedPokemon{Name: d1.Name, Types: d1.typeNames(), Stats: s1, Total: sumStats(s1)},
		Second:  ComparedPokemon{Name: d2.Name, Types: d2.typeNames(), Stats: s2, Total: sumStats(s2)},
		PerStat: make(map[string]StatResult, len(s1)),
	}

	for name, v1 := range s1 {
		diff := v1 - s2[name]
		winner := "tie"
		switch {
		case diff > 0:
			winner = d1.Name
		case diff < 0:
			winner = d2.Name
		}
		if diff < 0 {
			diff = -diff
		}
		cmp.PerStat[name] = StatResult{Difference: diff, Winner: winner}
	}

	switch {
	case cmp.First.Total > cmp.Second.Total:
		cmp.OverallWinner = d1.Name
	case cmp.First.Total < cmp.Second.Total:
		cmp.OverallWinner = d2.Name
	default:
		cmp.OverallWinner = "tie"
	}
	return cmp, nil
}

func sumStats(stats map[string]int) int {
	total := 0
	for _, v := range stats {
		total += v
	}
	return total
}

func (p *PokeAPI) calculateTypeEffectiveness(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		AttackerType  string   `json:"attacker_type"`
		DefenderTypes []string `json:"defender_types"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	slog.Debug("tool invoked", "tool", "calculate_type_effectiveness",
		"attacker", in.AttackerType, "defenders", in.DefenderTypes)

	var data apiType
	if err := p.get(ctx, "/type/"+url.PathEscape(strings.ToLower(in.AttackerType)), &data); err != nil {
		return nil, err
	}

	contains := func(names []struct {
		Name string `json:"name"`
	}, want string) bool {
		for _, n := range names {
			if n.Name == want {
				return true
			}
		}
		return false
	}

	multiplier := 1.0
	details := make([]string, 0, len(in.DefenderTypes))
	for _, def := range in.DefenderTypes {
		d := strings.ToLower(def)
		switch {
		case contains(data.DamageRelations.DoubleDamageTo, d):
			multiplier *= 2
			details = append(details, "super effective against "+d)
		case contains(data.DamageRelations.HalfDamageTo, d):
			multiplier *= 0.5
			details = append(details, "not very effective against "+d)
		case contains(data.DamageRelations.NoDamageTo, d):
			multiplier = 0
			details = append(details, "no effect against "+d)
		default:
			details = append(details, "normal effectiveness against "+d)
		}
	}

	return map[string]any{
		"attacker_type":  strings.ToLower(in.AttackerType),
		"defender_types": in.DefenderTypes,
		"multiplier":     multiplier,
		"description":    effectivenessDescription(multiplier),
		"details":        details,
	}, nil
}

func effectivenessDescription(multiplier float64) string {
	switch {
	case multiplier >= 4:
		return "extremely effective"
	case multiplier >= 2:
		return "super effective"
	case multiplier == 1:
		return "normal effectiveness"
	case multiplier >= 0.5:
		return "not very effective"
	case multiplier > 0:
		return "barely effective"
	default:
		return "no effect"
	}
}

// rankingEntry is one row of the curated stat leaderboards. Full rankings
// would need a crawl of the whole Pokedex, so a known-top table is served
// instead, as the upstream analytics service did.
type rankingEntry struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

var statLeaders = map[string][]rankingEntry{
	"hp": {
		{"blissey", 255}, {"chansey", 250}, {"wobbuffet", 190},
		{"wigglytuff", 140}, {"vaporeon", 130},
	},
	"attack": {
		{"mega-mewtwo-x", 190}, {"groudon", 180}, {"kyogre", 180},
		{"rayquaza", 180}, {"dialga", 170},
	},
	"defense": {
		{"shuckle", 230}, {"mega-steelix", 230}, {"mega-aggron", 230},
		{"regirock", 200}, {"cloyster", 180},
	},
	"speed": {
		{"deoxys-speed", 180}, {"ninjask", 160}, {"electrode", 150},
		{"aerodactyl", 130}, {"crobat", 130},
	},
}

func (p *PokeAPI) getStatRankings(_ context.Context, args json.RawMessage) (any, error) {
	in := struct {
		StatName string `json:"stat_name"`
		Limit    int    `json:"limit"`
	}{Limit: 10}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if in.Limit <= 0 || in.Limit > 20 {
		in.Limit = 10
	}
	slog.Debug("tool invoked", "tool", "get_stat_rankings", "stat", in.StatName, "limit", in.Limit)

	key := strings.ReplaceAll(strings.ToLower(in.StatName), " ", "-")
	leaders, ok := statLeaders[key]
	if !ok {
		return nil, fmt.Errorf("no rankings for stat %q", in.StatName)
	}
	if in.Limit < len(leaders) {
		leaders = leaders[:in.Limit]
	}

	return map[string]any{
		"stat":           key,
		"top_performers": leaders,
	}, nil
}

func (p *PokeAPI) generatePokemonTrivia(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		PokemonName string `json:"pokemon_name"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	slog.Debug("tool invoked", "tool", "generate_pokemon_trivia", "pokemon", in.PokemonName)

	data, err := p.fetchPokemon(ctx, in.PokemonName)
	if err != nil {
		return nil, err
	}

	stats := data.statMap()
	highest, lowest := extremeStats(stats)
	facts := []string{
		fmt.Sprintf("Height: %.1fm, Weight: %.1fkg", float64(data.Height)/10, float64(data.Weight)/10),
		fmt.Sprintf("Highest stat: %s (%d)", highest, stats[highest]),
		fmt.Sprintf("Lowest stat: %s (%d)", lowest, stats[lowest]),
		fmt.Sprintf("Total base stats: %d", sumStats(stats)),
	}

	types := data.typeNames()
	if len(types) == 1 {
		facts = append(facts, fmt.Sprintf("Pure %s-type Pokemon", types[0]))
	} else {
		facts = append(facts, "Dual-type: "+strings.Join(types, " and "))
	}

	// Species data enriches the trivia but its absence is not an error
	var species apiSpecies
	if err := p.get(ctx, "/pokemon-species/"+url.PathEscape(strings.ToLower(in.PokemonName)), &species); err == nil {
		if texts := species.englishFlavorTexts(1); len(texts) > 0 {
			facts = append(facts, "Pokedex entry: "+texts[0])
		}
		if species.Generation.Name != "" {
			facts = append(facts, "First appeared in "+species.Generation.Name)
		}
	}

	return map[string]any{
		"pokemon": data.Name,
		"facts":   facts,
	}, nil
}

// extremeStats returns the highest and lowest stat names, resolving ties by
// name so the output is deterministic.
func extremeStats(stats map[string]int) (highest, lowest string) {
	for name, v := range stats {
		if highest == "" || v > stats[highest] || (v == stats[highest] && name < highest) {
			highest = name
		}
		if lowest == "" || v < stats[lowest] || (v == stats[lowest] && name < lowest) {
			lowest = name
		}
	}
	return highest, lowest
}
