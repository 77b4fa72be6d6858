package router

import (
	"strings"

	"github.com/mtzanidakis/pokemesh/internal/directory"
)

// Rule binds a skill to the keywords that implicate it.
type Rule struct {
	Skill    directory.Skill
	Keywords []string
}

// KeywordClassifier implicates skills by case-insensitive keyword match.
// Rules are evaluated in declaration order so classification is stable for
// a given rule set. A query matching rules for several distinct skills
// implicates all of them (fan-out).
type KeywordClassifier struct {
	rules []Rule
}

func NewKeywordClassifier(rules []Rule) *KeywordClassifier {
	return &KeywordClassifier{rules: rules}
}

// DefaultRules covers the skills of the built-in Pokemon agents.
func DefaultRules() []Rule {
	return []Rule{
		{Skill: "stat-comparison", Keywords: []string{"compare", "versus", " vs ", " vs.", "better than", "stronger"}},
		{Skill: "type-effectiveness", Keywords: []string{"effective", "effectiveness", "weakness", "resist", "battle", "matchup", "super effective"}},
		{Skill: "stat-rankings", Keywords: []string{"ranking", "rankings", "top ", "fastest", "strongest", "highest"}},
		{Skill: "trivia", Keywords: []string{"trivia", "fun fact", "interesting fact", "did you know"}},
		{Skill: "pokemon-species", Keywords: []string{"species", "evolution", "evolve", "habitat", "description"}},
		{Skill: "pokemon-search", Keywords: []string{"search", "list", "find", "show me", "discover"}},
		{Skill: "pokemon-lookup", Keywords: []string{"tell me about", "info", "stats for", "what is", "about", "lookup", "look up"}},
	}
}

func (c *KeywordClassifier) Classify(query string) []directory.Skill {
	q := strings.ToLower(query)

	var out []directory.Skill
	for _, rule := range c.rules {
		for _, kw := range rule.Keywords {
			if strings.Contains(q, kw) {
				out = append(out, rule.Skill)
				break
			}
		}
	}
	return out
}
