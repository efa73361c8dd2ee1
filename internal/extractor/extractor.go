// Package extractor implements the Entity Extractor:
// deterministic regex-based extraction keyed by entity type, with
// stoplists, confidence scoring, normalization, and context-aware
// confidence boosting.
//
// Extraction is regex pattern matching over plain text, which is squarely
// standard-library territory (regexp) — none of the pack's third-party
// NLP/parser libraries target this deterministic, type-keyed extraction
// shape, so no ecosystem dependency is wired here (see DESIGN.md).
package extractor

import (
	"regexp"
	"sort"
	"strings"
)

// EntityType enumerates the extractable types.
type EntityType string

const (
	Person       EntityType = "PERSON"
	Organization EntityType = "ORGANIZATION"
	CodeFile     EntityType = "CODE_FILE"
	CodeFunction EntityType = "CODE_FUNCTION"
	CodeClass    EntityType = "CODE_CLASS"
	Decision     EntityType = "DECISION"
	Task         EntityType = "TASK"
	Error        EntityType = "ERROR"
	Concept      EntityType = "CONCEPT"
	Event        EntityType = "EVENT"
)

// Entity is one extracted mention.
type Entity struct {
	Type            EntityType
	Name            string
	Confidence      float64
	ContextKey      string
	ContextCategory string
}

// Context is a {key, value, category?} hint that prioritizes extraction for
// types related to key/category.
type Context struct {
	Key      string
	Value    string
	Category string
}

// pattern is one regex for a type, with the fixed base confidence that a
// match of it scores.
type pattern struct {
	re    *regexp.Regexp
	boost float64
}

// typeRule is the per-type entry of the typed registry.
type typeRule struct {
	patterns  []pattern
	stoplist  map[string]bool
	minLength int
}

// Extractor holds the typed pattern registry and confidence floor.
type Extractor struct {
	rules         map[EntityType]typeRule
	minConfidence float64
}

// New returns an Extractor with the default pattern registry and the given
// confidence floor (config.ExtractionConfig.MinConfidence, // default 0.5).
func New(minConfidence float64) *Extractor {
	if minConfidence <= 0 {
		minConfidence = 0.5
	}
	return &Extractor{rules: defaultRules(), minConfidence: minConfidence}
}

func defaultRules() map[EntityType]typeRule {
	return map[EntityType]typeRule{
		Person: {
			patterns: []pattern{
				{re: regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof)\.?\s+([A-Z][a-z]+(?:\s[A-Z][a-z]+)?)\b`), boost: 1.0},
				{re: regexp.MustCompile(`@([A-Za-z][A-Za-z0-9_-]{2,30})\b`), boost: 0.7},
			},
			stoplist:  stoplist("Team", "Everyone", "Here"),
			minLength: 2,
		},
		Organization: {
			patterns: []pattern{
				{re: regexp.MustCompile(`\b(?:the\s+)?([A-Z][A-Za-z0-9]+(?:\s[A-Z][A-Za-z0-9]+){0,3}\s(?:Inc|Corp|Corporation|LLC|Ltd|Team|Org|Organization))\b`), boost: 0.9},
			},
			stoplist:  stoplist(),
			minLength: 3,
		},
		CodeFile: {
			patterns: []pattern{
				{re: regexp.MustCompile(`\b([\w./-]+\.(?:go|py|js|ts|tsx|jsx|java|rb|rs|c|cpp|h|hpp|yaml|yml|json|md|sql))\b`), boost: 1.0},
			},
			stoplist:  stoplist(),
			minLength: 3,
		},
		CodeFunction: {
			patterns: []pattern{
				{re: regexp.MustCompile(`\bfunc(?:tion)?\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`), boost: 1.0},
				{re: regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\(\)`), boost: 0.6},
			},
			stoplist:  stoplist("if", "for", "switch", "select"),
			minLength: 2,
		},
		CodeClass: {
			patterns: []pattern{
				{re: regexp.MustCompile(`\b(?:class|struct|type)\s+([A-Z][A-Za-z0-9_]*)\b`), boost: 1.0},
			},
			stoplist:  stoplist(),
			minLength: 2,
		},
		Decision: {
			patterns: []pattern{
				{re: regexp.MustCompile(`(?i)\bwe (?:decided|agreed) (?:to|that)\s+(.{3,80}?)(?:[.\n]|$)`), boost: 0.9},
				{re: regexp.MustCompile(`(?i)\bdecision:\s*(.{3,80}?)(?:[.\n]|$)`), boost: 1.0},
			},
			stoplist:  stoplist(),
			minLength: 3,
		},
		Task: {
			patterns: []pattern{
				{re: regexp.MustCompile(`(?i)\bTODO:?\s*(.{3,80}?)(?:[.\n]|$)`), boost: 1.0},
				{re: regexp.MustCompile(`(?i)\b(?:need to|should|must)\s+(.{3,80}?)(?:[.\n]|$)`), boost: 0.7},
			},
			stoplist:  stoplist(),
			minLength: 3,
		},
		Error: {
			patterns: []pattern{
				{re: regexp.MustCompile(`(?i)\b(\w*Error|\w*Exception):\s*(.{3,120}?)(?:[.\n]|$)`), boost: 1.0},
				{re: regexp.MustCompile(`(?i)\bpanic:\s*(.{3,120}?)(?:[.\n]|$)`), boost: 0.95},
			},
			stoplist:  stoplist(),
			minLength: 3,
		},
		Concept: {
			patterns: []pattern{
				{re: regexp.MustCompile(`(?i)\bthe concept of\s+([a-z][\w -]{2,40})\b`), boost: 0.8},
			},
			stoplist:  stoplist(),
			minLength: 3,
		},
		Event: {
			patterns: []pattern{
				{re: regexp.MustCompile(`(?i)\b(deployment|incident|outage|release|rollback)\s+(?:of|on|at)?\s*([\w -]{0,40})`), boost: 0.75},
			},
			stoplist:  stoplist(),
			minLength: 3,
		},
	}
}

func stoplist(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = true
	}
	return m
}

// Extract runs every registered type's patterns over text, applies
// stoplist/length filtering, normalizes names, scores confidence, boosts
// matches prioritized by ctx, and dedups by (type, lowercased-name)
// retaining the highest confidence.
func (x *Extractor) Extract(text string, ctx *Context) []Entity {
	best := map[string]Entity{}

	for entType, rule := range x.rules {
		for _, pat := range rule.patterns {
			matches := pat.re.FindAllStringSubmatch(text, -1)
			for _, m := range matches {
				raw := m[0]
				if len(m) > 1 && m[1] != "" {
					raw = m[1]
				}
				name := normalize(entType, raw)
				if name == "" || len(name) < rule.minLength {
					continue
				}
				if rule.stoplist[strings.ToLower(name)] {
					continue
				}

				confidence := pat.boost
				if ctx != nil && ctx.Value != "" && strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(ctx.Value)) {
					confidence *= 1.2
				}
				if confidence > 1.0 {
					confidence = 1.0
				}
				if confidence < x.minConfidence {
					continue
				}

				key := string(entType) + "\x00" + strings.ToLower(name)
				e := Entity{Type: entType, Name: name, Confidence: confidence}
				if ctx != nil {
					e.ContextKey = ctx.Key
					e.ContextCategory = ctx.Category
				}
				if existing, ok := best[key]; !ok || e.Confidence > existing.Confidence {
					best[key] = e
				}
			}
		}
	}

	entities := make([]Entity, 0, len(best))
	for _, e := range best {
		entities = append(entities, e)
	}
	sort.SliceStable(entities, func(i, j int) bool {
		if entities[i].Confidence != entities[j].Confidence {
			return entities[i].Confidence > entities[j].Confidence
		}
		return entities[i].Name < entities[j].Name
	})
	return entities
}

// normalize applies the type-specific normalization rules from // §4.10: strip honorific, drop trailing punctuation except for code files,
// strip leading articles for organizations, strip @ on mentions.
func normalize(t EntityType, raw string) string {
	name := strings.TrimSpace(raw)
	name = strings.TrimPrefix(name, "@")

	switch t {
	case Person:
		for _, h := range []string{"Mr.", "Mrs.", "Ms.", "Dr.", "Prof."} {
			name = strings.TrimPrefix(name, h)
		}
		name = strings.TrimSpace(name)
	case Organization:
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "the ") {
			name = strings.TrimSpace(name[4:])
		}
	case CodeFile:
		// Trailing punctuation is meaningful for file extensions; leave as-is.
		return name
	}

	name = strings.TrimRight(name, ".,;:!? ")
	return name
}
