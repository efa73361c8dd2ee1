// Package inferencer implements the Relationship Inferencer: a rule table keyed by relationship type, matched against ordered
// pairs of co-located extracted entities.
package inferencer

import (
	"regexp"
	"sort"
	"strings"

	"github.com/agentctx/memoryd/internal/extractor"
)

// RelationshipType enumerates the inferable relationship kinds.
type RelationshipType string

const (
	DependsOn  RelationshipType = "DEPENDS_ON"
	Implements RelationshipType = "IMPLEMENTS"
	Uses       RelationshipType = "USES"
	References RelationshipType = "REFERENCES"
	Causes     RelationshipType = "CAUSES"
	Blocks     RelationshipType = "BLOCKS"
	RelatedTo  RelationshipType = "RELATED_TO"
)

// Rule is one entry of the rule table.
type Rule struct {
	Type        RelationshipType
	SourceTypes []extractor.EntityType
	TargetTypes []extractor.EntityType
	Patterns    []*regexp.Regexp
	Weight      float64
}

// Relationship is one inferred edge between two co-located entities.
type Relationship struct {
	SourceName string
	SourceType extractor.EntityType
	TargetName string
	TargetType extractor.EntityType
	Type       RelationshipType
	Weight     float64
}

// Inferencer matches entity pairs against the rule table.
type Inferencer struct {
	rules                   []Rule
	maxRelationshipsPerPair int
	minConfidence           float64
}

// New returns an Inferencer with the default rule table.
// maxRelationshipsPerPair and minConfidence come from
// config.ExtractionConfig.
func New(maxRelationshipsPerPair int, minConfidence float64) *Inferencer {
	if maxRelationshipsPerPair <= 0 {
		maxRelationshipsPerPair = 3
	}
	if minConfidence <= 0 {
		minConfidence = 0.5
	}
	return &Inferencer{rules: defaultRules(), maxRelationshipsPerPair: maxRelationshipsPerPair, minConfidence: minConfidence}
}

func defaultRules() []Rule {
	codeLike := []extractor.EntityType{extractor.CodeFile, extractor.CodeFunction, extractor.CodeClass}
	return []Rule{
		{
			Type:        DependsOn,
			SourceTypes: codeLike,
			TargetTypes: codeLike,
			Patterns:    []*regexp.Regexp{regexp.MustCompile(`(?i)depends on|requires|needs`)},
			Weight:      0.85,
		},
		{
			Type:        Implements,
			SourceTypes: []extractor.EntityType{extractor.CodeClass, extractor.CodeFunction},
			TargetTypes: []extractor.EntityType{extractor.CodeClass, extractor.Concept},
			Patterns:    []*regexp.Regexp{regexp.MustCompile(`(?i)implements|fulfills`)},
			Weight:      0.9,
		},
		{
			Type:        Uses,
			SourceTypes: codeLike,
			TargetTypes: codeLike,
			Patterns:    []*regexp.Regexp{regexp.MustCompile(`(?i)uses|calls|invokes`)},
			Weight:      0.75,
		},
		{
			Type:        References,
			SourceTypes: []extractor.EntityType{extractor.Decision, extractor.Task, extractor.Concept},
			TargetTypes: codeLike,
			Patterns:    []*regexp.Regexp{regexp.MustCompile(`(?i)references|refers to|see`)},
			Weight:      0.6,
		},
		{
			Type:        Causes,
			SourceTypes: []extractor.EntityType{extractor.Event, extractor.Error},
			TargetTypes: []extractor.EntityType{extractor.Error, extractor.Event, extractor.Task},
			Patterns:    []*regexp.Regexp{regexp.MustCompile(`(?i)causes|caused|leads to|resulted in`)},
			Weight:      0.8,
		},
		{
			Type:        Blocks,
			SourceTypes: []extractor.EntityType{extractor.Task, extractor.Error},
			TargetTypes: []extractor.EntityType{extractor.Task},
			Patterns:    []*regexp.Regexp{regexp.MustCompile(`(?i)blocks|blocking|prevents`)},
			Weight:      0.85,
		},
		{
			Type:        RelatedTo,
			SourceTypes: nil, // nil means "any type"
			TargetTypes: nil,
			Patterns:    []*regexp.Regexp{regexp.MustCompile(`(?i)related to|connected to|associated with`)},
			Weight:      0.5,
		},
	}
}

// Infer walks each ordered pair of entities found co-located in window,
// emitting a Relationship when types match a rule and
// any of its patterns match window. Dedups per (source, target, type)
// keeping the maximum weight, caps emissions per pair at
// maxRelationshipsPerPair, filters below minConfidence.
func (inf *Inferencer) Infer(entities []extractor.Entity, window string) []Relationship {
	best := map[string]Relationship{}
	perPairCount := map[string]int{}

	for i, source := range entities {
		for j, target := range entities {
			if i == j {
				continue
			}
			for _, rule := range inf.rules {
				if !typeMatches(rule.SourceTypes, source.Type) || !typeMatches(rule.TargetTypes, target.Type) {
					continue
				}
				matched := false
				for _, pat := range rule.Patterns {
					if pat.MatchString(window) {
						matched = true
						break
					}
				}
				if !matched {
					continue
				}
				if rule.Weight < inf.minConfidence {
					continue
				}

				pairKey := source.Name + "\x00" + target.Name
				if perPairCount[pairKey] >= inf.maxRelationshipsPerPair {
					continue
				}

				key := pairKey + "\x00" + string(rule.Type)
				rel := Relationship{
					SourceName: source.Name, SourceType: source.Type,
					TargetName: target.Name, TargetType: target.Type,
					Type: rule.Type, Weight: rule.Weight,
				}
				if existing, ok := best[key]; !ok {
					best[key] = rel
					perPairCount[pairKey]++
				} else if rel.Weight > existing.Weight {
					best[key] = rel
				}
			}
		}
	}

	rels := make([]Relationship, 0, len(best))
	for _, r := range best {
		rels = append(rels, r)
	}
	sort.SliceStable(rels, func(i, j int) bool {
		if rels[i].Weight != rels[j].Weight {
			return rels[i].Weight > rels[j].Weight
		}
		return rels[i].SourceName+rels[i].TargetName < rels[j].SourceName+rels[j].TargetName
	})
	return rels
}

func typeMatches(allowed []extractor.EntityType, t extractor.EntityType) bool {
	if allowed == nil {
		return true
	}
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

// ContextWindow joins consecutive text fragments into a single window for
// co-location matching (e.g. a session event's content plus its
// surrounding entries).
func ContextWindow(fragments ...string) string {
	return strings.Join(fragments, " ")
}
