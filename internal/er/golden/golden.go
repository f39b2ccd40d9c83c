// Package golden implements the Golden Record Builder (C7): per-field
// fusion across a cluster's members, field provenance, data-quality and
// confidence scoring, grounded on
// original_source/src/entity_resolution/core/entity_resolver.py's
// pipeline result shaping and the teacher's internal/engine/exporter.go
// record-serialization idiom, generalized into golden-record fusion.
package golden

import (
	"sort"

	"github.com/ehdc-er/entityresolution/internal/er/record"
	"github.com/ehdc-er/entityresolution/internal/er/value"
)

// Rule names one of the fusion strategies a field can use.
type Rule string

const (
	RuleCompletenessWinner Rule = "completeness_winner"
	RuleMostFrequent       Rule = "most_frequent"
	RuleLongestNonNull     Rule = "longest_non_null"
	RulePriorityList       Rule = "priority_list"
)

// FieldRule configures how one field is fused.
type FieldRule struct {
	Rule     Rule
	Priority []string // source collection names, highest priority first; RulePriorityList only
}

// Config controls golden-record construction for one run.
type Config struct {
	DefaultRule Rule                 // applied to any field without an explicit FieldRule
	FieldRules  map[string]FieldRule // per-field overrides
}

func (c Config) ruleFor(field string) FieldRule {
	if fr, ok := c.FieldRules[field]; ok {
		return fr
	}
	def := c.DefaultRule
	if def == "" {
		def = RuleCompletenessWinner
	}
	return FieldRule{Rule: def}
}

// Builder fuses cluster members into golden records.
type Builder struct {
	Cfg Config
}

// Build produces one Golden record per cluster. members must contain
// every record.Record named in cluster.MemberIDs; pairwiseConfidence
// supplies the mean cluster confidence (typically computed by the
// caller from the scored pairs that produced the cluster's edges).
func (b *Builder) Build(cluster record.Cluster, members []record.Record, pairwiseConfidence float64) record.Golden {
	fieldNames := collectFieldNames(members)

	fields := make(map[string]value.Value, len(fieldNames))
	provenance := make(map[string]record.FieldProvenance, len(fieldNames))

	var populated int
	for _, field := range fieldNames {
		rule := b.Cfg.ruleFor(field)
		val, sourceID, alternatives := fuseField(field, rule, members)
		fields[field] = val
		provenance[field] = record.FieldProvenance{
			SourceMemberID:         sourceID,
			Rule:                   string(rule.Rule),
			AlternativesConsidered: alternatives,
		}
		if !val.IsNull() {
			populated++
		}
	}

	var quality float64
	if len(fieldNames) > 0 {
		quality = float64(populated) / float64(len(fieldNames))
	}

	return record.Golden{
		ID:               "golden_" + cluster.ID,
		ClusterID:        cluster.ID,
		MemberIDs:        append([]string(nil), cluster.MemberIDs...),
		Fields:           fields,
		Provenance:       provenance,
		DataQualityScore: quality,
		ConfidenceScore:  pairwiseConfidence,
	}
}

func collectFieldNames(members []record.Record) []string {
	seen := make(map[string]bool)
	for _, m := range members {
		for f := range m.Fields {
			seen[f] = true
		}
	}
	names := make([]string, 0, len(seen))
	for f := range seen {
		names = append(names, f)
	}
	sort.Strings(names)
	return names
}

// fuseField applies rule to field across members, returning the chosen
// value, the winning member's id, and the alternative values that were
// considered but not chosen (for provenance).
func fuseField(field string, rule FieldRule, members []record.Record) (value.Value, string, []string) {
	type candidate struct {
		memberID string
		val      value.Value
		str      string
	}

	var candidates []candidate
	for _, m := range members {
		v := m.Field(field)
		if v.IsNull() {
			continue
		}
		s, _ := v.AsString()
		candidates = append(candidates, candidate{memberID: m.ID, val: v, str: s})
	}
	if len(candidates) == 0 {
		return value.Null(), "", nil
	}

	alternatives := make([]string, 0, len(candidates))
	for _, c := range candidates {
		alternatives = append(alternatives, c.str)
	}

	switch rule.Rule {
	case RuleLongestNonNull:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if len(c.str) > len(best.str) || (len(c.str) == len(best.str) && c.memberID < best.memberID) {
				best = c
			}
		}
		return best.val, best.memberID, alternatives

	case RuleMostFrequent:
		counts := make(map[string]int)
		firstSeen := make(map[string]candidate)
		for _, c := range candidates {
			counts[c.str]++
			if _, ok := firstSeen[c.str]; !ok {
				firstSeen[c.str] = c
			}
		}
		var bestStr string
		bestCount := -1
		for s, n := range counts {
			c := firstSeen[s]
			if n > bestCount || (n == bestCount && c.memberID < firstSeen[bestStr].memberID) {
				bestCount = n
				bestStr = s
			}
		}
		winner := firstSeen[bestStr]
		return winner.val, winner.memberID, alternatives

	case RulePriorityList:
		for _, collection := range rule.Priority {
			for _, m := range members {
				if m.Collection != collection {
					continue
				}
				v := m.Field(field)
				if !v.IsNull() {
					return v, m.ID, alternatives
				}
			}
		}
		// no priority match; fall through to completeness winner
		fallthrough

	default: // RuleCompletenessWinner
		best := candidates[0]
		bestScore := completeness(membersByID(members, best.memberID))
		for _, c := range candidates[1:] {
			score := completeness(membersByID(members, c.memberID))
			if score > bestScore || (score == bestScore && c.memberID < best.memberID) {
				best = c
				bestScore = score
			}
		}
		return best.val, best.memberID, alternatives
	}
}

func membersByID(members []record.Record, id string) record.Record {
	for _, m := range members {
		if m.ID == id {
			return m
		}
	}
	return record.Record{}
}

// completeness is the fraction of non-null fields in r, the score the
// completeness_winner rule maximizes (ties go to the smallest member id).
func completeness(r record.Record) float64 {
	if len(r.Fields) == 0 {
		return 0
	}
	var populated int
	for _, v := range r.Fields {
		if !v.IsNull() {
			populated++
		}
	}
	return float64(populated) / float64(len(r.Fields))
}
