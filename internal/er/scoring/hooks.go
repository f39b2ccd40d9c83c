// Package scoring implements the batch candidate-pair scoring engine of
// spec.md §4.2/§4.4 (C4): bulk record hydration via the store, per-pair
// Fellegi-Sunter aggregation, and three pluggable enrichment hooks
// applied in the fixed order decided in SPEC_FULL.md §9: type
// compatibility filter, then acronym expansion, then hierarchical
// context blending.
package scoring

import (
	"regexp"
	"strings"

	"github.com/ehdc-er/entityresolution/internal/er/record"
)

// TypeCompatibility filters a pair before scoring based on a
// configured type-adjacency matrix, grounded on
// original_source/enrichments/type_constraints.py's
// TypeCompatibilityFilter.is_compatible.
type TypeCompatibility struct {
	TypeField          string
	Compatibility      map[string]map[string]bool
	StrictMode         bool
	UnknownTypeLabel   string
}

// Allows reports whether a and b are compatible types. Unknown types
// are allowed unless StrictMode is set, matching the Python default.
func (t TypeCompatibility) Allows(a, b record.Record) bool {
	if t.TypeField == "" || len(t.Compatibility) == 0 {
		return true
	}
	unknown := t.UnknownTypeLabel
	if unknown == "" {
		unknown = "UNKNOWN"
	}

	ta, _ := a.Field(t.TypeField).AsString()
	tb, _ := b.Field(t.TypeField).AsString()
	if ta == "" {
		ta = unknown
	}
	if tb == "" {
		tb = unknown
	}
	if (ta == unknown || tb == unknown) && !t.StrictMode {
		return true
	}

	allowed, ok := t.Compatibility[ta]
	if !ok {
		return !t.StrictMode
	}
	return allowed[tb]
}

// AcronymExpander expands known acronyms in a field's value into
// alternate forms before comparators run, so "ESR" and "Exception
// Status Register" can still agree. Grounded on
// original_source/enrichments/acronym_handler.py's
// AcronymExpansionHandler.expand_search_terms ('union' strategy: the
// best similarity across any (expanded-or-not) form wins).
type AcronymExpander struct {
	Field        string
	Dictionary   map[string][]string // acronym (uppercase) -> expansions
	CaseSensitive bool
}

// ExpandTerms returns the original value plus any known expansions,
// mirroring expand_search_terms's returned list (acronym first, then
// its expansions).
func (a AcronymExpander) ExpandTerms(value string) []string {
	if value == "" {
		return nil
	}
	key := value
	if !a.CaseSensitive {
		key = strings.ToUpper(value)
	}
	expansions, ok := a.Dictionary[key]
	if !ok {
		return []string{value}
	}
	out := make([]string, 0, len(expansions)+1)
	out = append(out, value)
	out = append(out, expansions...)
	return out
}

// BestSimilarity evaluates cmp across every combination of expanded
// terms for a and b's Field values, returning the maximum — the 'union'
// expansion strategy applied to a single comparator rather than a
// search-result set.
func (a AcronymExpander) BestSimilarity(cmp func(x, y string) float64, recA, recB record.Record) float64 {
	av, _ := recA.Field(a.Field).AsString()
	bv, _ := recB.Field(a.Field).AsString()

	aTerms := a.ExpandTerms(av)
	bTerms := a.ExpandTerms(bv)
	if len(aTerms) == 0 {
		aTerms = []string{av}
	}
	if len(bTerms) == 0 {
		bTerms = []string{bv}
	}

	best := 0.0
	for _, x := range aTerms {
		for _, y := range bTerms {
			if s := cmp(x, y); s > best {
				best = s
			}
		}
	}
	return best
}

var wordPattern = regexp.MustCompile(`\w+`)

// ContextResolver blends a parent-context token-overlap score into the
// already-aggregated normalized similarity score, grounded on
// original_source/enrichments/context_resolver.py's
// HierarchicalContextResolver.
type ContextResolver struct {
	ContextField  string
	ContextWeight float64 // weight given to context overlap; base gets 1-ContextWeight
	StopWords     map[string]bool
}

func defaultStopWords() map[string]bool {
	words := []string{"the", "a", "an", "of", "in", "on", "at", "to", "for", "and", "or",
		"is", "are", "was", "were", "this", "that", "these", "those", "it", "its", "they", "them", "their"}
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}

// TokenOverlap computes the Jaccard similarity (|intersection| /
// |union|) of two texts' token sets after stop-word removal; the
// tokenizing and stop-word list follow calculate_token_overlap.
func (c ContextResolver) TokenOverlap(text1, text2 string) float64 {
	if text1 == "" || text2 == "" {
		return 0.0
	}
	stop := c.StopWords
	if stop == nil {
		stop = defaultStopWords()
	}

	t1 := tokenSet(text1, stop)
	t2 := tokenSet(text2, stop)
	if len(t1) == 0 || len(t2) == 0 {
		return 0.0
	}

	inter := 0
	for w := range t1 {
		if t2[w] {
			inter++
		}
	}
	union := len(t1) + len(t2) - inter
	if union == 0 {
		return 0.0
	}
	return float64(inter) / float64(union)
}

func tokenSet(text string, stop map[string]bool) map[string]bool {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]bool, len(words))
	for _, w := range words {
		if !stop[w] {
			set[w] = true
		}
	}
	return set
}

// Blend combines a base normalized score with this resolver's context
// overlap, weighted by ContextWeight.
func (c ContextResolver) Blend(baseScore float64, recA, recB record.Record) float64 {
	if c.ContextField == "" || c.ContextWeight <= 0 {
		return baseScore
	}
	ca, _ := recA.Field(c.ContextField).AsString()
	cb, _ := recB.Field(c.ContextField).AsString()
	overlap := c.TokenOverlap(ca, cb)

	baseWeight := 1.0 - c.ContextWeight
	return baseWeight*baseScore + c.ContextWeight*overlap
}
