package blocking

import (
	"context"
	"sort"

	"github.com/ehdc-er/entityresolution/internal/er/phonetics"
	"github.com/ehdc-er/entityresolution/internal/er/record"
)

// ExactField blocks on exact equality of one or more fields: any shared
// non-empty value on any listed field makes two records candidates.
// Grounded on blocking_service.py's _exact_blocking (email/phone exact
// match), generalized from a fixed field pair to a configurable list.
type ExactField struct {
	Fields       []string
	MaxBlockSize int
}

func (s ExactField) Name() string { return "exact:" + joinFields(s.Fields) }

func (s ExactField) Generate(ctx context.Context, target record.Record, pool []record.Record) ([]record.Pair, int, error) {
	var matches []string
	for _, f := range s.Fields {
		tv := fieldString(target, f)
		if tv == "" {
			continue
		}
		for _, cand := range pool {
			if cand.ID == target.ID {
				continue
			}
			if fieldString(cand, f) == tv {
				matches = append(matches, cand.ID)
			}
		}
	}
	pairs, skipped := pairsAgainst(target, dedupStrings(matches), s.Name(), s.MaxBlockSize)
	return pairs, skipped, nil
}

// CompositeKey blocks on the concatenation of several fields, e.g.
// last_name+first_initial — the teacher's generator.go has no direct
// analogue since addresses don't compose this way, so this strategy is
// grounded on blocking_service.py's "last_name + first initial" exact
// blocking clause, generalized to an arbitrary ordered field list with a
// per-field prefix length (0 means whole-value).
type CompositeKey struct {
	Fields       []string
	PrefixLens   map[string]int
	MaxBlockSize int
}

func (s CompositeKey) Name() string { return "composite:" + joinFields(s.Fields) }

func (s CompositeKey) key(r record.Record) string {
	var b []byte
	for _, f := range s.Fields {
		v := fieldString(r, f)
		if n, ok := s.PrefixLens[f]; ok && n > 0 {
			v = upperPrefix(v, n)
		}
		b = append(b, []byte(v)...)
		b = append(b, 0)
	}
	return string(b)
}

func (s CompositeKey) Generate(ctx context.Context, target record.Record, pool []record.Record) ([]record.Pair, int, error) {
	key := s.key(target)
	if key == "" || allEmptyKey(key, len(s.Fields)) {
		return nil, 0, nil
	}
	var matches []string
	for _, cand := range pool {
		if cand.ID == target.ID {
			continue
		}
		if s.key(cand) == key {
			matches = append(matches, cand.ID)
		}
	}
	pairs, skipped := pairsAgainst(target, matches, s.Name(), s.MaxBlockSize)
	return pairs, skipped, nil
}

func allEmptyKey(key string, numFields int) bool {
	expected := make([]byte, numFields)
	return key == string(expected)
}

// Phonetic blocks on Soundex equality of one or more name-like fields.
// Grounded on blocking_service.py's _phonetic_blocking (SOUNDEX(doc.
// first_name)/SOUNDEX(doc.last_name)).
type Phonetic struct {
	Fields       []string
	MaxBlockSize int
}

func (s Phonetic) Name() string { return "phonetic:" + joinFields(s.Fields) }

func (s Phonetic) Generate(ctx context.Context, target record.Record, pool []record.Record) ([]record.Pair, int, error) {
	var matches []string
	for _, f := range s.Fields {
		tv := fieldString(target, f)
		code := phonetics.Soundex(tv)
		if tv == "" || code == "0000" {
			continue
		}
		for _, cand := range pool {
			if cand.ID == target.ID {
				continue
			}
			if phonetics.Soundex(fieldString(cand, f)) == code {
				matches = append(matches, cand.ID)
			}
		}
	}
	pairs, skipped := pairsAgainst(target, dedupStrings(matches), s.Name(), s.MaxBlockSize)
	return pairs, skipped, nil
}

// NGramPrefix blocks on a shared n-character uppercase prefix of a
// field, the teacher-independent fallback for "n-gram blocking" that
// original_source's _ngram_blocking actually implements (a 3-character
// prefix match, despite the name) when no trigram-capable index is
// available.
type NGramPrefix struct {
	Field        string
	PrefixLen    int
	MaxBlockSize int
}

func (s NGramPrefix) Name() string { return "ngram:" + s.Field }

func (s NGramPrefix) Generate(ctx context.Context, target record.Record, pool []record.Record) ([]record.Pair, int, error) {
	n := s.PrefixLen
	if n <= 0 {
		n = 3
	}
	prefix := upperPrefix(fieldString(target, s.Field), n)
	if prefix == "" {
		return nil, 0, nil
	}
	var matches []string
	for _, cand := range pool {
		if cand.ID == target.ID {
			continue
		}
		if upperPrefix(fieldString(cand, s.Field), n) == prefix {
			matches = append(matches, cand.ID)
		}
	}
	pairs, skipped := pairsAgainst(target, matches, s.Name(), s.MaxBlockSize)
	return pairs, skipped, nil
}

// SortedNeighborhood pairs target with the WindowSize pool records whose
// composed sort key (the listed fields concatenated) is closest in
// length to target's, per blocking_service.py's
// _sorted_neighborhood_blocking. Records at equal length distance keep
// their sort-key order.
type SortedNeighborhood struct {
	Fields     []string
	WindowSize int
}

func (s SortedNeighborhood) Name() string { return "sorted_neighborhood:" + joinFields(s.Fields) }

func (s SortedNeighborhood) sortKey(r record.Record) string {
	key := ""
	for _, f := range s.Fields {
		key += fieldString(r, f)
	}
	return key
}

func (s SortedNeighborhood) Generate(ctx context.Context, target record.Record, pool []record.Record) ([]record.Pair, int, error) {
	window := s.WindowSize
	if window <= 0 {
		window = 10
	}
	targetKey := s.sortKey(target)
	if targetKey == "" {
		return nil, 0, nil
	}

	type keyed struct {
		id  string
		key string
	}
	var keys []keyed
	for _, cand := range pool {
		if cand.ID == target.ID {
			continue
		}
		k := s.sortKey(cand)
		if k == "" {
			continue
		}
		keys = append(keys, keyed{cand.ID, k})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].key < keys[j].key })

	type scored struct {
		id       string
		distance int
	}
	scoredKeys := make([]scored, len(keys))
	for i, k := range keys {
		scoredKeys[i] = scored{k.id, absInt(len(k.key) - len(targetKey))}
	}
	sort.SliceStable(scoredKeys, func(i, j int) bool { return scoredKeys[i].distance < scoredKeys[j].distance })

	if len(scoredKeys) > window {
		scoredKeys = scoredKeys[:window]
	}
	matches := make([]string, len(scoredKeys))
	for i, k := range scoredKeys {
		matches[i] = k.id
	}
	pairs, skipped := pairsAgainst(target, matches, s.Name(), 0)
	return pairs, skipped, nil
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func joinFields(fields []string) string {
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += "+"
		}
		out += f
	}
	return out
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// gateFieldCheck is used by the vector/LSH strategies below to apply an
// optional cheap equality pre-filter (e.g. entity_type) before the more
// expensive vector comparison, per spec.md §4.1's "gate field" config
// option.
func gateFieldCheck(target, cand record.Record, gateField string) bool {
	if gateField == "" {
		return true
	}
	return fieldString(target, gateField) == fieldString(cand, gateField)
}
