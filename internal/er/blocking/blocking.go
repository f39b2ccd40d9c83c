// Package blocking implements the candidate-pair generation strategies
// of spec.md §4.1 (C3). The multi-tier composition — run several cheap
// strategies, tag each candidate with the strategies that found it, then
// merge — is grounded directly on the teacher's
// internal/match/generator.go Generate method (Tier A deterministic,
// Tier B fuzzy, each stage appending to a shared candidate slice and
// recording its method in cand.Methods). Strategy internals are ported
// from original_source/services/blocking_service.py's
// _exact_blocking/_ngram_blocking/_phonetic_blocking/
// _sorted_neighborhood_blocking, generalized from the Python service's
// fixed email/phone/name fields to the spec's configurable field list.
package blocking

import (
	"context"
	"sort"
	"strings"

	"github.com/ehdc-er/entityresolution/internal/er/record"
)

// Strategy generates candidate pairs for one record against a
// collection. Implementations never compare a record against itself.
type Strategy interface {
	Name() string
	// Generate returns candidate pairs for target, plus the number of
	// oversized blocks this call discarded entirely (spec.md's "blocks
	// exceeding max_block_size are discarded, not sampled" requirement —
	// an oversized block never contributes partial/truncated pairs).
	Generate(ctx context.Context, target record.Record, pool []record.Record) (pairs []record.Pair, skippedOversized int, err error)
}

// Stats reports the effectiveness of a blocking pass, per spec.md §4.1's
// "reduction ratio" requirement.
type Stats struct {
	TotalRecords      int
	NaivePairs        int // n*(n-1)/2 if every record were compared to every other
	CandidatePairs    int
	ReductionRatio    float64
	SkippedOversized  int // blocks exceeding MaxBlockSize that were dropped
	PerStrategyCounts map[string]int
}

// Engine runs a configured set of strategies over a pool of records and
// merges their output into a deduplicated candidate set with
// provenance, per spec.md §4.1's cross-strategy dedup property (a pair
// found by two strategies appears once, with both strategy names
// recorded).
type Engine struct {
	strategies     []Strategy
	limitPerEntity int
}

// New builds an Engine from a list of configured strategies.
// limitPerEntity caps how many candidate pairs survive per target
// record after merging, protecting downstream scoring from a single
// runaway block.
func New(strategies []Strategy, limitPerEntity int) *Engine {
	if limitPerEntity <= 0 {
		limitPerEntity = 50
	}
	return &Engine{strategies: strategies, limitPerEntity: limitPerEntity}
}

// GenerateAll runs every configured strategy for each target record
// against pool, merges and deduplicates the results, and reports
// aggregate stats.
func (e *Engine) GenerateAll(ctx context.Context, targets, pool []record.Record) ([]record.Pair, Stats, error) {
	stats := Stats{
		TotalRecords:      len(pool),
		PerStrategyCounts: make(map[string]int),
	}
	if n := len(pool); n > 1 {
		stats.NaivePairs = n * (n - 1) / 2
	}

	merged := make(map[string]record.Pair)

	for _, target := range targets {
		for _, strat := range e.strategies {
			pairs, skipped, err := strat.Generate(ctx, target, pool)
			if err != nil {
				return nil, stats, err
			}
			stats.SkippedOversized += skipped
			stats.PerStrategyCounts[strat.Name()] += len(pairs)
			mergeInto(merged, pairs, strat.Name())
		}
	}

	out := capPerEntity(merged, e.limitPerEntity)

	stats.CandidatePairs = len(out)
	if stats.NaivePairs > 0 {
		stats.ReductionRatio = 1.0 - float64(stats.CandidatePairs)/float64(stats.NaivePairs)
	}

	return out, stats, nil
}

// mergeInto folds newPairs into acc, merging the Strategies list for
// pairs already present under a different strategy's key.
func mergeInto(acc map[string]record.Pair, newPairs []record.Pair, strategyName string) {
	for _, p := range newPairs {
		key := p.Key()
		existing, ok := acc[key]
		if !ok {
			acc[key] = p
			continue
		}
		if !containsString(existing.Strategies, strategyName) {
			existing.Strategies = append(existing.Strategies, strategyName)
			acc[key] = existing
		}
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// capPerEntity limits how many pairs touch any single record id,
// keeping the pairs whose Strategies list is longest (most corroborated)
// first, a deterministic tie-break by pair key second.
func capPerEntity(acc map[string]record.Pair, limit int) []record.Pair {
	all := make([]record.Pair, 0, len(acc))
	for _, p := range acc {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		if len(all[i].Strategies) != len(all[j].Strategies) {
			return len(all[i].Strategies) > len(all[j].Strategies)
		}
		return all[i].Key() < all[j].Key()
	})

	perEntity := make(map[string]int)
	var out []record.Pair
	for _, p := range all {
		if perEntity[p.IDA] >= limit || perEntity[p.IDB] >= limit {
			continue
		}
		out = append(out, p)
		perEntity[p.IDA]++
		perEntity[p.IDB]++
	}
	return out
}

func fieldString(r record.Record, field string) string {
	s, _ := r.Field(field).AsString()
	return s
}

func upperPrefix(s string, n int) string {
	s = strings.ToUpper(s)
	r := []rune(s)
	if len(r) < n {
		return ""
	}
	return string(r[:n])
}

// pairsAgainst builds Pair values from target to every id in matches,
// skipping target's own id. A block larger than maxBlockSize is
// discarded outright (returns no pairs, skipped=1) rather than sampled
// down to maxBlockSize, per spec.md's oversized-block requirement.
func pairsAgainst(target record.Record, matches []string, strategy string, maxBlockSize int) (out []record.Pair, skipped int) {
	if maxBlockSize > 0 && len(matches) > maxBlockSize {
		return nil, 1
	}
	out = make([]record.Pair, 0, len(matches))
	for _, id := range matches {
		if id == target.ID {
			continue
		}
		out = append(out, record.NewPair(target.ID, id, strategy))
	}
	return out, 0
}
