package scoring

import (
	"context"

	"go.uber.org/zap"

	"github.com/ehdc-er/entityresolution/internal/er/record"
	"github.com/ehdc-er/entityresolution/internal/er/similarity"
	"github.com/ehdc-er/entityresolution/internal/er/store"
)

// FieldComparator names the comparator to use for one field alongside
// its Fellegi-Sunter weight.
type FieldComparator struct {
	Comparator similarity.Comparator
	Weight     similarity.FieldWeight
}

// Config wires together the aggregator thresholds, per-field
// comparators, and the optional enrichment hooks.
type Config struct {
	FieldComparators map[string]FieldComparator
	UpperThreshold   float64
	LowerThreshold   float64
	BatchSize        int
	DropNonMatch     bool

	TypeFilter *TypeCompatibility
	Acronym    *AcronymExpander
	Context    *ContextResolver
}

// Result is the outcome of scoring one batch of candidate pairs.
type Result struct {
	Scored         []record.ScoredPair
	MissingCount   int
	Processed      int
	Dropped        int // non-match pairs dropped by DropNonMatch
	FilteredByType int
}

// Engine scores candidate pairs in batches, hydrating records from a
// store.Store in bulk per batch — never per pair — per spec.md §4.1's
// N+1 fix applied to the scoring stage as well as blocking.
type Engine struct {
	Store store.Store
	Log   *zap.SugaredLogger
	Cfg   Config
}

// ScoreBatch scores one batch of pairs against the given collection,
// applying the fixed hook order: type-compatibility filter first (can
// short-circuit before any comparator runs), then acronym expansion
// (folded into the per-field comparator calls), then context blending
// (applied to the already-aggregated normalized score).
func (e *Engine) ScoreBatch(ctx context.Context, collection string, pairs []record.Pair) (Result, error) {
	var res Result

	ids := make(map[string]bool, len(pairs)*2)
	for _, p := range pairs {
		ids[p.IDA] = true
		ids[p.IDB] = true
	}
	idList := make([]string, 0, len(ids))
	for id := range ids {
		idList = append(idList, id)
	}

	records, missing, err := e.Store.GetMany(ctx, collection, idList)
	if err != nil {
		return res, err
	}
	res.MissingCount = len(missing)

	aggCfg := similarity.AggregatorConfig{
		FieldWeights:   make(map[string]similarity.FieldWeight, len(e.Cfg.FieldComparators)),
		UpperThreshold: e.Cfg.UpperThreshold,
		LowerThreshold: e.Cfg.LowerThreshold,
	}
	for field, fc := range e.Cfg.FieldComparators {
		aggCfg.FieldWeights[field] = fc.Weight
	}

	for _, pair := range pairs {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		recA, okA := records[pair.IDA]
		recB, okB := records[pair.IDB]
		if !okA || !okB {
			continue
		}
		res.Processed++

		if e.Cfg.TypeFilter != nil && !e.Cfg.TypeFilter.Allows(recA, recB) {
			res.FilteredByType++
			continue
		}

		sims := make(map[string]float64, len(e.Cfg.FieldComparators))
		for field, fc := range e.Cfg.FieldComparators {
			if e.Cfg.Acronym != nil && e.Cfg.Acronym.Field == field {
				sims[field] = e.Cfg.Acronym.BestSimilarity(fc.Comparator, recA, recB)
				continue
			}
			av, _ := recA.Field(field).AsString()
			bv, _ := recB.Field(field).AsString()
			sims[field] = fc.Comparator(av, bv)
		}

		raw, normalized, decision, confidence, fieldScores := similarity.Aggregate(sims, aggCfg)

		if e.Cfg.Context != nil {
			normalized = e.Cfg.Context.Blend(normalized, recA, recB)
		}

		if e.Cfg.DropNonMatch && decision == record.DecisionNonMatch {
			res.Dropped++
			continue
		}

		simMap := make(map[string]float64, len(fieldScores))
		for f, fs := range fieldScores {
			simMap[f] = fs.Similarity
		}

		res.Scored = append(res.Scored, record.ScoredPair{
			Pair:            pair,
			RawScore:        raw,
			NormalizedScore: normalized,
			Decision:        decision,
			Confidence:      confidence,
			FieldSimilarity: simMap,
		})
	}

	return res, nil
}

// ScoreAll drives ScoreBatch over pairs in configured batches.
func (e *Engine) ScoreAll(ctx context.Context, collection string, pairs []record.Pair) (Result, error) {
	batchSize := e.Cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 2000
	}

	var total Result
	for start := 0; start < len(pairs); start += batchSize {
		end := start + batchSize
		if end > len(pairs) {
			end = len(pairs)
		}
		batchRes, err := e.ScoreBatch(ctx, collection, pairs[start:end])
		if err != nil {
			return total, err
		}
		total.Scored = append(total.Scored, batchRes.Scored...)
		total.MissingCount += batchRes.MissingCount
		total.Processed += batchRes.Processed
		total.Dropped += batchRes.Dropped
		total.FilteredByType += batchRes.FilteredByType
	}
	return total, nil
}
