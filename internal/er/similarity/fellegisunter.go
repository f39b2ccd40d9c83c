package similarity

import (
	"math"

	"github.com/ehdc-er/entityresolution/internal/er/record"
)

// FieldWeight holds one field-comparator's Fellegi-Sunter parameters.
// m_prob/u_prob are the probabilities of agreement given a true
// match/non-match respectively.
type FieldWeight struct {
	MProb      float64
	UProb      float64
	Threshold  float64
	Importance float64
}

// clampProb clamps a probability into [0.001, 0.999] to avoid taking
// log(0) or dividing by zero, per spec.md §4.2.
func clampProb(p float64) float64 {
	if p < 0.001 {
		return 0.001
	}
	if p > 0.999 {
		return 0.999
	}
	return p
}

// AggregatorConfig carries the global decision thresholds alongside the
// per-field weight table.
type AggregatorConfig struct {
	FieldWeights   map[string]FieldWeight
	UpperThreshold float64
	LowerThreshold float64
}

// FieldScore is the per-field detail computed while aggregating, useful
// for explainability (analogous to the teacher's Scorer.GetExplanation).
type FieldScore struct {
	Similarity float64
	Agreement  bool
	Weight     float64
	Importance float64
}

// Aggregate computes the Fellegi-Sunter score for one field-similarity
// vector. It is pure: identical inputs always produce identical outputs
// (spec.md §8 "Scoring determinism"), and never mutates cfg.
func Aggregate(sims map[string]float64, cfg AggregatorConfig) (raw, normalized float64, decision record.Decision, confidence float64, fields map[string]FieldScore) {
	fields = make(map[string]FieldScore, len(sims))

	var total, totalWeight float64
	for field, simValue := range sims {
		w, ok := cfg.FieldWeights[field]
		if !ok {
			continue
		}

		agree := simValue >= w.Threshold
		mProb := clampProb(w.MProb)
		uProb := clampProb(w.UProb)

		var weight float64
		if agree {
			weight = math.Log(mProb / uProb)
		} else {
			weight = math.Log((1 - mProb) / (1 - uProb))
		}

		importance := w.Importance
		if importance == 0 {
			importance = 1.0
		}

		weighted := weight * importance
		total += weighted
		totalWeight += importance

		fields[field] = FieldScore{
			Similarity: simValue,
			Agreement:  agree,
			Weight:     weight,
			Importance: importance,
		}
	}

	raw = total
	if totalWeight > 0 {
		normalized = total / totalWeight
	}

	upper, lower := cfg.UpperThreshold, cfg.LowerThreshold

	isMatch := total > upper
	isPossible := total > lower && total <= upper

	switch {
	case isMatch:
		decision = record.DecisionMatch
		confidence = math.Min(0.5+(total-upper)/(math.Abs(upper)*2+1e-9), 1.0)
	case isPossible:
		decision = record.DecisionPossibleMatch
		span := upper - lower
		if span == 0 {
			span = 1
		}
		confidence = 0.3 + 0.4*(total-lower)/span
	default:
		decision = record.DecisionNonMatch
		if lower != 0 {
			confidence = math.Max(0.1*(total-lower)/math.Abs(lower), 0.0)
		}
	}

	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return raw, normalized, decision, confidence, fields
}
