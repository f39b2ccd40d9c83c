// Package pipeline implements the Pipeline Orchestrator (C8): it wires
// blocking -> scoring -> graph -> clustering -> golden-record fusion
// behind a single config object, times each stage independently, and
// returns a structured report. Grounded on
// original_source/core/entity_resolver.py's run_entity_resolution
// (per-stage timing, a stage failure short-circuits the remaining
// stages and returns a partial result) and the teacher's
// internal/matcher/engine_hybrid.go's ProcessDocument (a fixed sequence
// of named, timed stages producing one structured result).
package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ehdc-er/entityresolution/internal/er/blocking"
	"github.com/ehdc-er/entityresolution/internal/er/cluster"
	"github.com/ehdc-er/entityresolution/internal/er/erconfig"
	"github.com/ehdc-er/entityresolution/internal/er/ermetrics"
	"github.com/ehdc-er/entityresolution/internal/er/errs"
	"github.com/ehdc-er/entityresolution/internal/er/golden"
	"github.com/ehdc-er/entityresolution/internal/er/graph"
	"github.com/ehdc-er/entityresolution/internal/er/record"
	"github.com/ehdc-er/entityresolution/internal/er/scoring"
	"github.com/ehdc-er/entityresolution/internal/er/store"
)

// StageTiming records one stage's wall-clock duration.
type StageTiming struct {
	Stage    string
	Duration time.Duration
}

// Report is the structured result of one pipeline run, returned even
// when a stage fails partway (partial report, per spec.md §5's
// cancellation/timeout contract).
type Report struct {
	Collection      string
	InputRecords    int
	CandidatePairs  int
	ScoredPairs     int
	EdgesWritten    int
	Clusters        int
	GoldenRecords   int
	Timings         []StageTiming
	BlockingStats   blocking.Stats
	GraphStats      graph.Stats
	ClusterStats    cluster.Stats
	ReductionRatio  float64
	CandidatesPerSec float64
	ClustersPerSec   float64
	AvgClusterSize   float64
	GoldenQualityAvg float64
	Err             error // set when a stage failed; report is partial
}

// Orchestrator wires the stage engines together according to a loaded
// erconfig.Config.
type Orchestrator struct {
	Store   store.Store
	Log     *zap.SugaredLogger
	Metrics *ermetrics.Registry
	Cfg     *erconfig.Config

	Strategies []blocking.Strategy
	FieldComparators map[string]scoring.FieldComparator
	TypeFilter *scoring.TypeCompatibility
	Acronym    *scoring.AcronymExpander
	ContextResolver *scoring.ContextResolver
}

func (o *Orchestrator) logger() *zap.SugaredLogger {
	if o.Log != nil {
		return o.Log
	}
	return zap.NewNop().Sugar()
}

// Run executes the full pipeline over records, in the fixed stage order
// C3 -> C4 -> C5 -> C6 -> C7. Each stage's timing is recorded
// independently; a stage error aborts remaining stages and returns a
// partial Report with Err set, never a silently truncated one.
func (o *Orchestrator) Run(ctx context.Context, records []record.Record) (Report, error) {
	report := Report{Collection: o.Cfg.CollectionName, InputRecords: len(records)}
	log := o.logger()

	if len(records) == 0 {
		return report, nil
	}

	// Stage C3: blocking
	blockEngine := blocking.New(o.Strategies, o.blockingLimitPerEntity())
	pairs, blockStats, err := o.timedBlocking(ctx, blockEngine, records, &report)
	if err != nil {
		report.Err = err
		return report, err
	}
	report.BlockingStats = blockStats
	report.CandidatePairs = len(pairs)
	report.ReductionRatio = blockStats.ReductionRatio

	// Stage C4: scoring
	scoreEngine := &scoring.Engine{Store: o.Store, Log: o.Log, Cfg: scoring.Config{
		FieldComparators: o.FieldComparators,
		UpperThreshold:   o.Cfg.Similarity.UpperThreshold,
		LowerThreshold:   o.Cfg.Similarity.LowerThreshold,
		BatchSize:        o.Cfg.Similarity.BatchSize,
		DropNonMatch:     o.Cfg.Similarity.DropNonMatch,
		TypeFilter:       o.TypeFilter,
		Acronym:          o.Acronym,
		Context:          o.ContextResolver,
	}}
	scoreResult, err := o.timedScoring(ctx, scoreEngine, o.Cfg.CollectionName, pairs, &report)
	if err != nil {
		report.Err = err
		return report, err
	}
	report.ScoredPairs = len(scoreResult.Scored)

	// Stage C5: graph
	graphBuilder := &graph.Builder{Store: o.Store, Log: o.Log, Cfg: graph.Config{
		EdgeThreshold: o.Cfg.Similarity.EdgeThreshold,
		PreferBulk:    o.Cfg.EdgeLoadingMethod == "bulk_import",
	}}
	graphStats, err := o.timedGraph(ctx, graphBuilder, o.Cfg.EdgeCollection, scoreResult.Scored, &report)
	if err != nil {
		report.Err = err
		return report, err
	}
	report.GraphStats = graphStats
	report.EdgesWritten = graphStats.EdgesWritten

	// Stage C6: clustering
	clusterEngine := &cluster.Engine{Store: o.Store, Log: o.Log, Cfg: cluster.Config{
		MinClusterSize: o.Cfg.Clustering.MinClusterSize,
		MaxClusterSize: o.Cfg.Clustering.MaxClusterSize,
		MaxEdges:       o.Cfg.Clustering.MaxEdgesFetch,
		WarnEdges:      o.Cfg.Clustering.WarnEdges,
	}}
	clusters, clusterStats, err := o.timedClustering(ctx, clusterEngine, o.Cfg.EdgeCollection, &report)
	if err != nil {
		report.Err = err
		return report, err
	}
	report.ClusterStats = clusterStats
	report.Clusters = len(clusters)
	report.AvgClusterSize = clusterStats.AvgClusterSize

	// Stage C7: golden records
	goldenRecords, err := o.timedGolden(ctx, clusters, scoreResult.Scored, &report)
	if err != nil {
		report.Err = err
		return report, err
	}
	report.GoldenRecords = len(goldenRecords)

	if o.Cfg.StoreResults {
		if err := o.Store.InsertClusters(ctx, o.Cfg.ClusterCollection, clusters); err != nil {
			report.Err = err
			return report, err
		}
		if err := o.Store.InsertGolden(ctx, o.Cfg.ClusterCollection, goldenRecords); err != nil {
			report.Err = err
			return report, err
		}
	}

	var totalDuration time.Duration
	for _, t := range report.Timings {
		totalDuration += t.Duration
	}
	if totalDuration > 0 {
		report.CandidatesPerSec = float64(report.CandidatePairs) / totalDuration.Seconds()
		report.ClustersPerSec = float64(report.Clusters) / totalDuration.Seconds()
	}
	if len(goldenRecords) > 0 {
		var sum float64
		for _, g := range goldenRecords {
			sum += g.DataQualityScore
		}
		report.GoldenQualityAvg = sum / float64(len(goldenRecords))
	}

	log.Infow("pipeline run complete",
		"collection", o.Cfg.CollectionName,
		"input_records", report.InputRecords,
		"candidate_pairs", report.CandidatePairs,
		"scored_pairs", report.ScoredPairs,
		"clusters", report.Clusters,
		"golden_records", report.GoldenRecords,
	)

	return report, nil
}

func (o *Orchestrator) blockingLimitPerEntity() int {
	limit := 0
	for _, s := range o.Cfg.Blocking {
		if s.LimitPerEntity > limit {
			limit = s.LimitPerEntity
		}
	}
	if limit <= 0 {
		limit = 50
	}
	return limit
}

func (o *Orchestrator) record(report *Report, stage string, start time.Time, outcome string) {
	dur := time.Since(start)
	report.Timings = append(report.Timings, StageTiming{Stage: stage, Duration: dur})
	if o.Metrics != nil {
		o.Metrics.ObserveStage(stage, outcome, dur.Seconds())
	}
}

func (o *Orchestrator) timedBlocking(ctx context.Context, eng *blocking.Engine, records []record.Record, report *Report) ([]record.Pair, blocking.Stats, error) {
	start := time.Now()
	pairs, stats, err := eng.GenerateAll(ctx, records, records)
	if err != nil {
		o.record(report, "blocking", start, "error")
		return nil, blocking.Stats{}, errs.NewStageError("blocking", err)
	}
	o.record(report, "blocking", start, "ok")
	return pairs, stats, nil
}

func (o *Orchestrator) timedScoring(ctx context.Context, eng *scoring.Engine, collection string, pairs []record.Pair, report *Report) (scoring.Result, error) {
	start := time.Now()
	res, err := eng.ScoreAll(ctx, collection, pairs)
	if err != nil {
		o.record(report, "scoring", start, "error")
		return scoring.Result{}, errs.NewStageError("scoring", err)
	}
	o.record(report, "scoring", start, "ok")
	return res, nil
}

func (o *Orchestrator) timedGraph(ctx context.Context, b *graph.Builder, collection string, scored []record.ScoredPair, report *Report) (graph.Stats, error) {
	start := time.Now()
	stats, err := b.Build(ctx, collection, scored)
	if err != nil {
		o.record(report, "graph", start, "error")
		return graph.Stats{}, errs.NewStageError("graph", err)
	}
	o.record(report, "graph", start, "ok")
	return stats, nil
}

func (o *Orchestrator) timedClustering(ctx context.Context, eng *cluster.Engine, collection string, report *Report) ([]record.Cluster, cluster.Stats, error) {
	start := time.Now()
	clusters, stats, err := eng.Compute(ctx, collection)
	if err != nil {
		o.record(report, "clustering", start, "error")
		return nil, cluster.Stats{}, errs.NewStageError("clustering", err)
	}
	o.record(report, "clustering", start, "ok")
	return clusters, stats, nil
}

func (o *Orchestrator) timedGolden(ctx context.Context, clusters []record.Cluster, scored []record.ScoredPair, report *Report) ([]record.Golden, error) {
	start := time.Now()

	confidenceByCluster := meanConfidencePerCluster(clusters, scored)

	memberIDs := make(map[string]bool)
	for _, c := range clusters {
		for _, id := range c.MemberIDs {
			memberIDs[id] = true
		}
	}
	ids := make([]string, 0, len(memberIDs))
	for id := range memberIDs {
		ids = append(ids, id)
	}
	hydrated, _, err := o.Store.GetMany(ctx, o.Cfg.CollectionName, ids)
	if err != nil {
		o.record(report, "golden", start, "error")
		return nil, errs.NewStageError("golden", err)
	}

	builder := &golden.Builder{Cfg: golden.Config{
		DefaultRule: golden.RuleCompletenessWinner,
		FieldRules:  parseFusionRules(o.Cfg.Golden.FusionRules, o.Cfg.Golden.PriorityList),
	}}

	goldenRecords := make([]record.Golden, 0, len(clusters))
	for _, c := range clusters {
		if ctx.Err() != nil {
			o.record(report, "golden", start, "error")
			return nil, errs.NewStageError("golden", ctx.Err())
		}
		members := make([]record.Record, 0, len(c.MemberIDs))
		for _, id := range c.MemberIDs {
			if r, ok := hydrated[id]; ok {
				members = append(members, r)
			}
		}
		if len(members) == 0 {
			continue
		}
		goldenRecords = append(goldenRecords, builder.Build(c, members, confidenceByCluster[c.ID]))
	}

	o.record(report, "golden", start, "ok")
	return goldenRecords, nil
}

func parseFusionRules(rules map[string]string, priority []string) map[string]golden.FieldRule {
	out := make(map[string]golden.FieldRule, len(rules))
	for field, rule := range rules {
		fr := golden.FieldRule{Rule: golden.Rule(rule)}
		if fr.Rule == golden.RulePriorityList {
			fr.Priority = priority
		}
		out[field] = fr
	}
	return out
}

// meanConfidencePerCluster averages the confidence of every scored pair
// whose both endpoints fall in the same cluster, giving each golden
// record a confidence_score representative of its contributing pairs.
func meanConfidencePerCluster(clusters []record.Cluster, scored []record.ScoredPair) map[string]float64 {
	clusterOf := make(map[string]string, len(scored)*2)
	for _, c := range clusters {
		for _, id := range c.MemberIDs {
			clusterOf[id] = c.ID
		}
	}

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, sp := range scored {
		ca, okA := clusterOf[sp.IDA]
		cb, okB := clusterOf[sp.IDB]
		if !okA || !okB || ca != cb {
			continue
		}
		sums[ca] += sp.Confidence
		counts[ca]++
	}

	out := make(map[string]float64, len(sums))
	for id, sum := range sums {
		out[id] = sum / float64(counts[id])
	}
	return out
}
