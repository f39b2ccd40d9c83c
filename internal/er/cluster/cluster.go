// Package cluster implements the Cluster Engine (C6): weakly-connected
// components of the similarity graph, computed from a single bulk edge
// fetch rather than per-vertex traversal, grounded on
// original_source/services/clustering_service.py's
// _find_connected_components (there a recursive DFS; Go requires the
// iterative form to avoid a stack-depth crash on large components).
package cluster

import (
	"context"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/ehdc-er/entityresolution/internal/er/errs"
	"github.com/ehdc-er/entityresolution/internal/er/record"
	"github.com/ehdc-er/entityresolution/internal/er/store"
)

// Config tunes the cluster computation.
type Config struct {
	MaxEdges         int     // hard cap on fetched edge count; exceeding it is fatal
	WarnEdges        int     // log a warning once the fetch exceeds this many edges
	MinClusterSize   int     // components smaller than this are dropped entirely
	MaxClusterSize   int     // components larger than this are kept but flagged Oversized
	DensityThreshold float64 // quality-score density factor halves below this
	MinWeight        float64 // edge weight floor passed to FetchAllEdges
}

func (c Config) withDefaults() Config {
	if c.MaxEdges <= 0 {
		c.MaxEdges = 5_000_000
	}
	if c.WarnEdges <= 0 {
		c.WarnEdges = 500_000
	}
	if c.MinClusterSize <= 0 {
		c.MinClusterSize = 2
	}
	if c.MaxClusterSize <= 0 {
		c.MaxClusterSize = 100
	}
	if c.DensityThreshold <= 0 {
		c.DensityThreshold = 0.1
	}
	return c
}

// Stats summarizes one Compute call.
type Stats struct {
	EdgesFetched   int
	Vertices       int
	Components     int
	Dropped        int // components below MinClusterSize
	Oversized      int // components above MaxClusterSize, kept and flagged
	AvgClusterSize float64
}

// Engine computes connected components from the persisted similarity
// graph.
type Engine struct {
	Store store.Store
	Log   *zap.SugaredLogger
	Cfg   Config
}

// Compute bulk-fetches the entire edge set for collection in one round
// trip, builds an in-memory adjacency map, and assigns every vertex to
// a component via iterative DFS. Per-vertex queries are never issued;
// that per-vertex-traversal shape is the N+1 pattern this stage exists
// to eliminate (spec.md §4.6).
func (e *Engine) Compute(ctx context.Context, collection string) ([]record.Cluster, Stats, error) {
	cfg := e.Cfg.withDefaults()
	var stats Stats

	edges, err := e.Store.FetchAllEdges(ctx, collection, cfg.MinWeight, cfg.MaxEdges)
	if err != nil {
		return nil, stats, errs.NewStageError("cluster", err)
	}
	stats.EdgesFetched = len(edges)

	if len(edges) > cfg.WarnEdges && e.Log != nil {
		e.Log.Warnw("large edge fetch for clustering", "collection", collection, "edges", len(edges), "warn_threshold", cfg.WarnEdges)
	}

	adjacency := make(map[string]map[string]float64)
	edgesByPair := make(map[string]record.Edge)
	for _, edge := range edges {
		if ctx.Err() != nil {
			return nil, stats, ctx.Err()
		}
		if adjacency[edge.IDA] == nil {
			adjacency[edge.IDA] = make(map[string]float64)
		}
		if adjacency[edge.IDB] == nil {
			adjacency[edge.IDB] = make(map[string]float64)
		}
		adjacency[edge.IDA][edge.IDB] = edge.Weight
		adjacency[edge.IDB][edge.IDA] = edge.Weight
		edgesByPair[edge.CanonicalKey()] = edge
	}
	stats.Vertices = len(adjacency)

	vertices := make([]string, 0, len(adjacency))
	for v := range adjacency {
		vertices = append(vertices, v)
	}
	sort.Strings(vertices)

	components := connectedComponents(vertices, adjacency)
	stats.Components = len(components)

	var clusters []record.Cluster
	var sizeTotal int
	for i, members := range components {
		if ctx.Err() != nil {
			return nil, stats, ctx.Err()
		}
		if len(members) < cfg.MinClusterSize {
			stats.Dropped++
			continue
		}

		cl := buildCluster(clusterID(i), members, edgesByPair, cfg)
		if cl.Size() > cfg.MaxClusterSize {
			cl.Oversized = true
			stats.Oversized++
		}
		cl.Status = record.ClusterComputed
		clusters = append(clusters, cl)
		sizeTotal += cl.Size()
	}

	if len(clusters) > 0 {
		stats.AvgClusterSize = float64(sizeTotal) / float64(len(clusters))
	}

	return clusters, stats, nil
}

// connectedComponents runs iterative DFS over the adjacency map, never
// recursing, so pathologically large components can't overflow the
// goroutine stack.
func connectedComponents(vertices []string, adjacency map[string]map[string]float64) [][]string {
	visited := make(map[string]bool, len(vertices))
	var components [][]string

	for _, start := range vertices {
		if visited[start] {
			continue
		}
		var component []string
		stack := []string{start}
		visited[start] = true

		for len(stack) > 0 {
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component = append(component, node)

			neighbors := make([]string, 0, len(adjacency[node]))
			for n := range adjacency[node] {
				neighbors = append(neighbors, n)
			}
			sort.Strings(neighbors)
			for _, n := range neighbors {
				if !visited[n] {
					visited[n] = true
					stack = append(stack, n)
				}
			}
		}

		sort.Strings(component)
		components = append(components, component)
	}
	return components
}

func clusterID(i int) string {
	return "cluster_" + strconv.Itoa(i)
}

// buildCluster computes per-cluster edge statistics (min/avg/max
// weight, density, quality) from the edges whose both endpoints lie
// within members.
func buildCluster(id string, members []string, edgesByPair map[string]record.Edge, cfg Config) record.Cluster {
	memberSet := make(map[string]bool, len(members))
	for _, m := range members {
		memberSet[m] = true
	}

	var edgeCount int
	var minW, maxW, sumW float64
	first := true
	for _, e := range edgesByPair {
		if !memberSet[e.IDA] || !memberSet[e.IDB] {
			continue
		}
		edgeCount++
		sumW += e.Weight
		if first {
			minW, maxW = e.Weight, e.Weight
			first = false
		} else {
			if e.Weight < minW {
				minW = e.Weight
			}
			if e.Weight > maxW {
				maxW = e.Weight
			}
		}
	}

	size := len(members)
	var avgW float64
	if edgeCount > 0 {
		avgW = sumW / float64(edgeCount)
	}

	var density float64
	if size > 1 {
		maxPossible := float64(size*(size-1)) / 2.0
		density = float64(edgeCount) / maxPossible
	}

	quality := qualityScore(size, density, avgW, cfg)

	return record.Cluster{
		ID:        id,
		MemberIDs: members,
		EdgeCount: edgeCount,
		MinWeight: minW,
		AvgWeight: avgW,
		MaxWeight: maxW,
		Density:   density,
		Quality:   quality,
	}
}

// qualityScore combines size adequacy, density, and average similarity
// with weights 0.3/0.4/0.3 and an 0.8x penalty for clusters over 20
// members, ported verbatim (weights and thresholds) from
// _calculate_cluster_quality.
func qualityScore(size int, density, avgSimilarity float64, cfg Config) float64 {
	sizeFactor := 0.5
	if size >= cfg.MinClusterSize {
		sizeFactor = 1.0
	}

	densityFactor := density * 0.5
	if density >= cfg.DensityThreshold {
		densityFactor = density
	}

	if size > 20 {
		sizeFactor *= 0.8
	}

	quality := sizeFactor*0.3 + densityFactor*0.4 + avgSimilarity*0.3
	if quality > 1.0 {
		quality = 1.0
	}
	return quality
}
