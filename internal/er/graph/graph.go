// Package graph implements the Graph Builder (C5): it turns scored
// pairs above a configured threshold into persisted undirected
// weighted edges, grounded on the postgres adapter's pq.CopyIn bulk
// path and the teacher's preference for a fast bulk-write path over
// row-at-a-time inserts wherever the store supports one.
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"go.uber.org/zap"

	"github.com/ehdc-er/entityresolution/internal/er/record"
	"github.com/ehdc-er/entityresolution/internal/er/store"
)

// EdgeKey returns a deterministic, idempotent key for an undirected
// edge between two record ids under a relation type. Re-running the
// pipeline on the same data always derives the same key, so InsertEdges/
// BulkImportEdges re-insertion overwrites rather than duplicates.
func EdgeKey(idA, idB, relation string) string {
	a, b := idA, idB
	if a > b {
		a, b = b, a
	}
	h := sha256.New()
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))
	h.Write([]byte{0})
	h.Write([]byte(relation))
	return hex.EncodeToString(h.Sum(nil))
}

// Config controls which scored pairs become edges and how they are
// written.
type Config struct {
	EdgeThreshold float64 // minimum normalized score to persist an edge
	Relation      string  // relation label stamped into every Edge.Method and hashed into the edge key; "similarity" when empty
	PreferBulk    bool    // use BulkImportEdges when true, falling back to InsertEdges on error
}

// Stats summarizes one Build call.
type Stats struct {
	ScoredPairsIn  int
	EdgesWritten   int
	BelowThreshold int
	UsedBulkPath   bool
}

// Builder writes scored pairs as similarity edges.
type Builder struct {
	Store store.Store
	Log   *zap.SugaredLogger
	Cfg   Config
}

// Build filters scored pairs by Cfg.EdgeThreshold, converts the
// survivors to record.Edge, and writes them to collection via the
// bulk-import path when available, falling back to the API path.
func (b *Builder) Build(ctx context.Context, collection string, scored []record.ScoredPair) (Stats, error) {
	var stats Stats
	stats.ScoredPairsIn = len(scored)

	threshold := b.Cfg.EdgeThreshold
	relation := b.Cfg.Relation
	if relation == "" {
		relation = "similarity"
	}

	// Dedup by the deterministic edge key before writing: a rerun over
	// overlapping batches, or a scored-pair slice carrying the same pair
	// twice under the same relation, must produce exactly one edge, not
	// a conflicting pair of upserts racing each other.
	byKey := make(map[string]record.Edge, len(scored))
	for _, sp := range scored {
		if sp.NormalizedScore < threshold {
			stats.BelowThreshold++
			continue
		}
		key := EdgeKey(sp.IDA, sp.IDB, relation)
		byKey[key] = record.Edge{
			IDA:    sp.IDA,
			IDB:    sp.IDB,
			Weight: sp.NormalizedScore,
			Method: relation,
		}
	}

	if len(byKey) == 0 {
		return stats, nil
	}
	edges := make([]record.Edge, 0, len(byKey))
	for _, e := range byKey {
		edges = append(edges, e)
	}

	if b.Cfg.PreferBulk {
		if err := b.Store.BulkImportEdges(ctx, collection, edges); err == nil {
			stats.UsedBulkPath = true
			stats.EdgesWritten = len(edges)
			if b.Log != nil {
				b.Log.Infow("graph edges written", "collection", collection, "count", len(edges), "path", "bulk")
			}
			return stats, nil
		} else if b.Log != nil {
			b.Log.Infow("bulk edge import failed, falling back to API insert", "error", err.Error())
		}
	}

	if err := b.Store.InsertEdges(ctx, collection, edges); err != nil {
		return stats, err
	}
	stats.EdgesWritten = len(edges)
	if b.Log != nil {
		b.Log.Infow("graph edges written", "collection", collection, "count", len(edges), "path", "api")
	}
	return stats, nil
}
