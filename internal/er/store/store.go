// Package store defines the narrow Record Store Adapter interface (C1,
// spec.md §4.1 and §6) that hides the external document/graph store
// behind the operations the pipeline actually needs. Concrete adapters
// live in the postgres, sqlite, and qdrant subpackages; none of the
// core pipeline packages import a driver directly.
package store

import (
	"context"

	"github.com/ehdc-er/entityresolution/internal/er/record"
)

// OnConflict selects the behavior of InsertMany when a document with the
// same id already exists.
type OnConflict int

const (
	OnConflictReplace OnConflict = iota
	OnConflictIgnore
)

// ScoredID is one hit from a text or vector search.
type ScoredID struct {
	ID    string
	Score float64
}

// ScanFilter restricts a collection scan to records matching field
// equality constraints. A nil/empty Fields map scans the whole
// collection.
type ScanFilter struct {
	Fields map[string]string
}

// Store is the abstract record store the pipeline depends on. All
// batch-shaped operations are mandatory single-round-trip: GetMany must
// never degrade into one fetch per id (spec.md §4.1's "fix for the
// original repository's N+1 problem").
type Store interface {
	// GetMany returns the records whose ids are present, plus the subset
	// of ids not found, in exactly one round trip.
	GetMany(ctx context.Context, collection string, ids []string) (found map[string]record.Record, missing []string, err error)

	// Scan streams a collection page by page, invoking fn for each
	// batch. fn returning an error stops the scan and the error
	// propagates.
	Scan(ctx context.Context, collection string, filter ScanFilter, batchSize int, fn func([]record.Record) error) error

	// InsertMany writes documents to collection, chunked internally at a
	// store-friendly size. Idempotent under OnConflictReplace.
	InsertMany(ctx context.Context, collection string, docs []record.Record, conflict OnConflict) error

	HasCollection(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, name string) error
	CreateEdgeCollection(ctx context.Context, name string) error

	// CreateTextIndex provisions a BM25-scorable text index over fields.
	// Idempotent: re-creating an existing index is a no-op.
	CreateTextIndex(ctx context.Context, collection string, fields []string, analyzer string) error
	TextSearch(ctx context.Context, collection, index, query string, limit int, minScore float64) ([]ScoredID, error)

	// CreateVectorIndex provisions a kNN-queryable vector index over
	// field. Idempotent.
	CreateVectorIndex(ctx context.Context, collection, field, metric string) error
	VectorSearch(ctx context.Context, collection, index string, vector []float32, limit int, minCosine float64) ([]ScoredID, error)

	// InsertEdges bulk-writes similarity edges, keyed so re-inserting the
	// same edge overwrites rather than duplicates (spec.md §8 idempotence
	// property).
	InsertEdges(ctx context.Context, collection string, edges []record.Edge) error
	// BulkImportEdges is the fast file-based edge write path (spec.md
	// §4.5); adapters without a faster path delegate to InsertEdges.
	BulkImportEdges(ctx context.Context, collection string, edges []record.Edge) error

	// FetchAllEdges bulk-fetches the entire similarity graph (optionally
	// filtered) in one round trip, for C6's clustering algorithm. maxEdges
	// bounds the fetch; exceeding it is a fatal error, not a silent
	// truncation (spec.md §4.6).
	FetchAllEdges(ctx context.Context, collection string, minWeight float64, maxEdges int) ([]record.Edge, error)

	InsertClusters(ctx context.Context, collection string, clusters []record.Cluster) error
	InsertGolden(ctx context.Context, collection string, golden []record.Golden) error
}

// VectorIndex is the narrower interface the blocking engine's vector and
// LSH strategies need, satisfied by Store or by a standalone vector
// service (e.g. the qdrant adapter) when the record store itself has no
// native vector index.
type VectorIndex interface {
	VectorSearch(ctx context.Context, collection, index string, vector []float32, limit int, minCosine float64) ([]ScoredID, error)
}

// Embedder produces a fixed-dimension embedding vector from text,
// mirroring github.com/ehdc-llpg/internal/match.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
