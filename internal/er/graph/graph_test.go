package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehdc-er/entityresolution/internal/er/record"
	"github.com/ehdc-er/entityresolution/internal/er/store"
)

var errBulkUnavailable = errors.New("bulk import unavailable")

// spyStore records InsertEdges/BulkImportEdges calls; BulkImportEdges
// fails when failBulk is set, to exercise the API fallback path.
type spyStore struct {
	bulkEdges   []record.Edge
	apiEdges    []record.Edge
	failBulk    bool
	bulkCalls   int
	apiCalls    int
}

func (s *spyStore) GetMany(ctx context.Context, collection string, ids []string) (map[string]record.Record, []string, error) {
	return nil, nil, nil
}
func (s *spyStore) Scan(ctx context.Context, collection string, filter store.ScanFilter, batchSize int, fn func([]record.Record) error) error {
	return nil
}
func (s *spyStore) InsertMany(ctx context.Context, collection string, docs []record.Record, conflict store.OnConflict) error {
	return nil
}
func (s *spyStore) HasCollection(ctx context.Context, name string) (bool, error) { return true, nil }
func (s *spyStore) CreateCollection(ctx context.Context, name string) error      { return nil }
func (s *spyStore) CreateEdgeCollection(ctx context.Context, name string) error  { return nil }
func (s *spyStore) CreateTextIndex(ctx context.Context, collection string, fields []string, analyzer string) error {
	return nil
}
func (s *spyStore) TextSearch(ctx context.Context, collection, index, query string, limit int, minScore float64) ([]store.ScoredID, error) {
	return nil, nil
}
func (s *spyStore) CreateVectorIndex(ctx context.Context, collection, field, metric string) error {
	return nil
}
func (s *spyStore) VectorSearch(ctx context.Context, collection, index string, vector []float32, limit int, minCosine float64) ([]store.ScoredID, error) {
	return nil, nil
}
func (s *spyStore) InsertEdges(ctx context.Context, collection string, edges []record.Edge) error {
	s.apiCalls++
	s.apiEdges = edges
	return nil
}
func (s *spyStore) BulkImportEdges(ctx context.Context, collection string, edges []record.Edge) error {
	s.bulkCalls++
	if s.failBulk {
		return errBulkUnavailable
	}
	s.bulkEdges = edges
	return nil
}
func (s *spyStore) FetchAllEdges(ctx context.Context, collection string, minWeight float64, maxEdges int) ([]record.Edge, error) {
	return nil, nil
}
func (s *spyStore) InsertClusters(ctx context.Context, collection string, clusters []record.Cluster) error {
	return nil
}
func (s *spyStore) InsertGolden(ctx context.Context, collection string, golden []record.Golden) error {
	return nil
}

var _ store.Store = (*spyStore)(nil)

func scoredPair(a, b string, score float64) record.ScoredPair {
	return record.ScoredPair{Pair: record.NewPair(a, b, "test"), NormalizedScore: score}
}

func TestBuildFiltersByThreshold(t *testing.T) {
	sp := &spyStore{}
	b := &Builder{Store: sp, Cfg: Config{EdgeThreshold: 0.7}}

	res, err := b.Build(context.Background(), "people", []record.ScoredPair{
		scoredPair("a", "b", 0.9),
		scoredPair("c", "d", 0.5),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EdgesWritten)
	assert.Equal(t, 1, res.BelowThreshold)
	assert.Equal(t, 2, res.ScoredPairsIn)
}

func TestBuildPrefersBulkPath(t *testing.T) {
	sp := &spyStore{}
	b := &Builder{Store: sp, Cfg: Config{EdgeThreshold: 0.5, PreferBulk: true}}

	res, err := b.Build(context.Background(), "people", []record.ScoredPair{scoredPair("a", "b", 0.9)})
	require.NoError(t, err)
	assert.True(t, res.UsedBulkPath)
	assert.Equal(t, 1, sp.bulkCalls)
	assert.Equal(t, 0, sp.apiCalls)
}

func TestBuildFallsBackToAPIWhenBulkFails(t *testing.T) {
	sp := &spyStore{failBulk: true}
	b := &Builder{Store: sp, Cfg: Config{EdgeThreshold: 0.5, PreferBulk: true}}

	res, err := b.Build(context.Background(), "people", []record.ScoredPair{scoredPair("a", "b", 0.9)})
	require.NoError(t, err)
	assert.False(t, res.UsedBulkPath)
	assert.Equal(t, 1, sp.bulkCalls)
	assert.Equal(t, 1, sp.apiCalls)
	require.Len(t, sp.apiEdges, 1)
}

func TestEdgeKeyIsOrderIndependentAndRelationSensitive(t *testing.T) {
	k1 := EdgeKey("a", "b", "similarity")
	k2 := EdgeKey("b", "a", "similarity")
	assert.Equal(t, k1, k2, "edge key must not depend on endpoint order")

	k3 := EdgeKey("a", "b", "duplicate_of")
	assert.NotEqual(t, k1, k3, "different relation types must produce different keys")
}

func TestBuildDedupsRepeatedPairsWithinABatch(t *testing.T) {
	sp := &spyStore{}
	b := &Builder{Store: sp, Cfg: Config{EdgeThreshold: 0.5}}

	res, err := b.Build(context.Background(), "people", []record.ScoredPair{
		scoredPair("a", "b", 0.8),
		scoredPair("a", "b", 0.95),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EdgesWritten, "the same pair appearing twice must collapse to one edge")
}
