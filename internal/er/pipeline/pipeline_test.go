package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehdc-er/entityresolution/internal/er/blocking"
	"github.com/ehdc-er/entityresolution/internal/er/erconfig"
	"github.com/ehdc-er/entityresolution/internal/er/record"
	"github.com/ehdc-er/entityresolution/internal/er/scoring"
	"github.com/ehdc-er/entityresolution/internal/er/similarity"
	"github.com/ehdc-er/entityresolution/internal/er/store"
	"github.com/ehdc-er/entityresolution/internal/er/value"
)

// memStore is a minimal in-memory store.Store good enough to drive the
// whole pipeline end to end in a test.
type memStore struct {
	records map[string]record.Record
	edges   []record.Edge
	clusters []record.Cluster
	golden   []record.Golden
}

func newMemStore(recs ...record.Record) *memStore {
	m := make(map[string]record.Record, len(recs))
	for _, r := range recs {
		m[r.ID] = r
	}
	return &memStore{records: m}
}

func (s *memStore) GetMany(ctx context.Context, collection string, ids []string) (map[string]record.Record, []string, error) {
	found := make(map[string]record.Record)
	var missing []string
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			found[id] = r
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}
func (s *memStore) Scan(ctx context.Context, collection string, filter store.ScanFilter, batchSize int, fn func([]record.Record) error) error {
	return nil
}
func (s *memStore) InsertMany(ctx context.Context, collection string, docs []record.Record, conflict store.OnConflict) error {
	return nil
}
func (s *memStore) HasCollection(ctx context.Context, name string) (bool, error) { return true, nil }
func (s *memStore) CreateCollection(ctx context.Context, name string) error      { return nil }
func (s *memStore) CreateEdgeCollection(ctx context.Context, name string) error  { return nil }
func (s *memStore) CreateTextIndex(ctx context.Context, collection string, fields []string, analyzer string) error {
	return nil
}
func (s *memStore) TextSearch(ctx context.Context, collection, index, query string, limit int, minScore float64) ([]store.ScoredID, error) {
	return nil, nil
}
func (s *memStore) CreateVectorIndex(ctx context.Context, collection, field, metric string) error {
	return nil
}
func (s *memStore) VectorSearch(ctx context.Context, collection, index string, vector []float32, limit int, minCosine float64) ([]store.ScoredID, error) {
	return nil, nil
}
func (s *memStore) InsertEdges(ctx context.Context, collection string, edges []record.Edge) error {
	s.edges = append(s.edges, edges...)
	return nil
}
func (s *memStore) BulkImportEdges(ctx context.Context, collection string, edges []record.Edge) error {
	s.edges = append(s.edges, edges...)
	return nil
}
func (s *memStore) FetchAllEdges(ctx context.Context, collection string, minWeight float64, maxEdges int) ([]record.Edge, error) {
	var out []record.Edge
	for _, e := range s.edges {
		if e.Weight >= minWeight {
			out = append(out, e)
		}
	}
	return out, nil
}
func (s *memStore) InsertClusters(ctx context.Context, collection string, clusters []record.Cluster) error {
	s.clusters = append(s.clusters, clusters...)
	return nil
}
func (s *memStore) InsertGolden(ctx context.Context, collection string, golden []record.Golden) error {
	s.golden = append(s.golden, golden...)
	return nil
}

var _ store.Store = (*memStore)(nil)

func personRec(id, name, email string) record.Record {
	return record.Record{ID: id, Collection: "people", Fields: map[string]value.Value{
		"name":  value.String(name),
		"email": value.String(email),
	}}
}

func TestPipelineRunResolvesNearDuplicateSmiths(t *testing.T) {
	records := []record.Record{
		personRec("s1", "Jon Smith", "jsmith@example.com"),
		personRec("s2", "John Smith", "jsmith@example.com"),
		personRec("s3", "Jonny Smith", "jsmith@example.com"),
		personRec("d1", "Jane Doe", "jdoe@example.com"),
	}
	st := newMemStore(records...)

	cfg := &erconfig.Config{
		CollectionName:    "people",
		EdgeCollection:    "similarities",
		ClusterCollection: "clusters",
		EdgeLoadingMethod: "api",
		Similarity: erconfig.SimilarityConfig{
			UpperThreshold: 1.0,
			LowerThreshold: -1.0,
			BatchSize:      10,
			EdgeThreshold:  0.5,
		},
		Clustering: erconfig.ClusteringConfig{
			MinClusterSize: 2,
			MaxClusterSize: 100,
			MaxEdgesFetch:  1000,
			WarnEdges:      1000,
			StoreResults:   false,
		},
		StoreResults: true,
	}

	orch := &Orchestrator{
		Store: st,
		Cfg:   cfg,
		Strategies: []blocking.Strategy{
			blocking.ExactField{Fields: []string{"email"}},
		},
		FieldComparators: map[string]scoring.FieldComparator{
			"name": {Comparator: similarity.JaroWinkler, Weight: similarity.FieldWeight{MProb: 0.9, UProb: 0.1, Threshold: 0.8, Importance: 1.0}},
			"email": {Comparator: similarity.Exact, Weight: similarity.FieldWeight{MProb: 0.95, UProb: 0.01, Threshold: 0.99, Importance: 1.5}},
		},
	}

	report, err := orch.Run(context.Background(), records)
	require.NoError(t, err)

	assert.Equal(t, 4, report.InputRecords)
	assert.Greater(t, report.CandidatePairs, 0)
	assert.Equal(t, 1, report.Clusters, "the three Smiths should form one cluster; Jane Doe has no candidate pairs")
	assert.Equal(t, 1, report.GoldenRecords)
	require.Len(t, st.clusters, 1)
	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, st.clusters[0].MemberIDs)
	require.Len(t, st.golden, 1)
	assert.Equal(t, "cluster_0", st.golden[0].ClusterID)
	require.Len(t, report.Timings, 5, "every stage should record a timing entry")
}

func TestPipelineRunOnEmptyInputReturnsEmptyReportNoError(t *testing.T) {
	st := newMemStore()
	cfg := &erconfig.Config{CollectionName: "people"}
	orch := &Orchestrator{Store: st, Cfg: cfg}

	report, err := orch.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.InputRecords)
	assert.Equal(t, 0, report.CandidatePairs)
	assert.Equal(t, 0, report.Clusters)
	assert.Nil(t, report.Err)
	assert.Empty(t, report.Timings)
}
