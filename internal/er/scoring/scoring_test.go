package scoring

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehdc-er/entityresolution/internal/er/record"
	"github.com/ehdc-er/entityresolution/internal/er/similarity"
	"github.com/ehdc-er/entityresolution/internal/er/store"
	"github.com/ehdc-er/entityresolution/internal/er/value"
)

// fakeStore is a minimal in-memory store.Store used only to exercise
// the scoring engine's bulk-hydration path without a real backend.
type fakeStore struct {
	records map[string]record.Record
}

func newFakeStore(recs ...record.Record) *fakeStore {
	m := make(map[string]record.Record, len(recs))
	for _, r := range recs {
		m[r.ID] = r
	}
	return &fakeStore{records: m}
}

func (f *fakeStore) GetMany(ctx context.Context, collection string, ids []string) (map[string]record.Record, []string, error) {
	found := make(map[string]record.Record)
	var missing []string
	for _, id := range ids {
		if r, ok := f.records[id]; ok {
			found[id] = r
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}

func (f *fakeStore) Scan(ctx context.Context, collection string, filter store.ScanFilter, batchSize int, fn func([]record.Record) error) error {
	return nil
}
func (f *fakeStore) InsertMany(ctx context.Context, collection string, docs []record.Record, conflict store.OnConflict) error {
	return nil
}
func (f *fakeStore) HasCollection(ctx context.Context, name string) (bool, error)   { return true, nil }
func (f *fakeStore) CreateCollection(ctx context.Context, name string) error        { return nil }
func (f *fakeStore) CreateEdgeCollection(ctx context.Context, name string) error     { return nil }
func (f *fakeStore) CreateTextIndex(ctx context.Context, collection string, fields []string, analyzer string) error {
	return nil
}
func (f *fakeStore) TextSearch(ctx context.Context, collection, index, query string, limit int, minScore float64) ([]store.ScoredID, error) {
	return nil, nil
}
func (f *fakeStore) CreateVectorIndex(ctx context.Context, collection, field, metric string) error {
	return nil
}
func (f *fakeStore) VectorSearch(ctx context.Context, collection, index string, vector []float32, limit int, minCosine float64) ([]store.ScoredID, error) {
	return nil, nil
}
func (f *fakeStore) InsertEdges(ctx context.Context, collection string, edges []record.Edge) error {
	return nil
}
func (f *fakeStore) BulkImportEdges(ctx context.Context, collection string, edges []record.Edge) error {
	return nil
}
func (f *fakeStore) FetchAllEdges(ctx context.Context, collection string, minWeight float64, maxEdges int) ([]record.Edge, error) {
	return nil, nil
}
func (f *fakeStore) InsertClusters(ctx context.Context, collection string, clusters []record.Cluster) error {
	return nil
}
func (f *fakeStore) InsertGolden(ctx context.Context, collection string, golden []record.Golden) error {
	return nil
}

var _ store.Store = (*fakeStore)(nil)

func personRec(id, name, email, typ string) record.Record {
	return record.Record{
		ID:         id,
		Collection: "people",
		Fields: map[string]value.Value{
			"name":  value.String(name),
			"email": value.String(email),
			"type":  value.String(typ),
		},
	}
}

func baseConfig() Config {
	return Config{
		FieldComparators: map[string]FieldComparator{
			"name":  {Comparator: similarity.JaroWinkler, Weight: similarity.FieldWeight{MProb: 0.9, UProb: 0.1, Threshold: 0.85, Importance: 1.0}},
			"email": {Comparator: similarity.Exact, Weight: similarity.FieldWeight{MProb: 0.95, UProb: 0.01, Threshold: 0.99, Importance: 1.5}},
		},
		UpperThreshold: 2.0,
		LowerThreshold: -2.0,
		BatchSize:      10,
	}
}

func TestScoreBatchProducesMatchForNearDuplicates(t *testing.T) {
	a := personRec("a", "Jon Smith", "jsmith@example.com", "person")
	b := personRec("b", "John Smith", "jsmith@example.com", "person")
	st := newFakeStore(a, b)

	eng := &Engine{Store: st, Cfg: baseConfig()}
	pair := record.NewPair("a", "b", "test")

	res, err := eng.ScoreBatch(context.Background(), "people", []record.Pair{pair})
	require.NoError(t, err)
	require.Len(t, res.Scored, 1)
	assert.Equal(t, record.DecisionMatch, res.Scored[0].Decision)
	assert.Equal(t, 0, res.MissingCount)
}

func TestScoreBatchSkipsMissingRecords(t *testing.T) {
	a := personRec("a", "Jon Smith", "jsmith@example.com", "person")
	st := newFakeStore(a)

	eng := &Engine{Store: st, Cfg: baseConfig()}
	pair := record.NewPair("a", "ghost", "test")

	res, err := eng.ScoreBatch(context.Background(), "people", []record.Pair{pair})
	require.NoError(t, err)
	assert.Len(t, res.Scored, 0)
	assert.Equal(t, 1, res.MissingCount)
	assert.Equal(t, 0, res.Processed)
}

func TestScoreBatchAppliesTypeFilterFirst(t *testing.T) {
	a := personRec("a", "Jon Smith", "jsmith@example.com", "person")
	b := personRec("b", "Jon Smith", "jsmith@example.com", "organization")
	st := newFakeStore(a, b)

	cfg := baseConfig()
	cfg.TypeFilter = &TypeCompatibility{
		TypeField: "type",
		Compatibility: map[string]map[string]bool{
			"person": {"person": true},
		},
		StrictMode: true,
	}

	eng := &Engine{Store: st, Cfg: cfg}
	pair := record.NewPair("a", "b", "test")

	res, err := eng.ScoreBatch(context.Background(), "people", []record.Pair{pair})
	require.NoError(t, err)
	assert.Len(t, res.Scored, 0)
	assert.Equal(t, 1, res.FilteredByType)
	assert.Equal(t, 1, res.Processed, "a filtered pair still counts as processed, not missing")
}

func TestScoreBatchUsesAcronymExpansionForConfiguredField(t *testing.T) {
	a := record.Record{ID: "a", Collection: "orgs", Fields: map[string]value.Value{
		"name":  value.String("ESR"),
		"email": value.String("x@example.com"),
	}}
	b := record.Record{ID: "b", Collection: "orgs", Fields: map[string]value.Value{
		"name":  value.String("Exception Status Register"),
		"email": value.String("x@example.com"),
	}}
	st := newFakeStore(a, b)

	cfg := baseConfig()
	cfg.Acronym = &AcronymExpander{
		Field:      "name",
		Dictionary: map[string][]string{"ESR": {"Exception Status Register"}},
	}

	eng := &Engine{Store: st, Cfg: cfg}
	pair := record.NewPair("a", "b", "test")

	res, err := eng.ScoreBatch(context.Background(), "orgs", []record.Pair{pair})
	require.NoError(t, err)
	require.Len(t, res.Scored, 1)
	assert.Equal(t, 1.0, res.Scored[0].FieldSimilarity["name"], "expanded acronym should match exactly via JaroWinkler==1.0")
}

func TestScoreBatchBlendsContextLast(t *testing.T) {
	a := record.Record{ID: "a", Collection: "people", Fields: map[string]value.Value{
		"name":    value.String("Jon Smith"),
		"email":   value.String("jsmith@example.com"),
		"address": value.String("123 Main Street Springfield"),
	}}
	b := record.Record{ID: "b", Collection: "people", Fields: map[string]value.Value{
		"name":    value.String("Jon Smith"),
		"email":   value.String("other@example.com"),
		"address": value.String("123 Main Street Springfield"),
	}}
	st := newFakeStore(a, b)

	withoutCtx := baseConfig()
	pairEng := &Engine{Store: st, Cfg: withoutCtx}
	pair := record.NewPair("a", "b", "test")
	base, err := pairEng.ScoreBatch(context.Background(), "people", []record.Pair{pair})
	require.NoError(t, err)
	require.Len(t, base.Scored, 1)

	withCtx := baseConfig()
	withCtx.Context = &ContextResolver{ContextField: "address", ContextWeight: 0.5}
	ctxEng := &Engine{Store: st, Cfg: withCtx}
	blended, err := ctxEng.ScoreBatch(context.Background(), "people", []record.Pair{pair})
	require.NoError(t, err)
	require.Len(t, blended.Scored, 1)

	assert.NotEqual(t, base.Scored[0].NormalizedScore, blended.Scored[0].NormalizedScore,
		"identical addresses should shift the normalized score once context blending is enabled")
}

func TestScoreBatchDropsNonMatchWhenConfigured(t *testing.T) {
	a := personRec("a", "Jon Smith", "jsmith@example.com", "person")
	b := personRec("b", "Zzz Totally Different", "nobody@nowhere.test", "person")
	st := newFakeStore(a, b)

	cfg := baseConfig()
	cfg.DropNonMatch = true
	eng := &Engine{Store: st, Cfg: cfg}
	pair := record.NewPair("a", "b", "test")

	res, err := eng.ScoreBatch(context.Background(), "people", []record.Pair{pair})
	require.NoError(t, err)
	assert.Len(t, res.Scored, 0)
	assert.Equal(t, 1, res.Dropped)
}

func TestScoreAllBatchesDeterministically(t *testing.T) {
	recs := []record.Record{
		personRec("a", "Jon Smith", "jsmith@example.com", "person"),
		personRec("b", "John Smith", "jsmith@example.com", "person"),
		personRec("c", "Jane Doe", "jdoe@example.com", "person"),
		personRec("d", "Janet Doe", "jdoe@example.com", "person"),
	}
	st := newFakeStore(recs...)

	cfg := baseConfig()
	cfg.BatchSize = 1
	eng := &Engine{Store: st, Cfg: cfg}

	pairs := []record.Pair{
		record.NewPair("a", "b", "test"),
		record.NewPair("c", "d", "test"),
	}

	res1, err := eng.ScoreAll(context.Background(), "people", pairs)
	require.NoError(t, err)
	res2, err := eng.ScoreAll(context.Background(), "people", pairs)
	require.NoError(t, err)

	require.Len(t, res1.Scored, 2)
	require.Len(t, res2.Scored, 2)
	for i := range res1.Scored {
		assert.Equal(t, res1.Scored[i].NormalizedScore, res2.Scored[i].NormalizedScore)
		assert.Equal(t, res1.Scored[i].Decision, res2.Scored[i].Decision)
	}
}
