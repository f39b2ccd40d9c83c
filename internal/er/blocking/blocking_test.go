package blocking

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehdc-er/entityresolution/internal/er/record"
	"github.com/ehdc-er/entityresolution/internal/er/value"
)

func rec(id string, fields map[string]string) record.Record {
	v := make(map[string]value.Value, len(fields))
	for k, val := range fields {
		v[k] = value.String(val)
	}
	return record.Record{ID: id, Collection: "people", Fields: v}
}

func TestExactFieldBlocking(t *testing.T) {
	pool := []record.Record{
		rec("a", map[string]string{"email": "smith@example.com"}),
		rec("b", map[string]string{"email": "smith@example.com"}),
		rec("c", map[string]string{"email": "other@example.com"}),
	}
	strat := ExactField{Fields: []string{"email"}}

	pairs, skipped, err := strat.Generate(context.Background(), pool[0], pool)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "b", pairs[0].IDB)
	assert.Equal(t, 0, skipped)
}

func TestExactFieldBlockingDiscardsOversizedBlockEntirely(t *testing.T) {
	pool := make([]record.Record, 0, 501)
	pool = append(pool, rec("target", map[string]string{"postal_code": "AB1"}))
	for i := 0; i < 500; i++ {
		pool = append(pool, rec(fmt.Sprintf("other%d", i), map[string]string{"postal_code": "AB1"}))
	}
	strat := ExactField{Fields: []string{"postal_code"}, MaxBlockSize: 100}

	pairs, skipped, err := strat.Generate(context.Background(), pool[0], pool)
	require.NoError(t, err)
	assert.Empty(t, pairs, "an oversized block must be discarded, not sampled down to max_block_size")
	assert.Equal(t, 1, skipped)
}

func TestPhoneticBlocking(t *testing.T) {
	pool := []record.Record{
		rec("a", map[string]string{"last_name": "Robert"}),
		rec("b", map[string]string{"last_name": "Rupert"}),
		rec("c", map[string]string{"last_name": "Smith"}),
	}
	strat := Phonetic{Fields: []string{"last_name"}}

	pairs, _, err := strat.Generate(context.Background(), pool[0], pool)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "b", pairs[0].IDB)
}

func TestEngineMergesAcrossStrategies(t *testing.T) {
	pool := []record.Record{
		rec("a", map[string]string{"email": "x@example.com", "last_name": "Robert"}),
		rec("b", map[string]string{"email": "x@example.com", "last_name": "Rupert"}),
	}
	eng := New([]Strategy{
		ExactField{Fields: []string{"email"}},
		Phonetic{Fields: []string{"last_name"}},
	}, 50)

	pairs, stats, err := eng.GenerateAll(context.Background(), pool, pool)
	require.NoError(t, err)
	require.Len(t, pairs, 1, "same pair found by two strategies must be merged, not duplicated")
	assert.ElementsMatch(t, []string{"exact:email", "phonetic:last_name"}, pairs[0].Strategies)
	assert.Equal(t, 2, stats.TotalRecords)
	assert.Equal(t, 1, stats.NaivePairs)
}

func TestLSHDeterministicWithSameSeed(t *testing.T) {
	pool := []record.Record{
		{ID: "a", Embedding: []float32{0.9, 0.1, 0.0, 0.0}},
		{ID: "b", Embedding: []float32{0.85, 0.15, 0.0, 0.0}},
		{ID: "c", Embedding: []float32{-0.9, -0.1, 0.0, 0.0}},
	}

	lsh1 := &LSH{NumHashTables: 4, NumHyperplanes: 4, RandomSeed: 42}
	pairs1, _, err := lsh1.Generate(context.Background(), pool[0], pool)
	require.NoError(t, err)

	lsh2 := &LSH{NumHashTables: 4, NumHyperplanes: 4, RandomSeed: 42}
	pairs2, _, err := lsh2.Generate(context.Background(), pool[0], pool)
	require.NoError(t, err)

	require.Equal(t, len(pairs1), len(pairs2))
	for i := range pairs1 {
		assert.Equal(t, pairs1[i].Key(), pairs2[i].Key())
	}
}

func TestSortedNeighborhoodOrdersByKeyLength(t *testing.T) {
	pool := []record.Record{
		rec("a", map[string]string{"last_name": "SMITH", "first_name": "JOHN"}),
		rec("b", map[string]string{"last_name": "SMITH", "first_name": "JON"}),
		rec("c", map[string]string{"last_name": "ZZZZZZZZZZ", "first_name": "Q"}),
	}
	strat := SortedNeighborhood{Fields: []string{"last_name", "first_name"}, WindowSize: 1}

	pairs, _, err := strat.Generate(context.Background(), pool[0], pool)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "b", pairs[0].IDB)
}

func TestGenerateAllCountsSkippedOversizedBlocks(t *testing.T) {
	pool := make([]record.Record, 0, 501)
	pool = append(pool, rec("target", map[string]string{"postal_code": "AB1"}))
	for i := 0; i < 500; i++ {
		pool = append(pool, rec(fmt.Sprintf("other%d", i), map[string]string{"postal_code": "AB1"}))
	}
	eng := New([]Strategy{ExactField{Fields: []string{"postal_code"}, MaxBlockSize: 100}}, 50)

	pairs, stats, err := eng.GenerateAll(context.Background(), pool[:1], pool)
	require.NoError(t, err)
	assert.Empty(t, pairs)
	assert.Equal(t, 1, stats.SkippedOversized)
}

func TestCapPerEntityPrefersMoreCorroboratedPairs(t *testing.T) {
	acc := map[string]record.Pair{
		"x": {IDA: "a", IDB: "x", Strategies: []string{"s1"}},
		"y": {IDA: "a", IDB: "y", Strategies: []string{"s1", "s2"}},
	}
	out := capPerEntity(acc, 1)
	require.Len(t, out, 1)
	assert.Equal(t, "y", out[0].IDB, "pair corroborated by two strategies should win the per-entity cap")
}
