package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehdc-er/entityresolution/internal/er/record"
	"github.com/ehdc-er/entityresolution/internal/er/value"
)

// newTestClient points a Client at an httptest server standing in for
// the Qdrant REST API.
func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	return New(Config{Host: u.Hostname(), Port: port, APIKey: "test-key"})
}

func TestEnsureCollectionSendsVectorConfig(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/collections/people", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("api-key"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		vectors := body["vectors"].(map[string]any)
		assert.Equal(t, float64(128), vectors["size"])
		assert.Equal(t, "Cosine", vectors["distance"])
		w.WriteHeader(http.StatusOK)
	})

	err := c.EnsureCollection(context.Background(), "people", 128)
	require.NoError(t, err)
}

func TestUpsertSkipsRecordsWithoutEmbedding(t *testing.T) {
	var gotPoints []point
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/people/points", r.URL.Path)
		var body struct {
			Points []point `json:"points"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotPoints = body.Points
		w.WriteHeader(http.StatusOK)
	})

	records := []record.Record{
		{ID: "a", Embedding: []float32{0.1, 0.2}, Fields: map[string]value.Value{"name": value.String("Jon")}},
		{ID: "b", Fields: map[string]value.Value{"name": value.String("no-vector")}},
	}

	err := c.Upsert(context.Background(), "people", records)
	require.NoError(t, err)
	require.Len(t, gotPoints, 1, "record b has no embedding and should not be upserted")
	assert.Equal(t, "a", gotPoints[0].ID)
	assert.Equal(t, "Jon", gotPoints[0].Payload["name"])
}

func TestUpsertNoEmbeddingsSkipsRequestEntirely(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	err := c.Upsert(context.Background(), "people", []record.Record{{ID: "a"}})
	require.NoError(t, err)
	assert.False(t, called, "no records have embeddings, so no HTTP request should be made")
}

func TestVectorSearchAppliesThresholdAndLimit(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/people/points/search", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(5), body["limit"])
		assert.Equal(t, 0.8, body["score_threshold"])

		json.NewEncoder(w).Encode(searchResponse{Result: []searchResult{
			{ID: "a", Score: 0.95},
			{ID: "b", Score: 0.81},
		}})
	})

	hits, err := c.VectorSearch(context.Background(), "people", "embedding", []float32{0.1, 0.2}, 5, 0.8)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, 0.95, hits[0].Score)
}

func TestDoWrapsNon2xxResponseAsError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"status":"error","message":"boom"}`))
	})

	err := c.EnsureCollection(context.Background(), "people", 128)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestFieldsToPayloadRoundTripsNestedValues(t *testing.T) {
	fields := map[string]value.Value{
		"name":   value.String("Jon Smith"),
		"age":    value.Int(42),
		"active": value.Bool(true),
		"tags":   value.List([]value.Value{value.String("a"), value.String("b")}),
		"meta":   value.Map(map[string]value.Value{"k": value.String("v")}),
	}

	out := fieldsToPayload(fields)
	assert.Equal(t, "Jon Smith", out["name"])
	assert.Equal(t, int64(42), out["age"])
	assert.Equal(t, true, out["active"])
	assert.Equal(t, []any{"a", "b"}, out["tags"])
	assert.Equal(t, map[string]any{"k": "v"}, out["meta"])
}
