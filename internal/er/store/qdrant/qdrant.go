// Package qdrant implements an optional vector-index adapter over a
// Qdrant REST endpoint, satisfying internal/er/store.VectorIndex for
// deployments that run a standalone vector database instead of relying
// on the sqlite/postgres adapters' built-in vector columns. Grounded
// directly on the teacher's internal/vector/qdrant.go QdrantClient
// (same collection/points/search endpoints, same plain net/http
// request/response shape), generalized from address-embedding payloads
// to arbitrary record fields. The teacher's debug.DebugHeader/Footer
// tracing is dropped: this package does no logging and reports every
// failure as a wrapped error.
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ehdc-er/entityresolution/internal/er/record"
	"github.com/ehdc-er/entityresolution/internal/er/store"
	"github.com/ehdc-er/entityresolution/internal/er/value"
)

// Config configures the Qdrant HTTP endpoint.
type Config struct {
	Host    string
	Port    int
	APIKey  string
	Timeout time.Duration
}

// Client is a thin REST client over one Qdrant instance, implementing
// store.VectorIndex.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
}

// New builds a Client from cfg, defaulting Timeout to 30s like the
// teacher's NewQdrantClient.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		apiKey:     cfg.APIKey,
	}
}

var _ store.VectorIndex = (*Client)(nil)

// EnsureCollection creates collection if absent, sized for vectorSize-
// dimensional embeddings under cosine distance. Idempotent: Qdrant
// itself treats re-PUTting an existing collection as a no-op.
func (c *Client) EnsureCollection(ctx context.Context, collection string, vectorSize int) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
		"hnsw_config": map[string]any{
			"m":            16,
			"ef_construct": 128,
		},
	}
	url := fmt.Sprintf("%s/collections/%s", c.baseURL, collection)
	return c.do(ctx, http.MethodPut, url, body, nil)
}

// point is one upserted vector plus its source record's fields as a
// JSON payload, mirroring the teacher's QdrantPoint.
type point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// Upsert writes records' embeddings into collection. Records with no
// embedding are skipped rather than erroring, since not every record
// in a pool necessarily carries a vector.
func (c *Client) Upsert(ctx context.Context, collection string, records []record.Record) error {
	points := make([]point, 0, len(records))
	for _, r := range records {
		if len(r.Embedding) == 0 {
			continue
		}
		points = append(points, point{ID: r.ID, Vector: r.Embedding, Payload: fieldsToPayload(r.Fields)})
	}
	if len(points) == 0 {
		return nil
	}

	url := fmt.Sprintf("%s/collections/%s/points", c.baseURL, collection)
	return c.do(ctx, http.MethodPut, url, map[string]any{"points": points}, nil)
}

type searchResult struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type searchResponse struct {
	Result []searchResult `json:"result"`
}

// VectorSearch implements store.VectorIndex: query is the vector
// search against collection, filtered to results scoring at or above
// minCosine, capped at limit, matching the teacher's SearchPoints
// semantics. The index argument is accepted for interface compatibility
// but unused — Qdrant has one vector index per collection, not one per
// named field.
func (c *Client) VectorSearch(ctx context.Context, collection, index string, vector []float32, limit int, minCosine float64) ([]store.ScoredID, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": false,
		"with_vector":  false,
	}
	if minCosine > 0 {
		body["score_threshold"] = minCosine
	}

	url := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, collection)
	var resp searchResponse
	if err := c.do(ctx, http.MethodPost, url, body, &resp); err != nil {
		return nil, err
	}

	out := make([]store.ScoredID, 0, len(resp.Result))
	for _, r := range resp.Result {
		out = append(out, store.ScoredID{ID: r.ID, Score: r.Score})
	}
	return out, nil
}

// do marshals payload, issues an HTTP request against url, and decodes
// the response into result (if non-nil), wrapping every failure mode
// distinctly like the teacher's makeRequest.
func (c *Client) do(ctx context.Context, method, url string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("qdrant: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("qdrant: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("qdrant: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("qdrant: API error %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("qdrant: unmarshal response: %w", err)
		}
	}
	return nil
}

// fieldsToPayload converts a record's Fields into a plain JSON-able map,
// the inverse of value.FromAny, so field values survive the round trip
// to Qdrant's payload store unchanged in shape.
func fieldsToPayload(fields map[string]value.Value) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = toAny(v)
	}
	return out
}

func toAny(v value.Value) any {
	switch v.Kind() {
	case value.KindNull:
		return nil
	case value.KindBool:
		b, _ := v.AsBool()
		return b
	case value.KindInt:
		i, _ := v.AsInt()
		return i
	case value.KindFloat:
		f, _ := v.AsFloat()
		return f
	case value.KindString:
		s, _ := v.AsString()
		return s
	case value.KindList:
		l, _ := v.AsList()
		out := make([]any, len(l))
		for i, e := range l {
			out[i] = toAny(e)
		}
		return out
	case value.KindMap:
		m, _ := v.AsMap()
		out := make(map[string]any, len(m))
		for k, e := range m {
			out[k] = toAny(e)
		}
		return out
	default:
		return nil
	}
}
