// Package sqlite implements store.Store on top of modernc.org/sqlite,
// grounded on liliang-cn-sqvect's SQLiteStore: a single BLOB-encoded
// vector column per row, table-per-collection schema, and
// database/sql driven entirely through the pure-Go modernc.org/sqlite
// driver (no cgo). Unlike sqvect this adapter keeps the brute-force
// cosine scan sqvect itself falls back to when its HNSW index is
// disabled, since the entity-resolution workload's candidate sets are
// already blocked down to a size the scan handles comfortably; the
// HNSW/kshard vector libraries sqvect depends on are not pulled in (see
// DESIGN.md).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	_ "modernc.org/sqlite"

	"github.com/ehdc-er/entityresolution/internal/er/errs"
	"github.com/ehdc-er/entityresolution/internal/er/record"
	"github.com/ehdc-er/entityresolution/internal/er/store"
	"github.com/ehdc-er/entityresolution/internal/er/value"
)

// Store adapts a *sql.DB opened against a sqlite file to store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.NewStoreError("open", errs.StoreConnection, err)
	}
	if err := db.Ping(); err != nil {
		return nil, errs.NewStoreError("ping", errs.StoreConnection, err)
	}
	// sqlite allows only one writer; serialize through a single
	// connection the way sqvect does to avoid "database is locked".
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func recTable(collection string) string { return "rec_" + collection }
func edgeTable(collection string) string { return "edge_" + collection }

func (s *Store) HasCollection(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, recTable(name),
	).Scan(&n)
	if err != nil {
		return false, errs.NewStoreError("has_collection", errs.StoreInternal, err)
	}
	return n > 0, nil
}

func (s *Store) CreateCollection(ctx context.Context, name string) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		fields TEXT NOT NULL DEFAULT '{}',
		vector BLOB,
		metadata TEXT NOT NULL DEFAULT '{}'
	)`, recTable(name))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return errs.NewStoreError("create_collection", errs.StoreInternal, err)
	}
	return nil
}

func (s *Store) CreateEdgeCollection(ctx context.Context, name string) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id_a TEXT NOT NULL,
		id_b TEXT NOT NULL,
		weight REAL NOT NULL,
		method TEXT NOT NULL,
		PRIMARY KEY (id_a, id_b)
	)`, edgeTable(name))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return errs.NewStoreError("create_edge_collection", errs.StoreInternal, err)
	}
	return nil
}

// encodeVector mirrors sqvect's BLOB-encoded vector column: little
// endian float32s, no header (dimension is carried by the caller).
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

func (s *Store) GetMany(ctx context.Context, collection string, ids []string) (map[string]record.Record, []string, error) {
	found := make(map[string]record.Record, len(ids))
	if len(ids) == 0 {
		return found, nil, nil
	}

	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, fields, vector, metadata FROM %s WHERE id IN (%s)`, recTable(collection), placeholders,
	), args...)
	if err != nil {
		return nil, nil, errs.NewStoreError("get_many", errs.StoreInternal, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows.Scan, collection)
		if err != nil {
			return nil, nil, errs.NewStoreError("get_many", errs.StoreInternal, err)
		}
		found[rec.ID] = rec
	}

	var missing []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}

func scanRecord(scan func(...any) error, collection string) (record.Record, error) {
	var id, fieldsRaw, metaRaw string
	var vectorRaw []byte
	if err := scan(&id, &fieldsRaw, &vectorRaw, &metaRaw); err != nil {
		return record.Record{}, err
	}

	var rawFields map[string]any
	if err := json.Unmarshal([]byte(fieldsRaw), &rawFields); err != nil {
		return record.Record{}, err
	}
	fields := make(map[string]value.Value, len(rawFields))
	for k, v := range rawFields {
		fields[k] = value.FromAny(v)
	}

	var meta record.Metadata
	_ = json.Unmarshal([]byte(metaRaw), &meta)

	return record.Record{
		ID:         id,
		Collection: collection,
		Fields:     fields,
		Embedding:  decodeVector(vectorRaw),
		Metadata:   meta,
	}, nil
}

func (s *Store) Scan(ctx context.Context, collection string, filter store.ScanFilter, batchSize int, fn func([]record.Record) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}

	offset := 0
	for {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
			`SELECT id, fields, vector, metadata FROM %s ORDER BY id LIMIT ? OFFSET ?`, recTable(collection),
		), batchSize, offset)
		if err != nil {
			return errs.NewStoreError("scan", errs.StoreInternal, err)
		}

		var batch []record.Record
		fetched := 0
		for rows.Next() {
			fetched++
			rec, err := scanRecord(rows.Scan, collection)
			if err != nil {
				rows.Close()
				return errs.NewStoreError("scan", errs.StoreInternal, err)
			}
			if matchesFilter(rec, filter) {
				batch = append(batch, rec)
			}
		}
		rows.Close()

		if fetched == 0 && offset > 0 {
			return nil
		}
		if len(batch) > 0 {
			if err := fn(batch); err != nil {
				return err
			}
		}
		if fetched < batchSize {
			return nil
		}
		offset += batchSize
	}
}

func matchesFilter(rec record.Record, filter store.ScanFilter) bool {
	for k, want := range filter.Fields {
		got, _ := rec.Field(k).AsString()
		if got != want {
			return false
		}
	}
	return true
}

func (s *Store) InsertMany(ctx context.Context, collection string, docs []record.Record, conflict store.OnConflict) error {
	if len(docs) == 0 {
		return nil
	}

	verb := "INSERT OR REPLACE"
	if conflict == store.OnConflictIgnore {
		verb = "INSERT OR IGNORE"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.NewStoreError("insert_many", errs.StoreConnection, err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`%s INTO %s (id, fields, vector, metadata) VALUES (?,?,?,?)`, verb, recTable(collection))

	for _, rec := range docs {
		rawFields := make(map[string]any, len(rec.Fields))
		for k, v := range rec.Fields {
			rawFields[k] = v
		}
		fieldsJSON, err := json.Marshal(rawFields)
		if err != nil {
			return errs.NewStoreError("insert_many", errs.StoreInvalidRequest, err)
		}
		metaJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			return errs.NewStoreError("insert_many", errs.StoreInvalidRequest, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, rec.ID, fieldsJSON, encodeVector(rec.Embedding), metaJSON); err != nil {
			return errs.NewStoreError("insert_many", errs.StoreInternal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.NewStoreError("insert_many", errs.StoreInternal, err)
	}
	return nil
}

// CreateTextIndex is a no-op: sqlite's FTS5 virtual tables require a
// separate shadow table per column set, which this entity-shaped schema
// doesn't use; TextSearch below falls back to a LIKE scan.
func (s *Store) CreateTextIndex(ctx context.Context, collection string, fields []string, analyzer string) error {
	return nil
}

func (s *Store) TextSearch(ctx context.Context, collection, index, query string, limit int, minScore float64) ([]store.ScoredID, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, fields FROM %s WHERE fields LIKE ?`, recTable(collection)), "%"+query+"%")
	if err != nil {
		return nil, errs.NewStoreError("text_search", errs.StoreInternal, err)
	}
	defer rows.Close()

	var out []store.ScoredID
	for rows.Next() {
		var id, fields string
		if err := rows.Scan(&id, &fields); err != nil {
			return nil, errs.NewStoreError("text_search", errs.StoreInternal, err)
		}
		out = append(out, store.ScoredID{ID: id, Score: 1.0})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateVectorIndex is a no-op for the same reason sqvect's own
// "index" is a lazily built in-memory structure, not a SQL index; the
// scan in VectorSearch below is the index.
func (s *Store) CreateVectorIndex(ctx context.Context, collection, field, metric string) error {
	return nil
}

func (s *Store) VectorSearch(ctx context.Context, collection, index string, vec []float32, limit int, minCosine float64) ([]store.ScoredID, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, vector FROM %s WHERE vector IS NOT NULL`, recTable(collection)))
	if err != nil {
		return nil, errs.NewStoreError("vector_search", errs.StoreInternal, err)
	}
	defer rows.Close()

	var out []store.ScoredID
	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, errs.NewStoreError("vector_search", errs.StoreInternal, err)
		}
		score := cosineSimilarity(vec, decodeVector(raw))
		if score >= minCosine {
			out = append(out, store.ScoredID{ID: id, Score: score})
		}
	}

	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Score < out[j].Score; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// cosineSimilarity mirrors sqvect's CosineSimilarity default
// similarity function.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (s *Store) InsertEdges(ctx context.Context, collection string, edges []record.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.NewStoreError("insert_edges", errs.StoreConnection, err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`INSERT OR REPLACE INTO %s (id_a, id_b, weight, method) VALUES (?,?,?,?)`, edgeTable(collection))
	for _, e := range edges {
		a, b := e.IDA, e.IDB
		if a > b {
			a, b = b, a
		}
		if _, err := tx.ExecContext(ctx, stmt, a, b, e.Weight, e.Method); err != nil {
			return errs.NewStoreError("insert_edges", errs.StoreInternal, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.NewStoreError("insert_edges", errs.StoreInternal, err)
	}
	return nil
}

// BulkImportEdges has no faster path than InsertEdges on sqlite (no
// COPY protocol equivalent), so it delegates directly.
func (s *Store) BulkImportEdges(ctx context.Context, collection string, edges []record.Edge) error {
	return s.InsertEdges(ctx, collection, edges)
}

func (s *Store) FetchAllEdges(ctx context.Context, collection string, minWeight float64, maxEdges int) ([]record.Edge, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT count(*) FROM %s WHERE weight >= ?`, edgeTable(collection)), minWeight,
	).Scan(&count); err != nil {
		return nil, errs.NewStoreError("fetch_all_edges", errs.StoreInternal, err)
	}
	if count > maxEdges {
		return nil, errs.NewStoreError("fetch_all_edges", errs.StoreInvalidRequest,
			fmt.Errorf("edge count %d exceeds max_edges_fetch %d", count, maxEdges))
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id_a, id_b, weight, method FROM %s WHERE weight >= ?`, edgeTable(collection)), minWeight)
	if err != nil {
		return nil, errs.NewStoreError("fetch_all_edges", errs.StoreInternal, err)
	}
	defer rows.Close()

	var edges []record.Edge
	for rows.Next() {
		var e record.Edge
		if err := rows.Scan(&e.IDA, &e.IDB, &e.Weight, &e.Method); err != nil {
			return nil, errs.NewStoreError("fetch_all_edges", errs.StoreInternal, err)
		}
		edges = append(edges, e)
	}
	return edges, nil
}

func (s *Store) InsertClusters(ctx context.Context, collection string, clusters []record.Cluster) error {
	if len(clusters) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.NewStoreError("insert_clusters", errs.StoreConnection, err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`INSERT OR REPLACE INTO %s (id, fields, vector, metadata) VALUES (?,?,NULL,?)`, recTable(collection))
	for _, c := range clusters {
		blob, err := json.Marshal(c)
		if err != nil {
			return errs.NewStoreError("insert_clusters", errs.StoreInvalidRequest, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, c.ID, blob, []byte("{}")); err != nil {
			return errs.NewStoreError("insert_clusters", errs.StoreInternal, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.NewStoreError("insert_clusters", errs.StoreInternal, err)
	}
	return nil
}

func (s *Store) InsertGolden(ctx context.Context, collection string, golden []record.Golden) error {
	if len(golden) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.NewStoreError("insert_golden", errs.StoreConnection, err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`INSERT OR REPLACE INTO %s (id, fields, vector, metadata) VALUES (?,?,NULL,?)`, recTable(collection))
	for _, g := range golden {
		raw := make(map[string]any, len(g.Fields))
		for k, v := range g.Fields {
			raw[k] = v
		}
		fieldsJSON, err := json.Marshal(raw)
		if err != nil {
			return errs.NewStoreError("insert_golden", errs.StoreInvalidRequest, err)
		}
		metaJSON, err := json.Marshal(g)
		if err != nil {
			return errs.NewStoreError("insert_golden", errs.StoreInvalidRequest, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, g.ID, fieldsJSON, metaJSON); err != nil {
			return errs.NewStoreError("insert_golden", errs.StoreInternal, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.NewStoreError("insert_golden", errs.StoreInternal, err)
	}
	return nil
}

var _ store.Store = (*Store)(nil)
