// Package postgres implements the store.Store interface on top of
// PostgreSQL, grounded on the teacher's internal/db/connection.go
// (connection setup, pool sizing) and internal/match/generator.go's raw
// SQL / pg_trgm query style. Records, edges, clusters, and golden
// records are each kept in a JSONB-backed table so the same adapter
// serves arbitrary entity types without per-entity-type migrations.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/lib/pq"

	"github.com/ehdc-er/entityresolution/internal/er/erconfig"
	"github.com/ehdc-er/entityresolution/internal/er/errs"
	"github.com/ehdc-er/entityresolution/internal/er/record"
	"github.com/ehdc-er/entityresolution/internal/er/store"
	"github.com/ehdc-er/entityresolution/internal/er/value"
)

// Store adapts a *sql.DB to store.Store.
type Store struct {
	db *sql.DB
}

// Open mirrors the teacher's NewConnection: DSN pieces come from
// environment variables with the same defaults, connection pool sized
// the same way (20 open / 10 idle).
func Open() (*Store, error) {
	host := erconfig.EnvOr("PGHOST", "localhost")
	port := erconfig.EnvOr("PGPORT", "5432")
	user := erconfig.EnvOr("PGUSER", "user")
	password := erconfig.EnvOr("PGPASSWORD", "password")
	dbname := erconfig.EnvOr("PGDATABASE", "entity_resolution")

	dsn := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errs.NewStoreError("open", errs.StoreConnection, err)
	}
	if err := db.Ping(); err != nil {
		return nil, errs.NewStoreError("ping", errs.StoreConnection, err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)

	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func tableName(collection string) string {
	return pq.QuoteIdentifier("er_" + collection)
}

// sortEndpoints returns an edge's endpoints in canonical (sorted) order,
// matching record.Edge.CanonicalKey's ordering rule.
func sortEndpoints(e record.Edge) (a, b string) {
	a, b = e.IDA, e.IDB
	if a > b {
		a, b = b, a
	}
	return a, b
}

// commit wraps tx.Commit() in a *StoreError only on failure, leaving a
// clean nil on success.
func commit(op string, tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return errs.NewStoreError(op, errs.StoreInternal, err)
	}
	return nil
}

func (s *Store) HasCollection(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (
		SELECT FROM information_schema.tables WHERE table_name = $1
	)`, "er_"+name).Scan(&exists)
	if err != nil {
		return false, errs.NewStoreError("has_collection", errs.StoreInternal, err)
	}
	return exists, nil
}

func (s *Store) CreateCollection(ctx context.Context, name string) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		fields JSONB NOT NULL DEFAULT '{}'::jsonb,
		embedding REAL[],
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb
	)`, tableName(name))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return errs.NewStoreError("create_collection", errs.StoreInternal, err)
	}
	return nil
}

func (s *Store) CreateEdgeCollection(ctx context.Context, name string) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id_a TEXT NOT NULL,
		id_b TEXT NOT NULL,
		weight DOUBLE PRECISION NOT NULL,
		method TEXT NOT NULL,
		PRIMARY KEY (id_a, id_b)
	)`, tableName(name))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return errs.NewStoreError("create_edge_collection", errs.StoreInternal, err)
	}
	return nil
}

// GetMany fetches every record in one round trip using = ANY($1), the
// direct fix for the original per-id query loop (spec.md §4.1 N+1 note).
func (s *Store) GetMany(ctx context.Context, collection string, ids []string) (map[string]record.Record, []string, error) {
	found := make(map[string]record.Record, len(ids))
	if len(ids) == 0 {
		return found, nil, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, fields, embedding, metadata FROM %s WHERE id = ANY($1)`, tableName(collection),
	), pq.Array(ids))
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
	var id string
	var fieldsRaw, metaRaw []byte
	var embedding pq.Float64Array
	if err := scan(&id, &fieldsRaw, &embedding, &metaRaw); err != nil {
		return record.Record{}, err
	}

	var rawFields map[string]any
	if err := json.Unmarshal(fieldsRaw, &rawFields); err != nil {
		return record.Record{}, err
	}
	fields := make(map[string]value.Value, len(rawFields))
	for k, v := range rawFields {
		fields[k] = value.FromAny(v)
	}

	var meta record.Metadata
	_ = json.Unmarshal(metaRaw, &meta)

	emb := make([]float32, len(embedding))
	for i, f := range embedding {
		emb[i] = float32(f)
	}

	return record.Record{
		ID:         id,
		Collection: collection,
		Fields:     fields,
		Embedding:  emb,
		Metadata:   meta,
	}, nil
}

func (s *Store) Scan(ctx context.Context, collection string, filter store.ScanFilter, batchSize int, fn func([]record.Record) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}

	where, args := "", []any{}
	if len(filter.Fields) > 0 {
		var conds []string
		for k, v := range filter.Fields {
			args = append(args, k, v)
			conds = append(conds, fmt.Sprintf("fields->>$%d = $%d", len(args)-1, len(args)))
		}
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	offset := 0
	for {
		q := fmt.Sprintf(`SELECT id, fields, embedding, metadata FROM %s %s ORDER BY id LIMIT %d OFFSET %d`,
			tableName(collection), where, batchSize, offset)
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return errs.NewStoreError("scan", errs.StoreInternal, err)
		}

		var batch []record.Record
		for rows.Next() {
			rec, err := scanRecord(rows.Scan, collection)
			if err != nil {
				rows.Close()
				return errs.NewStoreError("scan", errs.StoreInternal, err)
			}
			batch = append(batch, rec)
		}
		rows.Close()

		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		offset += batchSize
	}
}

func (s *Store) InsertMany(ctx context.Context, collection string, docs []record.Record, conflict store.OnConflict) error {
	if len(docs) == 0 {
		return nil
	}

	onConflict := "DO UPDATE SET fields = EXCLUDED.fields, embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata"
	if conflict == store.OnConflictIgnore {
		onConflict = "DO NOTHING"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.NewStoreError("insert_many", errs.StoreConnection, err)
	}
	defer tx.Rollback()

	stmt := fmt.Sprintf(`INSERT INTO %s (id, fields, embedding, metadata) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) %s`, tableName(collection), onConflict)

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
		emb := make(pq.Float64Array, len(rec.Embedding))
		for i, f := range rec.Embedding {
			emb[i] = float64(f)
		}
		if _, err := tx.ExecContext(ctx, stmt, rec.ID, fieldsJSON, emb, metaJSON); err != nil {
			return errs.NewStoreError("insert_many", errs.StoreInternal, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return errs.NewStoreError("insert_many", errs.StoreInternal, err)
	}
	return nil
}

// CreateTextIndex provisions a pg_trgm GIN index over the given fields,
// mirroring the teacher's reliance on pg_trgm for trigramMatch.
func (s *Store) CreateTextIndex(ctx context.Context, collection string, fields []string, analyzer string) error {
	if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS pg_trgm`); err != nil {
		return errs.NewStoreError("create_text_index", errs.StoreInternal, err)
	}
	for _, f := range fields {
		idxName := pq.QuoteIdentifier(fmt.Sprintf("idx_%s_%s_trgm", collection, f))
		stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING GIN ((fields->>'%s') gin_trgm_ops)`,
			idxName, tableName(collection), f)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errs.NewStoreError("create_text_index", errs.StoreInternal, err)
		}
	}
	return nil
}

// TextSearch uses pg_trgm's similarity() operator, the same function the
// teacher's trigramMatch builds its ORDER BY on.
func (s *Store) TextSearch(ctx context.Context, collection, index, query string, limit int, minScore float64) ([]store.ScoredID, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, similarity($1, fields->>$2) AS score FROM %s
		 WHERE fields->>$2 %% $1 AND similarity($1, fields->>$2) >= $3
		 ORDER BY score DESC LIMIT $4`, tableName(collection)),
		query, index, minScore, limit)
	if err != nil {
		return nil, errs.NewStoreError("text_search", errs.StoreInternal, err)
	}
	defer rows.Close()

	var out []store.ScoredID
	for rows.Next() {
		var sid store.ScoredID
		if err := rows.Scan(&sid.ID, &sid.Score); err != nil {
			return nil, errs.NewStoreError("text_search", errs.StoreInternal, err)
		}
		out = append(out, sid)
	}
	return out, nil
}

func (s *Store) CreateVectorIndex(ctx context.Context, collection, field, metric string) error {
	// Plain PostgreSQL has no native vector index; this adapter falls
	// back to a brute-force scan in VectorSearch. Deployments needing
	// an indexed ANN search should use the sqlite or qdrant adapter.
	return nil
}

func (s *Store) VectorSearch(ctx context.Context, collection, index string, vec []float32, limit int, minCosine float64) ([]store.ScoredID, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, embedding FROM %s WHERE embedding IS NOT NULL`, tableName(collection)))
	if err != nil {
		return nil, errs.NewStoreError("vector_search", errs.StoreInternal, err)
	}
	defer rows.Close()

	var out []store.ScoredID
	for rows.Next() {
		var id string
		var emb pq.Float64Array
		if err := rows.Scan(&id, &emb); err != nil {
			return nil, errs.NewStoreError("vector_search", errs.StoreInternal, err)
		}
		f32 := make([]float32, len(emb))
		for i, v := range emb {
			f32[i] = float32(v)
		}
		score := cosine(vec, f32)
		if score >= minCosine {
			out = append(out, store.ScoredID{ID: id, Score: score})
		}
	}
	sortScoredDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
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

func sortScoredDesc(s []store.ScoredID) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].Score < s[j].Score; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
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

	stmt := fmt.Sprintf(`INSERT INTO %s (id_a, id_b, weight, method) VALUES ($1,$2,$3,$4)
		ON CONFLICT (id_a, id_b) DO UPDATE SET weight = EXCLUDED.weight, method = EXCLUDED.method`,
		tableName(collection))

	for _, e := range edges {
		a, b := sortEndpoints(e)
		if _, err := tx.ExecContext(ctx, stmt, a, b, e.Weight, e.Method); err != nil {
			return errs.NewStoreError("insert_edges", errs.StoreInternal, err)
		}
	}
	return commit("insert_edges", tx)
}

// BulkImportEdges uses lib/pq's COPY protocol, the fast path the spec
// calls out as an alternative to the per-edge API insert.
func (s *Store) BulkImportEdges(ctx context.Context, collection string, edges []record.Edge) error {
	if len(edges) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.NewStoreError("bulk_import_edges", errs.StoreConnection, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("er_"+collection, "id_a", "id_b", "weight", "method"))
	if err != nil {
		return errs.NewStoreError("bulk_import_edges", errs.StoreInternal, err)
	}

	for _, e := range edges {
		a, b := sortEndpoints(e)
		if _, err := stmt.ExecContext(ctx, a, b, e.Weight, e.Method); err != nil {
			return errs.NewStoreError("bulk_import_edges", errs.StoreInternal, err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		return errs.NewStoreError("bulk_import_edges", errs.StoreInternal, err)
	}
	if err := stmt.Close(); err != nil {
		return errs.NewStoreError("bulk_import_edges", errs.StoreInternal, err)
	}
	return commit("bulk_import_edges", tx)
}

// FetchAllEdges loads the whole similarity graph in one round trip so
// the clustering stage never issues a per-vertex neighbor query.
func (s *Store) FetchAllEdges(ctx context.Context, collection string, minWeight float64, maxEdges int) ([]record.Edge, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT count(*) FROM %s WHERE weight >= $1`, tableName(collection)), minWeight,
	).Scan(&count); err != nil {
		return nil, errs.NewStoreError("fetch_all_edges", errs.StoreInternal, err)
	}
	if count > maxEdges {
		return nil, errs.NewStoreError("fetch_all_edges", errs.StoreInvalidRequest,
			fmt.Errorf("edge count %d exceeds max_edges_fetch %d", count, maxEdges))
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id_a, id_b, weight, method FROM %s WHERE weight >= $1`, tableName(collection)), minWeight)
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

	stmt := fmt.Sprintf(`INSERT INTO %s (id, fields, embedding, metadata) VALUES ($1,$2,NULL,$3)
		ON CONFLICT (id) DO UPDATE SET fields = EXCLUDED.fields, metadata = EXCLUDED.metadata`, tableName(collection))

	for _, c := range clusters {
		fields, err := json.Marshal(c)
		if err != nil {
			return errs.NewStoreError("insert_clusters", errs.StoreInvalidRequest, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, c.ID, fields, []byte("{}")); err != nil {
			return errs.NewStoreError("insert_clusters", errs.StoreInternal, err)
		}
	}
	return commit("insert_clusters", tx)
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

	stmt := fmt.Sprintf(`INSERT INTO %s (id, fields, embedding, metadata) VALUES ($1,$2,NULL,$3)
		ON CONFLICT (id) DO UPDATE SET fields = EXCLUDED.fields, metadata = EXCLUDED.metadata`, tableName(collection))

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
	return commit("insert_golden", tx)
}

var _ store.Store = (*Store)(nil)
