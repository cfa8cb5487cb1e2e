package vector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/errs"
)

// PGPartition stores one model's embeddings in its own pgvector table. Partitions whose
// dimensionality fits the HNSW limit get an approximate index; larger ones are scanned exactly.
type PGPartition struct {
	pool     *pgxpool.Pool
	spec     PartitionSpec
	table    string
	indexed  bool
	efSearch int
}

// NewPGPartition creates the partition table (and HNSW index when supported) if missing.
func NewPGPartition(ctx context.Context, pool *pgxpool.Pool, spec PartitionSpec, cfg *config.VectorConfig) (*PGPartition, error) {
	if spec.Dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	p := &PGPartition{
		pool:     pool,
		spec:     spec,
		table:    pgx.Identifier{spec.Name}.Sanitize(),
		indexed:  spec.Dimensions <= cfg.MaxIndexedDimensions,
		efSearch: cfg.HNSWEfSearch,
	}
	if err := p.initialize(ctx, cfg); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PGPartition) initialize(ctx context.Context, cfg *config.VectorConfig) error {
	if _, err := p.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}
	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			chunk_id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			text TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			model TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.table, p.spec.Dimensions)
	if _, err := p.pool.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table %s: %w", p.spec.Name, err)
	}
	docIndex := pgx.Identifier{p.spec.Name + "_document_idx"}.Sanitize()
	if _, err := p.pool.Exec(ctx, fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS %s ON %s (document_id, chunk_index)", docIndex, p.table)); err != nil {
		return fmt.Errorf("failed to create document index: %w", err)
	}
	if !p.indexed {
		return nil
	}
	hnswIndex := pgx.Identifier{p.spec.Name + "_embedding_hnsw"}.Sanitize()
	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s
		ON %s
		USING hnsw (embedding vector_cosine_ops)
		WITH (m = %d, ef_construction = %d)`,
		hnswIndex, p.table, cfg.HNSWM, cfg.HNSWEfConstruction)
	if _, err := p.pool.Exec(ctx, createIndex); err != nil {
		return fmt.Errorf("failed to create hnsw index: %w", err)
	}
	return nil
}

// Upsert writes records in one transaction.
func (p *PGPartition) Upsert(ctx context.Context, records []Record) error {
	for _, r := range records {
		if len(r.Vector) != p.spec.Dimensions {
			return errs.Validation("vector.upsert", "vector dimension mismatch: got %d, expected %d", len(r.Vector), p.spec.Dimensions)
		}
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errs.BackendUnavailable("vector.upsert", err)
	}
	defer tx.Rollback(ctx)

	stmt := fmt.Sprintf(`
		INSERT INTO %s (chunk_id, document_id, chunk_index, text, embedding, model, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chunk_id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			chunk_index = EXCLUDED.chunk_index,
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding,
			model = EXCLUDED.model,
			created_at = EXCLUDED.created_at`, p.table)

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(stmt, r.ChunkID, r.DocumentID, r.ChunkIndex, r.Text, pgvector.NewVector(r.Vector), r.Model, r.CreatedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert into %s: %w", p.spec.Name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// Query ranks by cosine distance. The document filter is applied in the WHERE clause, so
// ranking only sees allowed documents.
func (p *PGPartition) Query(ctx context.Context, vec []float32, k int, filter Filter) ([]Hit, error) {
	if len(vec) != p.spec.Dimensions {
		return nil, errs.Validation("vector.query", "query dimension mismatch: got %d, expected %d", len(vec), p.spec.Dimensions)
	}
	if k <= 0 {
		return nil, nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, errs.BackendUnavailable("vector.query", err)
	}
	defer tx.Rollback(ctx)

	if p.indexed && p.efSearch > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", max(p.efSearch, k))); err != nil {
			return nil, fmt.Errorf("failed to set ef_search: %w", err)
		}
	}

	var docIDs []string
	if !filter.Empty() {
		docIDs = filter.DocumentIDs
	}
	query := fmt.Sprintf(`
		SELECT chunk_id, document_id, chunk_index, text, 1 - (embedding <=> $1) AS similarity
		FROM %s
		WHERE $2::text[] IS NULL OR document_id = ANY($2)
		ORDER BY embedding <=> $1, document_id, chunk_index
		LIMIT $3`, p.table)

	rows, err := tx.Query(ctx, query, pgvector.NewVector(vec), docIDs, k)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", p.spec.Name, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.ChunkIndex, &h.Text, &h.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return hits, nil
}

// DeleteDocument removes every chunk of documentID.
func (p *PGPartition) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	tag, err := p.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE document_id = $1", p.table), documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete document from %s: %w", p.spec.Name, err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteChunks removes chunks by ID.
func (p *PGPartition) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE chunk_id = ANY($1)", p.table), chunkIDs)
	if err != nil {
		return fmt.Errorf("failed to delete chunks from %s: %w", p.spec.Name, err)
	}
	return nil
}

// ListChunks returns every stored chunk reference.
func (p *PGPartition) ListChunks(ctx context.Context) ([]ChunkRef, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf("SELECT chunk_id, document_id FROM %s", p.table))
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()
	var refs []ChunkRef
	for rows.Next() {
		var r ChunkRef
		if err := rows.Scan(&r.ChunkID, &r.DocumentID); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// Count returns the number of stored vectors.
func (p *PGPartition) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", p.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", p.spec.Name, err)
	}
	return n, nil
}

// Close is a no-op; the pool is shared and closed by the Store.
func (p *PGPartition) Close() error {
	return nil
}
