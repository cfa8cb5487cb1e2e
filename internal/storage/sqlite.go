package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/yakkan/internal/models"
)

// maxInArgs keeps IN (...) lists under SQLite's bound-parameter limit.
const maxInArgs = 500

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		issuer TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		product_name TEXT NOT NULL DEFAULT '',
		sale_start TIMESTAMP,
		sale_end TIMESTAMP,
		status TEXT NOT NULL,
		tier TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		original_path TEXT NOT NULL DEFAULT '',
		converted_path TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_documents_created_at ON documents(created_at);
	CREATE INDEX IF NOT EXISTS idx_documents_tier ON documents(tier);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		text TEXT NOT NULL,
		token_count INTEGER NOT NULL,
		sources TEXT NOT NULL,
		strategy TEXT NOT NULL,
		boundary INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_chunks_document_chunk ON chunks(document_id, chunk_index);

	CREATE TABLE IF NOT EXISTS pending_deletes (
		document_id TEXT PRIMARY KEY,
		requested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := db.Exec(schema)
	return err
}

const documentColumns = `id, title, issuer, category, product_name, sale_start, sale_end, status, tier,
	summary, original_path, converted_path, metadata, created_at, updated_at`

// SaveDocument inserts a document or replaces its attributes, keeping the original created_at.
func (s *SQLiteStorage) SaveDocument(ctx context.Context, doc *models.Document) error {
	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title = excluded.title, issuer = excluded.issuer, category = excluded.category,
			product_name = excluded.product_name, sale_start = excluded.sale_start,
			sale_end = excluded.sale_end, status = excluded.status, tier = excluded.tier,
			summary = excluded.summary, original_path = excluded.original_path,
			converted_path = excluded.converted_path, metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		doc.ID, doc.Title, doc.Issuer, doc.Category, doc.ProductName, nullTime(doc.SaleStart),
		nullTime(doc.SaleEnd), string(doc.Status), string(doc.Tier), doc.Summary, doc.OriginalPath,
		doc.ConvertedPath, string(metadataJSON), doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save document %s: %w", doc.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		doc                models.Document
		status, tier       string
		saleStart, saleEnd sql.NullTime
		metadataJSON       sql.NullString
	)
	err := row.Scan(&doc.ID, &doc.Title, &doc.Issuer, &doc.Category, &doc.ProductName, &saleStart,
		&saleEnd, &status, &tier, &doc.Summary, &doc.OriginalPath, &doc.ConvertedPath, &metadataJSON,
		&doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	doc.Status = models.DocumentStatus(status)
	doc.Tier = models.Tier(tier)
	if saleStart.Valid {
		t := saleStart.Time
		doc.SaleStart = &t
	}
	if saleEnd.Valid {
		t := saleEnd.Time
		doc.SaleEnd = &t
	}
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &doc, nil
}

// GetDocument returns a document by ID.
func (s *SQLiteStorage) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetDocuments returns the documents that exist among ids, keyed by ID.
func (s *SQLiteStorage) GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error) {
	out := make(map[string]*models.Document, len(ids))
	err := inBatches(ids, func(batch []string, args []any) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+documentColumns+` FROM documents WHERE id IN (`+placeholders(len(batch))+`)`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			doc, err := scanDocument(rows)
			if err != nil {
				return err
			}
			out[doc.ID] = doc
		}
		return rows.Err()
	})
	return out, err
}

// PatchDocument applies the mutable attributes of patch and returns the updated document.
func (s *SQLiteStorage) PatchDocument(ctx context.Context, id string, patch *models.DocumentPatch) (*models.Document, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.Status != nil {
		doc.Status = *patch.Status
	}
	if patch.Summary != nil {
		doc.Summary = *patch.Summary
	}
	doc.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, summary = ?, updated_at = ? WHERE id = ?`,
		string(doc.Status), doc.Summary, doc.UpdatedAt, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to patch document %s: %w", id, err)
	}
	return doc, nil
}

// DeleteDocument removes a document and, through the foreign key, its chunks.
func (s *SQLiteStorage) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	return err
}

// ListDocuments returns documents with offset and limit, newest first.
func (s *SQLiteStorage) ListDocuments(ctx context.Context, offset, limit int) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// FindBySourcePath returns the document ingested from the file at path, matched on the
// source_path metadata key.
func (s *SQLiteStorage) FindBySourcePath(ctx context.Context, path string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE json_extract(metadata, '$.source_path') = ?
		 ORDER BY updated_at DESC LIMIT 1`, path)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document for %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

const chunkColumns = `id, document_id, chunk_index, text, token_count, sources, strategy, boundary, created_at`

// ReplaceChunks swaps all chunks of a document in one transaction.
func (s *SQLiteStorage) ReplaceChunks(ctx context.Context, docID string, chunks []*models.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, docID); err != nil {
		return fmt.Errorf("failed to clear chunks of %s: %w", docID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (`+chunkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, c := range chunks {
		if c.DocumentID != docID {
			return fmt.Errorf("chunk %s belongs to %s, not %s", c.ID, c.DocumentID, docID)
		}
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		sources, err := json.Marshal(c.Sources)
		if err != nil {
			return fmt.Errorf("failed to marshal sources: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.DocumentID, c.Index, c.Text, c.TokenCount,
			string(sources), string(c.Strategy), c.Boundary, c.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func scanChunk(row rowScanner) (*models.Chunk, error) {
	var (
		c        models.Chunk
		sources  string
		strategy string
	)
	if err := row.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Text, &c.TokenCount, &sources, &strategy,
		&c.Boundary, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Strategy = models.ChunkStrategy(strategy)
	if err := json.Unmarshal([]byte(sources), &c.Sources); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources of %s: %w", c.ID, err)
	}
	return &c, nil
}

// GetChunk returns a chunk by ID.
func (s *SQLiteStorage) GetChunk(ctx context.Context, id string) (*models.Chunk, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+chunkColumns+` FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chunk %s: %w", id, ErrNotFound)
	}
	return c, err
}

// GetChunks returns the chunks that exist among ids, keyed by ID.
func (s *SQLiteStorage) GetChunks(ctx context.Context, ids []string) (map[string]*models.Chunk, error) {
	out := make(map[string]*models.Chunk, len(ids))
	err := inBatches(ids, func(batch []string, args []any) error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+chunkColumns+` FROM chunks WHERE id IN (`+placeholders(len(batch))+`)`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			c, err := scanChunk(rows)
			if err != nil {
				return err
			}
			out[c.ID] = c
		}
		return rows.Err()
	})
	return out, err
}

// GetChunksByDocumentID returns all chunks for a document ordered by chunk_index.
func (s *SQLiteStorage) GetChunksByDocumentID(ctx context.Context, docID string) ([]*models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE document_id = ? ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListChunkIDs maps every stored chunk ID to its document ID.
func (s *SQLiteStorage) ListChunkIDs(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, document_id FROM chunks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, docID string
		if err := rows.Scan(&id, &docID); err != nil {
			return nil, err
		}
		out[id] = docID
	}
	return out, rows.Err()
}

// AddPendingDelete records the intent to delete a document.
func (s *SQLiteStorage) AddPendingDelete(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_deletes (document_id, requested_at) VALUES (?, ?)
		 ON CONFLICT(document_id) DO NOTHING`, docID, time.Now().UTC())
	return err
}

// RemovePendingDelete clears a delete intent once every index has dropped the document.
func (s *SQLiteStorage) RemovePendingDelete(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_deletes WHERE document_id = ?`, docID)
	return err
}

// ListPendingDeletes returns unfinished delete intents, oldest first.
func (s *SQLiteStorage) ListPendingDeletes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id FROM pending_deletes ORDER BY requested_at, document_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountDocuments returns the total number of documents.
func (s *SQLiteStorage) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// CountChunks returns the total number of chunks.
func (s *SQLiteStorage) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func inBatches(ids []string, fn func(batch []string, args []any) error) error {
	for start := 0; start < len(ids); start += maxInArgs {
		end := min(start+maxInArgs, len(ids))
		batch := ids[start:end]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		if err := fn(batch, args); err != nil {
			return err
		}
	}
	return nil
}
