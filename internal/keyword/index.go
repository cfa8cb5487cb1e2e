// Package keyword provides the term-weighted keyword index over chunk text.
package keyword

import (
	"context"
)

// Entry is one chunk to index. Text is analyzed with the shared query analyzer.
type Entry struct {
	ChunkID    string
	DocumentID string
	ChunkIndex int
	Text       string
}

// Query is a keyword search. Terms are already analyzed; each phrase is a run of analyzed
// terms that scores higher when it appears in order.
type Query struct {
	Terms       []string
	Phrases     [][]string
	DocumentIDs []string
	Limit       int
}

// Hit is a single keyword search result. Scores are only comparable within one search.
type Hit struct {
	ChunkID    string
	DocumentID string
	ChunkIndex int
	Score      float64
}

// ChunkRef identifies an indexed chunk.
type ChunkRef struct {
	ChunkID    string
	DocumentID string
}

// Index defines keyword search operations.
type Index interface {
	Index(ctx context.Context, entries []Entry) error
	Search(ctx context.Context, q Query) ([]Hit, error)
	DeleteDocument(ctx context.Context, documentID string) (int, error)
	DeleteChunks(ctx context.Context, chunkIDs []string) error
	ListChunks(ctx context.Context) ([]ChunkRef, error)
	// DocCount returns the number of indexed chunks.
	DocCount() (uint64, error)
	Close() error
}
