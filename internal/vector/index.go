// Package vector stores chunk embeddings in one partition per (model, dimensions) pair.
package vector

import (
	"context"
	"time"
)

// Record is one stored embedding together with the chunk columns its partition keeps.
type Record struct {
	ChunkID    string
	DocumentID string
	ChunkIndex int
	Text       string
	Vector     []float32
	Model      string
	CreatedAt  time.Time
}

// Filter restricts a query to a set of documents before ranking. An empty filter allows all.
type Filter struct {
	DocumentIDs []string
}

// Empty reports whether the filter allows every document.
func (f Filter) Empty() bool {
	return len(f.DocumentIDs) == 0
}

func (f Filter) set() map[string]bool {
	if f.Empty() {
		return nil
	}
	s := make(map[string]bool, len(f.DocumentIDs))
	for _, id := range f.DocumentIDs {
		s[id] = true
	}
	return s
}

// Hit is a single vector search result. Similarity is 1 - cosine distance.
type Hit struct {
	ChunkID    string
	DocumentID string
	ChunkIndex int
	Text       string
	Similarity float64
}

// ChunkRef identifies a stored chunk.
type ChunkRef struct {
	ChunkID    string
	DocumentID string
}

// Partition holds the embeddings of one model. Every vector has the partition's dimensionality.
type Partition interface {
	Upsert(ctx context.Context, records []Record) error
	Query(ctx context.Context, vec []float32, k int, filter Filter) ([]Hit, error)
	DeleteDocument(ctx context.Context, documentID string) (int, error)
	DeleteChunks(ctx context.Context, chunkIDs []string) error
	ListChunks(ctx context.Context) ([]ChunkRef, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// PartitionSpec names a partition and its vector shape.
type PartitionSpec struct {
	Name       string
	Model      string
	Dimensions int
}

// lessHit orders by similarity, then document and chunk index for reproducible ties.
func lessHit(a, b Hit) bool {
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	if a.DocumentID != b.DocumentID {
		return a.DocumentID < b.DocumentID
	}
	return a.ChunkIndex < b.ChunkIndex
}
