package models

import "time"

// ChunkStrategy names the chunking strategy that produced a chunk.
type ChunkStrategy string

const (
	StrategyFixedSize    ChunkStrategy = "fixed"
	StrategyContentAware ChunkStrategy = "content"
	StrategySemantic     ChunkStrategy = "semantic"
)

// Valid reports whether s names a known strategy.
func (s ChunkStrategy) Valid() bool {
	switch s {
	case StrategyFixedSize, StrategyContentAware, StrategySemantic:
		return true
	}
	return false
}

// Chunk is the atomic retrieval unit: an ordered slice of a document's text with its
// token count and the segments it came from.
type Chunk struct {
	ID         string        `json:"id" db:"id"`
	DocumentID string        `json:"document_id" db:"document_id"`
	Index      int           `json:"chunk_index" db:"chunk_index"`
	Text       string        `json:"text" db:"text"`
	TokenCount int           `json:"token_count" db:"token_count"`
	Sources    []SegmentRef  `json:"sources" db:"sources"`
	Strategy   ChunkStrategy `json:"strategy" db:"strategy"`
	// Boundary is true when the chunk starts at a hard structural boundary (clause header,
	// table) and therefore shares no overlap with its predecessor.
	Boundary  bool      `json:"boundary,omitempty" db:"boundary"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// EmbeddingRecord is a (chunk, model) vector that passed quality validation.
type EmbeddingRecord struct {
	ChunkID    string    `json:"chunk_id"`
	DocumentID string    `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Vector     []float32 `json:"vector"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
	CreatedAt  time.Time `json:"created_at"`
}
