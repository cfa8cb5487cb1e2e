package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// MockEmbedder is a deterministic embedder for tests and offline runs. It hashes the
// words and character bigrams of a text into a fixed-dimension bag-of-features vector,
// so the same text always gets the same embedding and texts sharing vocabulary are close.
type MockEmbedder struct {
	dimensions int
}

// NewMockEmbedder returns an embedder that produces deterministic embeddings of the given dimensions.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &MockEmbedder{dimensions: dimensions}
}

// Embed returns a unit-length feature-hash embedding of text.
func (e *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	emb := make([]float32, e.dimensions)
	for _, f := range mockFeatures(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(f))
		sum := h.Sum64()
		sign := float32(1)
		if sum&(1<<63) != 0 {
			sign = -1
		}
		emb[sum%uint64(e.dimensions)] += sign
	}
	var norm float64
	for _, v := range emb {
		norm += float64(v * v)
	}
	if norm == 0 {
		// Text without features still gets a valid, non-degenerate vector.
		emb[0], emb[1%e.dimensions] = 1, 0.5
		norm = 1.25
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range emb {
		emb[i] *= scale
	}
	return emb, nil
}

func mockFeatures(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	features := make([]string, 0, len(words)*3)
	for _, w := range words {
		features = append(features, "w:"+w)
		runes := []rune(w)
		for i := 0; i+1 < len(runes); i++ {
			features = append(features, "b:"+string(runes[i:i+2]))
		}
	}
	return features
}

// EmbedBatch calls Embed for each text.
func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, e, texts)
}

// Dimensions returns the embedding dimension.
func (e *MockEmbedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op for MockEmbedder.
func (e *MockEmbedder) Close() error {
	return nil
}
