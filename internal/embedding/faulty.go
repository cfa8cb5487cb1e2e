package embedding

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
)

// FaultyEmbedder wraps an Embedder and injects failures: texts listed in Malformed get a
// NaN vector, the first FailCalls batch calls fail with Err, and Delay stalls every call.
type FaultyEmbedder struct {
	Inner     Embedder
	Malformed map[string]bool
	FailCalls int32
	Err       error
	Delay     func(ctx context.Context) error

	calls atomic.Int32
	mu    sync.Mutex
	sizes []int
}

// Embed embeds one text through EmbedBatch.
func (f *FaultyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch records the batch size and applies the configured faults.
func (f *FaultyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.sizes = append(f.sizes, len(texts))
	f.mu.Unlock()

	if f.Delay != nil {
		if err := f.Delay(ctx); err != nil {
			return nil, err
		}
	}
	if n <= f.FailCalls {
		return nil, f.Err
	}
	vecs, err := f.Inner.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	for i, t := range texts {
		if f.Malformed[t] {
			bad := make([]float32, len(vecs[i]))
			bad[0] = float32(math.NaN())
			vecs[i] = bad
		}
	}
	return vecs, nil
}

// Calls returns the number of batch calls made.
func (f *FaultyEmbedder) Calls() int {
	return int(f.calls.Load())
}

// BatchSizes returns the size of every batch call in order.
func (f *FaultyEmbedder) BatchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.sizes...)
}

// Dimensions returns the wrapped dimension.
func (f *FaultyEmbedder) Dimensions() int {
	return f.Inner.Dimensions()
}

// Close closes the wrapped embedder.
func (f *FaultyEmbedder) Close() error {
	return f.Inner.Close()
}
