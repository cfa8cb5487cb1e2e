package embedding

import (
	"fmt"
	"sort"

	"github.com/hyperjump/yakkan/internal/errs"
)

// ItemFailure reports why one input text has no embedding.
type ItemFailure struct {
	Index  int       `json:"index"`
	Kind   errs.Kind `json:"kind"`
	Reason string    `json:"reason"`
}

// EmbeddingError lists the inputs that could not be embedded. The other inputs of the
// same call still have vectors, so callers can skip the failed indices and continue.
type EmbeddingError struct {
	Model    string
	Total    int
	Failures []ItemFailure
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding %s: %d of %d texts failed", e.Model, len(e.Failures), e.Total)
}

// FailedIndices returns the sorted input indices that failed.
func (e *EmbeddingError) FailedIndices() []int {
	out := make([]int, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Index
	}
	sort.Ints(out)
	return out
}

// Kind is the dominant failure kind: quality when any item failed validation alone,
// otherwise the kind of the first failure.
func (e *EmbeddingError) Kind() errs.Kind {
	if len(e.Failures) == 0 {
		return ""
	}
	for _, f := range e.Failures {
		if f.Kind == errs.KindQuality {
			return errs.KindQuality
		}
	}
	return e.Failures[0].Kind
}
