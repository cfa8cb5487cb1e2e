package extract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hyperjump/yakkan/internal/models"
)

// envelope is the output format of upstream extractors: a document record and its segments.
type envelope struct {
	Document *models.Document `json:"document"`
	Segments []models.Segment `json:"segments"`
}

// extractJSON accepts either an envelope object or a bare segment array.
func extractJSON(content []byte) (*Result, error) {
	trimmed := bytes.TrimSpace(content)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("extract JSON: empty input")
	}
	if trimmed[0] == '[' {
		var segs []models.Segment
		if err := json.Unmarshal(trimmed, &segs); err != nil {
			return nil, fmt.Errorf("extract JSON: %w", err)
		}
		return &Result{Segments: segs}, nil
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("extract JSON: %w", err)
	}
	return &Result{Document: env.Document, Segments: env.Segments}, nil
}
