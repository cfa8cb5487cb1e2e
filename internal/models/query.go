package models

import (
	"strings"

	"github.com/hyperjump/yakkan/internal/errs"
)

// Intent is the classified purpose of a question.
type Intent string

const (
	IntentLookup      Intent = "lookup"
	IntentComparison  Intent = "comparison"
	IntentComputation Intent = "computation"
	IntentOther       Intent = "other"
)

// RetrieveRequest is the input to the retrieval orchestrator.
type RetrieveRequest struct {
	Query       string   `json:"query"`
	Tier        Tier     `json:"tier"`
	DocumentIDs []string `json:"document_ids,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// Validate ensures the request has a query and a valid tier, and normalizes the limit
// into [1, maxLimit] using defaultLimit when unset.
func (r *RetrieveRequest) Validate(defaultLimit, maxLimit int) error {
	if strings.TrimSpace(r.Query) == "" {
		return errs.Validation("retrieve.validate", "query cannot be empty")
	}
	if r.Tier == "" {
		r.Tier = TierPublic
	}
	if !r.Tier.Valid() {
		return errs.Validation("retrieve.validate", "unknown tier %q", r.Tier)
	}
	if r.Limit <= 0 {
		r.Limit = defaultLimit
	}
	if maxLimit > 0 && r.Limit > maxLimit {
		r.Limit = maxLimit
	}
	if len(r.DocumentIDs) == 0 {
		return nil
	}
	scope := make([]string, 0, len(r.DocumentIDs))
	for _, id := range r.DocumentIDs {
		if id = strings.TrimSpace(id); id != "" {
			scope = append(scope, id)
		}
	}
	if len(scope) == 0 {
		return errs.Validation("retrieve.validate", "document_ids contains only blank ids")
	}
	r.DocumentIDs = scope
	return nil
}
