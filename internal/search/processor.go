package search

import (
	"github.com/hyperjump/yakkan/internal/errs"
	"github.com/hyperjump/yakkan/internal/query"
)

// Request is one hybrid search. Vector and Model may be empty when no query embedding is
// available; the search then runs on keywords alone.
type Request struct {
	Query       *query.Processed
	Vector      []float32
	Model       string
	DocumentIDs []string
	Limit       int
}

// prepare validates the request and clamps its limit into [1, MaxLimit].
func (e *Engine) prepare(req *Request) error {
	if req == nil || req.Query == nil {
		return errs.Validation("search", "query is required")
	}
	if req.Limit <= 0 {
		req.Limit = e.config.DefaultLimit
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if e.config.MaxLimit > 0 && req.Limit > e.config.MaxLimit {
		req.Limit = e.config.MaxLimit
	}
	return nil
}
