package models

import (
	"sort"
	"strings"

	"github.com/hyperjump/yakkan/internal/errs"
)

// SegmentKind is the kind of extracted content a Segment holds.
type SegmentKind string

const (
	SegmentText         SegmentKind = "text"
	SegmentTable        SegmentKind = "table"
	SegmentImageCaption SegmentKind = "image-caption"
)

// Segment is one unit of extractor output (paragraph, table, image-derived text) with
// its page/position provenance. Segments are read-only input to the chunker.
type Segment struct {
	DocumentID    string      `json:"document_id"`
	PageNumber    int         `json:"page_number"`
	PositionIndex int         `json:"position_index"`
	Text          string      `json:"text"`
	Kind          SegmentKind `json:"kind"`
}

// Validate reports malformed segments. An empty text is malformed.
func (s *Segment) Validate() error {
	if strings.TrimSpace(s.Text) == "" {
		return errs.Validation("segment.validate", "segment %d on page %d is empty", s.PositionIndex, s.PageNumber)
	}
	if s.PageNumber < 0 || s.PositionIndex < 0 {
		return errs.Validation("segment.validate", "segment has negative page/position (%d/%d)", s.PageNumber, s.PositionIndex)
	}
	switch s.Kind {
	case "":
		s.Kind = SegmentText
	case SegmentText, SegmentTable, SegmentImageCaption:
	default:
		return errs.Validation("segment.validate", "unknown segment kind %q", s.Kind)
	}
	return nil
}

// Ref returns the provenance reference for this segment.
func (s *Segment) Ref() SegmentRef {
	return SegmentRef{PageNumber: s.PageNumber, PositionIndex: s.PositionIndex, Kind: s.Kind}
}

// SegmentRef points back to the segment a chunk was derived from.
type SegmentRef struct {
	PageNumber    int         `json:"page_number"`
	PositionIndex int         `json:"position_index"`
	Kind          SegmentKind `json:"kind"`
}

// MergeRefs returns the union of a and b ordered by page then position.
func MergeRefs(a, b []SegmentRef) []SegmentRef {
	seen := make(map[SegmentRef]struct{}, len(a)+len(b))
	out := make([]SegmentRef, 0, len(a)+len(b))
	for _, list := range [][]SegmentRef{a, b} {
		for _, r := range list {
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	sortRefs(out)
	return out
}

func sortRefs(refs []SegmentRef) {
	sort.SliceStable(refs, func(i, j int) bool {
		if refs[i].PageNumber != refs[j].PageNumber {
			return refs[i].PageNumber < refs[j].PageNumber
		}
		return refs[i].PositionIndex < refs[j].PositionIndex
	})
}
