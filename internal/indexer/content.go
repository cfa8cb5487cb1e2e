package indexer

import (
	"regexp"
	"sort"

	"github.com/hyperjump/yakkan/internal/models"
)

// headerPattern matches clause, chapter and section headers at the start of a line:
// 제1조, 제2장, 제3절, "1. 정의", "가. 보험계약자".
var headerPattern = regexp.MustCompile(`(?m)^(?:제\s*\d+\s*(?:조|장|절|관)|\d+\.\s|[가-힣]\.\s)`)

// contentAware splits each unit at clause headers and table edges first, then sub-splits
// blocks larger than the maximum chunk size.
func (c *Chunker) contentAware(units []*unit) []draft {
	var out []draft
	for _, u := range units {
		out = append(out, c.splitRegions(u, c.mergeSmall(u, c.structuralRegions(u)))...)
	}
	return out
}

// structuralRegions cuts a unit at header line starts and around table segments.
func (c *Chunker) structuralRegions(u *unit) []region {
	cuts := map[int]bool{0: true, len(u.text): true}
	for _, loc := range headerPattern.FindAllStringIndex(u.text, -1) {
		cuts[loc[0]] = true
	}
	for _, p := range u.parts {
		if p.ref.Kind == models.SegmentTable {
			cuts[p.start] = true
			cuts[p.end] = true
		}
	}
	offsets := make([]int, 0, len(cuts))
	for off := range cuts {
		offsets = append(offsets, off)
	}
	sort.Ints(offsets)

	var regions []region
	for i := 0; i+1 < len(offsets); i++ {
		if r, ok := c.newRegion(u, offsets[i], offsets[i+1]); ok {
			regions = append(regions, r)
		}
	}
	return regions
}
