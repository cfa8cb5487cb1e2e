package indexer

import (
	"context"
	"fmt"
	"regexp"

	"github.com/hyperjump/yakkan/pkg/utils"
)

// sentenceEnd matches the whitespace after a sentence terminator, or a line break.
var sentenceEnd = regexp.MustCompile(`[.!?。][ \t]+|\n+`)

// semantic groups consecutive sentences until the cosine distance between neighbours
// exceeds the breakpoint or the group would pass the target size.
func (c *Chunker) semantic(ctx context.Context, units []*unit) ([]draft, error) {
	if c.embed == nil {
		return nil, fmt.Errorf("no sentence embedder configured")
	}
	var out []draft
	for _, u := range units {
		sentences := c.sentences(u)
		if len(sentences) == 0 {
			continue
		}
		texts := make([]string, len(sentences))
		for i, s := range sentences {
			texts[i] = u.text[s.start:s.end]
		}
		vecs, err := c.embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed sentences: %w", err)
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("embed sentences: got %d vectors for %d sentences", len(vecs), len(texts))
		}

		var groups []region
		cur := sentences[0]
		for i := 1; i < len(sentences); i++ {
			s := sentences[i]
			if vecs[i-1] == nil || vecs[i] == nil {
				return nil, fmt.Errorf("embed sentences: sentence %d has no vector", i)
			}
			distance := utils.CosineDistance(vecs[i-1], vecs[i])
			if distance > c.breakpoint || cur.tokens+s.tokens > c.target {
				groups = append(groups, cur)
				cur = s
				continue
			}
			cur = region{start: cur.start, end: s.end, tokens: c.count(u.text[cur.start:s.end])}
		}
		groups = append(groups, cur)
		out = append(out, c.splitRegions(u, c.mergeSmall(u, groups))...)
	}
	return out, nil
}

func (c *Chunker) sentences(u *unit) []region {
	var out []region
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(u.text, -1) {
		if r, ok := c.newRegion(u, start, loc[1]); ok {
			out = append(out, r)
		}
		start = loc[1]
	}
	if r, ok := c.newRegion(u, start, len(u.text)); ok {
		out = append(out, r)
	}
	return out
}
