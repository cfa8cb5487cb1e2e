// Package indexer turns extracted segments into chunks and keeps the document registry,
// vector store and keyword index in step.
package indexer

import (
	"context"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/fileid"
	"github.com/hyperjump/yakkan/internal/models"
	"github.com/hyperjump/yakkan/internal/tokenizer"
	"github.com/hyperjump/yakkan/pkg/utils"
)

// maxCutShift is how many tokens a cut may move to land on a UTF-8 rune start. Byte-level
// BPE can split one Hangul syllable over up to three tokens.
const maxCutShift = 3

// SentenceEmbedder embeds sentences for semantic chunking. Vectors align with texts.
type SentenceEmbedder func(ctx context.Context, texts []string) ([][]float32, error)

// Chunker splits a document's segments into token-bounded chunks.
type Chunker struct {
	tok        tokenizer.Tokenizer
	target     int
	overlap    int
	min        int
	max        int
	tail       int
	breakpoint float64
	embed      SentenceEmbedder
	logger     *zap.Logger
}

// ChunkerOption configures a Chunker.
type ChunkerOption func(*Chunker)

// WithChunkerLogger sets the logger used for warnings about skipped input.
func WithChunkerLogger(l *zap.Logger) ChunkerOption {
	return func(c *Chunker) { c.logger = l }
}

// WithSentenceEmbedder enables the semantic strategy.
func WithSentenceEmbedder(fn SentenceEmbedder) ChunkerOption {
	return func(c *Chunker) { c.embed = fn }
}

// NewChunker creates a chunker from cfg. The tokenizer must be the one the embedding
// router counts with.
func NewChunker(tok tokenizer.Tokenizer, cfg *config.ChunkingConfig, opts ...ChunkerOption) *Chunker {
	c := &Chunker{
		tok:        tok,
		target:     cfg.TargetTokens,
		overlap:    int(float64(cfg.TargetTokens)*cfg.OverlapRatio + 0.5),
		min:        cfg.MinTokens,
		max:        max(cfg.MaxTokens, cfg.TargetTokens),
		tail:       cfg.TargetTokens / 20,
		breakpoint: cfg.SemanticBreakpoint,
	}
	if c.overlap >= c.target {
		c.overlap = c.target / 5
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = utils.LoggerOrNop(c.logger)
	return c
}

// With returns a copy of c with opts applied.
func (c *Chunker) With(opts ...ChunkerOption) *Chunker {
	cp := *c
	for _, opt := range opts {
		opt(&cp)
	}
	return &cp
}

// Tokenizer returns the canonical tokenizer.
func (c *Chunker) Tokenizer() tokenizer.Tokenizer {
	return c.tok
}

// part is the byte range a segment occupies inside a unit's text.
type part struct {
	start, end int
	ref        models.SegmentRef
}

// unit is the text of one or more segments that chunk together.
type unit struct {
	text  string
	parts []part
}

func (u *unit) add(s models.Segment, text string) {
	if u.text != "" {
		u.text += "\n\n"
	}
	start := len(u.text)
	u.text += text
	u.parts = append(u.parts, part{start: start, end: len(u.text), ref: s.Ref()})
}

// refs returns the segments overlapping [start, end).
func (u *unit) refs(start, end int) []models.SegmentRef {
	var out []models.SegmentRef
	for _, p := range u.parts {
		if p.start < end && p.end > start {
			out = append(out, p.ref)
		}
	}
	return models.MergeRefs(out, nil)
}

// draft is a chunk before numbering: a byte range of a unit.
type draft struct {
	u          *unit
	start, end int
	boundary   bool
}

// region is a byte range of a unit that starts a new structural block.
type region struct {
	start, end int
	tokens     int
}

// Chunk splits segments into ordered chunks with the given strategy. Malformed segments are
// skipped with a warning; if nothing usable remains the result is empty. The output depends
// only on the input and configuration, so re-chunking yields identical chunks.
func (c *Chunker) Chunk(ctx context.Context, docID string, segments []models.Segment, strategy models.ChunkStrategy) []*models.Chunk {
	valid := c.validSegments(docID, segments)
	if len(valid) == 0 {
		c.logger.Warn("no usable segments to chunk", zap.String("doc_id", docID), zap.Int("segments", len(segments)))
		return nil
	}

	var drafts []draft
	used := strategy
	switch strategy {
	case models.StrategyFixedSize:
		drafts = c.fixed(valid)
	case models.StrategySemantic:
		var err error
		drafts, err = c.semantic(ctx, c.premerge(valid))
		if err != nil {
			c.logger.Warn("semantic chunking unavailable, using content-aware",
				zap.String("doc_id", docID), zap.Error(err))
			used = models.StrategyContentAware
			drafts = c.contentAware(c.premerge(valid))
		}
	default:
		used = models.StrategyContentAware
		drafts = c.contentAware(c.premerge(valid))
	}
	return c.finish(docID, drafts, used)
}

type preparedSegment struct {
	seg    models.Segment
	text   string
	tokens int
}

func (c *Chunker) validSegments(docID string, segments []models.Segment) []preparedSegment {
	out := make([]preparedSegment, 0, len(segments))
	for i := range segments {
		s := segments[i]
		if err := s.Validate(); err != nil {
			c.logger.Warn("skipping malformed segment", zap.String("doc_id", docID), zap.Error(err))
			continue
		}
		if s.DocumentID != "" && s.DocumentID != docID {
			c.logger.Warn("skipping segment of another document",
				zap.String("doc_id", docID), zap.String("segment_doc_id", s.DocumentID))
			continue
		}
		text := Preprocess(s.Text)
		out = append(out, preparedSegment{seg: s, text: text, tokens: c.count(text)})
	}
	return out
}

// premerge groups segments into units. A segment at or below the minimum size joins the
// next segment instead of standing alone, unless it is the last one.
func (c *Chunker) premerge(segs []preparedSegment) []*unit {
	var units []*unit
	cur := &unit{}
	for i, s := range segs {
		cur.add(s.seg, s.text)
		last := i == len(segs)-1
		if last || c.count(cur.text) > c.min {
			units = append(units, cur)
			cur = &unit{}
		}
	}
	return units
}

// fixed slides one window over the whole document, ignoring structure.
func (c *Chunker) fixed(segs []preparedSegment) []draft {
	u := &unit{}
	for _, s := range segs {
		u.add(s.seg, s.text)
	}
	drafts := c.split(u, 0, len(u.text), c.target+c.tail)
	if len(drafts) > 0 {
		drafts[0].boundary = true
	}
	return drafts
}

// split cuts u.text[start:end] into windows of the target size with overlap. Ranges of at
// most limit tokens stay whole. The first draft is not marked as a boundary.
func (c *Chunker) split(u *unit, start, end, limit int) []draft {
	text := u.text[start:end]
	spans := c.spans(text)
	n := len(spans)
	if n == 0 {
		return nil
	}
	if n <= limit {
		return []draft{{u: u, start: start, end: end}}
	}

	var out []draft
	for s := 0; ; {
		e := s + c.target
		if e+c.tail >= n {
			e = n
		} else {
			e = alignCut(text, spans, e)
		}
		out = append(out, draft{u: u, start: start + spans[s].Start, end: start + spans[e-1].End})
		if e >= n {
			return out
		}
		next := alignCut(text, spans, e-c.overlap)
		if next <= s {
			next = s + 1
		}
		s = next
	}
}

// alignCut moves token index t forward (or, failing that, backward) until the token starts
// on a rune boundary.
func alignCut(text string, spans []tokenizer.Span, t int) int {
	if t <= 0 || t >= len(spans) {
		return t
	}
	for d := 0; d <= maxCutShift; d++ {
		if i := t + d; i < len(spans) && utf8.RuneStart(text[spans[i].Start]) {
			return i
		}
	}
	for d := 1; d <= maxCutShift; d++ {
		if i := t - d; i > 0 && utf8.RuneStart(text[spans[i].Start]) {
			return i
		}
	}
	return t
}

// splitRegions chunks each region on its own; every region starts a boundary chunk.
func (c *Chunker) splitRegions(u *unit, regions []region) []draft {
	var out []draft
	for _, r := range regions {
		ds := c.split(u, r.start, r.end, c.max)
		if len(ds) > 0 {
			ds[0].boundary = true
		}
		out = append(out, ds...)
	}
	return out
}

// mergeSmall folds regions at or below the minimum size into their successor. A small
// final region joins its predecessor when the result still fits in one chunk.
func (c *Chunker) mergeSmall(u *unit, regions []region) []region {
	if len(regions) < 2 {
		return regions
	}
	var out []region
	var pending *region
	for i := range regions {
		r := regions[i]
		if pending != nil {
			r.start = pending.start
			r.tokens = c.count(u.text[r.start:r.end])
			pending = nil
		}
		if r.tokens <= c.min && i < len(regions)-1 {
			pending = &r
			continue
		}
		out = append(out, r)
	}
	if n := len(out); n >= 2 && out[n-1].tokens <= c.min {
		joined := region{start: out[n-2].start, end: out[n-1].end}
		joined.tokens = c.count(u.text[joined.start:joined.end])
		if joined.tokens <= c.max {
			out = append(out[:n-2], joined)
		}
	}
	return out
}

func (c *Chunker) newRegion(u *unit, start, end int) (region, bool) {
	for start < end && isSpaceByte(u.text[start]) {
		start++
	}
	for end > start && isSpaceByte(u.text[end-1]) {
		end--
	}
	if start >= end {
		return region{}, false
	}
	return region{start: start, end: end, tokens: c.count(u.text[start:end])}, true
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t'
}

// finish numbers drafts and turns them into chunks.
func (c *Chunker) finish(docID string, drafts []draft, strategy models.ChunkStrategy) []*models.Chunk {
	chunks := make([]*models.Chunk, 0, len(drafts))
	for _, d := range drafts {
		text := strings.TrimSpace(d.u.text[d.start:d.end])
		if text == "" {
			continue
		}
		idx := len(chunks)
		chunks = append(chunks, &models.Chunk{
			ID:         fileid.ChunkID(docID, idx),
			DocumentID: docID,
			Index:      idx,
			Text:       text,
			TokenCount: c.count(text),
			Sources:    d.u.refs(d.start, d.end),
			Strategy:   strategy,
			Boundary:   d.boundary,
		})
	}
	return chunks
}

func (c *Chunker) count(text string) int {
	return tokenizer.MustCount(c.tok, text)
}

func (c *Chunker) spans(text string) []tokenizer.Span {
	spans, err := c.tok.Spans(text)
	if err != nil {
		c.logger.Warn("tokenizer spans failed, using word spans", zap.Error(err))
		spans, _ = tokenizer.NewWord().Spans(text)
	}
	return spans
}
