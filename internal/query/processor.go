package query

import (
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/yakkan/internal/config"
	"github.com/hyperjump/yakkan/internal/errs"
	"github.com/hyperjump/yakkan/internal/models"
	"github.com/hyperjump/yakkan/pkg/utils"
)

// Processed is a question ready for retrieval.
type Processed struct {
	Original   string        `json:"original"`
	Normalized string        `json:"normalized"`
	Tokens     []string      `json:"tokens"`
	Keywords   []string      `json:"keywords"`
	Phrases    []string      `json:"phrases,omitempty"`
	Intent     models.Intent `json:"intent"`
	Confidence float64       `json:"confidence"`
	Defaulted  bool          `json:"intent_defaulted"`
	Entities   Entities      `json:"entities"`
}

// Complex reports whether the question carries more than threshold keywords.
func (p *Processed) Complex(threshold int) bool {
	return threshold > 0 && len(p.Keywords) > threshold
}

// Processor normalizes questions, tokenizes them with the shared analyzer and classifies
// their intent.
type Processor struct {
	analyzer      *Analyzer
	minConfidence float64
	logger        *zap.Logger
}

// Option configures a Processor.
type Option func(*Processor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) {
		p.logger = l
	}
}

// NewProcessor creates a processor. A nil analyzer is built from cfg's extra terms.
func NewProcessor(analyzer *Analyzer, cfg *config.QueryConfig, opts ...Option) *Processor {
	if analyzer == nil {
		analyzer = NewAnalyzer(cfg.ExtraTerms, cfg.ExtraStopWords)
	}
	p := &Processor{analyzer: analyzer, minConfidence: cfg.MinIntentConfidence}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = utils.LoggerOrNop(p.logger)
	return p
}

// Analyzer returns the analyzer used for tokenization.
func (p *Processor) Analyzer() *Analyzer {
	return p.analyzer
}

// Process turns a raw question into a Processed query. Questions that normalize to nothing
// are rejected with a validation error.
func (p *Processor) Process(raw string) (*Processed, error) {
	normalized := Normalize(raw)
	if normalized == "" {
		return nil, errs.Validation("query.process", "query has no searchable content")
	}
	tokens := p.analyzer.Tokens(normalized)
	out := &Processed{
		Original:   raw,
		Normalized: normalized,
		Tokens:     tokens,
		Keywords:   p.keywords(tokens),
		Phrases:    extractPhrases(raw),
		Entities:   ExtractEntities(raw),
	}
	score := ClassifyIntent(raw, p.minConfidence)
	out.Intent, out.Confidence, out.Defaulted = score.Intent, score.Confidence, score.Defaulted

	p.logger.Debug("processed query",
		zap.String("normalized", normalized),
		zap.Strings("keywords", out.Keywords),
		zap.String("intent", string(out.Intent)),
		zap.Float64("confidence", out.Confidence))
	return out, nil
}

// keywords returns tokens without stop words or single-letter noise, deduplicated in order.
func (p *Processor) keywords(tokens []string) []string {
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if seen[t] || p.analyzer.IsStopWord(t) {
			continue
		}
		if len([]rune(t)) < 2 && !isDigits(t) {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func isDigits(s string) bool {
	return s != "" && strings.Trim(s, "0123456789") == ""
}
