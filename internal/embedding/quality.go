package embedding

import (
	"fmt"
	"math"

	"github.com/hyperjump/yakkan/internal/config"
)

// QualityLevel buckets a quality score.
type QualityLevel string

const (
	QualityExcellent QualityLevel = "excellent"
	QualityGood      QualityLevel = "good"
	QualityFair      QualityLevel = "fair"
	QualityPoor      QualityLevel = "poor"
)

// QualityReport is the outcome of validating one vector.
type QualityReport struct {
	Valid  bool
	Score  float64
	Level  QualityLevel
	Norm   float64
	Issues []string
}

// Reason joins the report issues.
func (r QualityReport) Reason() string {
	if len(r.Issues) == 0 {
		return ""
	}
	s := r.Issues[0]
	for _, issue := range r.Issues[1:] {
		s += "; " + issue
	}
	return s
}

// QualityValidator rejects degenerate vectors before they are persisted.
type QualityValidator struct {
	minNorm float64
	maxNorm float64
}

// NewQualityValidator returns a validator with the configured norm bounds.
func NewQualityValidator(cfg config.QualityConfig) *QualityValidator {
	return &QualityValidator{minNorm: cfg.MinNorm, maxNorm: cfg.MaxNorm}
}

// Validate scores vec against the expected dimensionality. A vector is invalid on a
// dimension mismatch, any NaN/Inf component, a norm outside the bounds or zero variance.
func (q *QualityValidator) Validate(vec []float32, dims int) QualityReport {
	r := QualityReport{Valid: true, Score: 100}
	fail := func(penalty float64, format string, args ...any) {
		r.Valid = false
		r.Score -= penalty
		r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
	}

	if len(vec) != dims {
		fail(50, "dimension %d, expected %d", len(vec), dims)
	}

	var sum, sumSq float64
	finite := true
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			finite = false
			continue
		}
		sum += f
		sumSq += f * f
	}
	if !finite {
		fail(40, "contains NaN or Inf")
	}

	r.Norm = math.Sqrt(sumSq)
	switch {
	case r.Norm < q.minNorm:
		fail(30, "norm %.4f below %.2f", r.Norm, q.minNorm)
	case r.Norm > q.maxNorm:
		fail(20, "norm %.4f above %.2f", r.Norm, q.maxNorm)
	}

	if n := float64(len(vec)); n > 1 && finite {
		mean := sum / n
		if variance := sumSq/n - mean*mean; variance <= 1e-12 {
			fail(25, "zero variance")
		}
	}

	r.Score = math.Max(r.Score, 0)
	switch {
	case r.Score >= 90:
		r.Level = QualityExcellent
	case r.Score >= 70:
		r.Level = QualityGood
	case r.Score >= 50:
		r.Level = QualityFair
	default:
		r.Level = QualityPoor
	}
	return r
}
