package vector

import "github.com/hyperjump/yakkan/pkg/utils"

// Similarity returns 1 - cosine distance between a and b, the score every partition reports.
func Similarity(a, b []float32) float64 {
	return 1 - utils.CosineDistance(a, b)
}
