// Package vecmath provides the vector scoring primitives shared by every
// store: cosine similarity and time-decay scoring.
//
// All embeddings in the system share a single fixed dimension. Comparing
// vectors of different dimensions is a programming error and fails loudly
// rather than silently degrading to a zero score.
package vecmath

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch indicates that two vectors of different dimensions
// were compared. This is a programmer error, not a transient condition.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// CosineSimilarity calculates the cosine similarity between two vectors.
//
// Cosine similarity measures the cosine of the angle between two vectors,
// ranging from -1 (opposite) to 1 (identical). Values close to 1 indicate
// high similarity.
//
// The formula is: similarity = (A · B) / (||A|| * ||B||)
//
// Returns exactly 0 if either vector has zero norm (avoiding division by
// zero), and ErrDimensionMismatch if the vectors have different lengths.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// TimeDecayScore down-weights a similarity score exponentially by age.
//
// The formula is: score = similarity * decayFactor^ageDays
//
// decayFactor must be in (0, 1]; at 1.0 decay is disabled and the score
// equals the similarity. For decayFactor < 1 the score strictly decreases
// as ageDays increases for a fixed similarity.
func TimeDecayScore(similarity, ageDays, decayFactor float64) float64 {
	if decayFactor >= 1 {
		return similarity
	}
	if ageDays < 0 {
		ageDays = 0
	}
	return similarity * math.Pow(decayFactor, ageDays)
}
