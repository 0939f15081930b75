package vecmath_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semretrieve/semretrieve-go/pkg/vecmath"
)

func TestCosineSimilarity(t *testing.T) {
	t.Run("identical vectors", func(t *testing.T) {
		similarity, err := vecmath.CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3})
		require.NoError(t, err)
		assert.InDelta(t, 1.0, similarity, 1e-6)
	})

	t.Run("orthogonal vectors", func(t *testing.T) {
		similarity, err := vecmath.CosineSimilarity([]float32{1, 0}, []float32{0, 1})
		require.NoError(t, err)
		assert.InDelta(t, 0.0, similarity, 1e-6)
	})

	t.Run("opposite vectors", func(t *testing.T) {
		similarity, err := vecmath.CosineSimilarity([]float32{1, 0}, []float32{-1, 0})
		require.NoError(t, err)
		assert.InDelta(t, -1.0, similarity, 1e-6)
	})

	t.Run("scale invariant", func(t *testing.T) {
		a, err := vecmath.CosineSimilarity([]float32{1, 2}, []float32{3, 1})
		require.NoError(t, err)
		b, err := vecmath.CosineSimilarity([]float32{10, 20}, []float32{3, 1})
		require.NoError(t, err)
		assert.InDelta(t, a, b, 1e-6)
	})

	t.Run("zero norm returns zero", func(t *testing.T) {
		similarity, err := vecmath.CosineSimilarity([]float32{0, 0}, []float32{1, 1})
		require.NoError(t, err)
		assert.Equal(t, 0.0, similarity)
	})

	t.Run("dimension mismatch fails loudly", func(t *testing.T) {
		_, err := vecmath.CosineSimilarity([]float32{1, 2, 3}, []float32{1, 2})
		require.Error(t, err)
		assert.True(t, errors.Is(err, vecmath.ErrDimensionMismatch))
	})
}

func TestTimeDecayScore(t *testing.T) {
	t.Run("decay disabled at factor one", func(t *testing.T) {
		assert.Equal(t, 0.9, vecmath.TimeDecayScore(0.9, 100, 1.0))
	})

	t.Run("one day at 0.98", func(t *testing.T) {
		assert.InDelta(t, 0.9*0.98, vecmath.TimeDecayScore(0.9, 1, 0.98), 1e-9)
	})

	t.Run("strictly decreasing with age", func(t *testing.T) {
		previous := vecmath.TimeDecayScore(0.9, 0, 0.98)
		for age := 1.0; age <= 10; age++ {
			score := vecmath.TimeDecayScore(0.9, age, 0.98)
			assert.Less(t, score, previous)
			previous = score
		}
	})

	t.Run("negative age clamps to zero", func(t *testing.T) {
		assert.Equal(t, vecmath.TimeDecayScore(0.9, 0, 0.98), vecmath.TimeDecayScore(0.9, -5, 0.98))
	})
}
