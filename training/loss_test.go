package training

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestCrossEntropyForward(t *testing.T) {
	loss := NewCrossEntropyLoss("")

	t.Run("uniform logits", func(t *testing.T) {
		v, err := loss.Forward(mat.NewDense(2, 3, nil), []int{0, 2})
		require.NoError(t, err)
		assert.InDelta(t, math.Log(3), v, 1e-12)
	})

	t.Run("large logits stay finite", func(t *testing.T) {
		logits := mat.NewDense(1, 2, []float64{1000, -1000})
		v, err := loss.Forward(logits, []int{0})
		require.NoError(t, err)
		assert.InDelta(t, 0, v, 1e-12)

		v, err = loss.Forward(logits, []int{1})
		require.NoError(t, err)
		assert.InDelta(t, 2000, v, 1e-9)
	})

	t.Run("sum reduction", func(t *testing.T) {
		v, err := NewCrossEntropyLoss("sum").Forward(mat.NewDense(2, 3, nil), []int{0, 2})
		require.NoError(t, err)
		assert.InDelta(t, 2*math.Log(3), v, 1e-12)
	})

	t.Run("invalid targets", func(t *testing.T) {
		_, err := loss.Forward(mat.NewDense(2, 3, nil), []int{0})
		assert.Error(t, err)
		_, err = loss.Forward(mat.NewDense(1, 3, nil), []int{3})
		assert.Error(t, err)
	})
}

func TestCrossEntropyBackward(t *testing.T) {
	loss := NewCrossEntropyLoss("mean")
	logits := mat.NewDense(3, 4, []float64{
		0.1, -0.3, 2.0, 0.5,
		1.5, 0.2, -1.0, 0.0,
		-0.7, 0.9, 0.3, 0.3,
	})
	targets := []int{2, 0, 3}

	grad, err := loss.Backward(logits, targets)
	require.NoError(t, err)

	const h = 1e-6
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			orig := logits.At(i, j)
			logits.Set(i, j, orig+h)
			up, _ := loss.Forward(logits, targets)
			logits.Set(i, j, orig-h)
			down, _ := loss.Forward(logits, targets)
			logits.Set(i, j, orig)
			assert.InDelta(t, (up-down)/(2*h), grad.At(i, j), 1e-6, "d/dlogit[%d][%d]", i, j)
		}
	}

	// each row of (softmax - onehot) sums to zero
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 0, floats.Sum(grad.RawRowView(i)), 1e-12)
	}
}

func TestSoftmax(t *testing.T) {
	p := Softmax(mat.NewDense(2, 3, []float64{1, 2, 3, 1000, 1000, 1000}))
	for i := 0; i < 2; i++ {
		assert.InDelta(t, 1, floats.Sum(p.RawRowView(i)), 1e-12)
	}
	assert.InDelta(t, 1.0/3, p.At(1, 0), 1e-12)
	assert.Greater(t, p.At(0, 2), p.At(0, 1))
}
