package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsawler/go-probe/layers"
	"gonum.org/v1/gonum/mat"
)

func scalarParam(value, grad float64) *layers.Parameter {
	return &layers.Parameter{
		Name:  "w",
		Value: mat.NewDense(1, 1, []float64{value}),
		Grad:  mat.NewDense(1, 1, []float64{grad}),
	}
}

func TestDefaultAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()
	assert.Equal(t, 0.001, config.LearningRate)
	assert.Equal(t, 0.9, config.Beta1)
	assert.Equal(t, 0.999, config.Beta2)
	assert.Equal(t, 1e-8, config.Epsilon)
	assert.Equal(t, 0.0, config.WeightDecay)
}

func TestAdamStep(t *testing.T) {
	p := scalarParam(1, 0.5)
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), []*layers.Parameter{p})
	require.NoError(t, err)

	require.NoError(t, adam.Step())
	// the first bias-corrected step moves by lr in the gradient's sign
	assert.InDelta(t, 0.999, p.Value.At(0, 0), 1e-9)
	assert.InDelta(t, 0.05, adam.MomentumBuffers[0].At(0, 0), 1e-12)
	assert.InDelta(t, 0.00025, adam.VarianceBuffers[0].At(0, 0), 1e-12)
	assert.Equal(t, uint64(1), adam.GetStepCount())

	adam.ZeroGrad()
	assert.Equal(t, 0.0, p.Grad.At(0, 0))
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	p := scalarParam(3, 0)
	adam, err := NewAdamOptimizer(AdamConfig{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, []*layers.Parameter{p})
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		adam.ZeroGrad()
		// d/dx (x-1)^2
		p.Grad.Set(0, 0, 2*(p.Value.At(0, 0)-1))
		require.NoError(t, adam.Step())
	}
	assert.InDelta(t, 1.0, p.Value.At(0, 0), 0.05)
}

func TestAdamStateRoundTrip(t *testing.T) {
	p := scalarParam(1, 0.5)
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), []*layers.Parameter{p})
	require.NoError(t, err)
	require.NoError(t, adam.Step())
	require.NoError(t, adam.Step())

	state, err := adam.GetState()
	require.NoError(t, err)
	assert.Equal(t, "Adam", state.Type)
	require.Len(t, state.StateData, 2)
	assert.Equal(t, "m_0", state.StateData[0].Name)

	q := scalarParam(1, 0.5)
	restored, err := NewAdamOptimizer(AdamConfig{LearningRate: 1, Beta1: 0.5, Beta2: 0.5}, []*layers.Parameter{q})
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(state))

	assert.Equal(t, adam.GetStats(), restored.GetStats())
	assert.True(t, mat.Equal(adam.MomentumBuffers[0], restored.MomentumBuffers[0]))
	assert.True(t, mat.Equal(adam.VarianceBuffers[0], restored.VarianceBuffers[0]))

	sgdState := &OptimizerState{Type: "SGD"}
	assert.Error(t, restored.LoadState(sgdState))
}

func TestSGDMomentum(t *testing.T) {
	p := scalarParam(1, 1)
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, []*layers.Parameter{p})
	require.NoError(t, err)

	require.NoError(t, sgd.Step())
	assert.InDelta(t, 0.9, p.Value.At(0, 0), 1e-12)
	require.NoError(t, sgd.Step())
	assert.InDelta(t, 0.71, p.Value.At(0, 0), 1e-12)

	state, err := sgd.GetState()
	require.NoError(t, err)
	require.Len(t, state.StateData, 1)
	assert.InDelta(t, 1.9, state.StateData[0].Data[0], 1e-12)
}

func TestSGDPlain(t *testing.T) {
	p := scalarParam(1, 2)
	sgd, err := NewSGDOptimizer(SGDConfig{LearningRate: 0.5, WeightDecay: 1}, []*layers.Parameter{p})
	require.NoError(t, err)

	require.NoError(t, sgd.Step())
	// g = 2 + 1*1
	assert.InDelta(t, -0.5, p.Value.At(0, 0), 1e-12)

	sgd.UpdateLearningRate(0.01)
	assert.Equal(t, 0.01, sgd.GetLearningRate())
}

func TestNew(t *testing.T) {
	params := []*layers.Parameter{scalarParam(0, 0)}

	opt, err := New(Config{Type: "adam", LearningRate: 0.001, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}, params)
	require.NoError(t, err)
	assert.IsType(t, &AdamOptimizerState{}, opt)

	opt, err = New(Config{Type: "sgd", LearningRate: 0.1}, params)
	require.NoError(t, err)
	assert.IsType(t, &SGDOptimizerState{}, opt)

	_, err = New(Config{Type: "lbfgs", LearningRate: 0.1}, params)
	assert.Error(t, err)

	_, err = New(Config{Type: "sgd", LearningRate: 0.1}, nil)
	assert.Error(t, err)
}

func TestExtractBufferIndex(t *testing.T) {
	assert.Equal(t, 0, extractBufferIndex("m_0"))
	assert.Equal(t, 12, extractBufferIndex("momentum_12"))
	assert.Equal(t, -1, extractBufferIndex("momentum"))
	assert.Equal(t, -1, extractBufferIndex("m_x"))
}

func TestExtractParams(t *testing.T) {
	params := map[string]interface{}{"lr": 0.5, "steps": float64(7), "count": uint64(3), "bad": "x"}
	assert.Equal(t, 0.5, extractFloat64Param(params, "lr", 1))
	assert.Equal(t, 1.0, extractFloat64Param(params, "bad", 1))
	assert.Equal(t, uint64(7), extractUint64Param(params, "steps", 0))
	assert.Equal(t, uint64(3), extractUint64Param(params, "count", 0))
	assert.Equal(t, uint64(9), extractUint64Param(params, "missing", 9))
}
