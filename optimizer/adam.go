package optimizer

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tsawler/go-probe/checkpoints"
	"github.com/tsawler/go-probe/layers"
	"gonum.org/v1/gonum/mat"
)

// AdamOptimizerState holds Adam hyperparameters and per-parameter moments.
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float64
	Beta1        float64 // Momentum decay (typically 0.9)
	Beta2        float64 // Variance decay (typically 0.999)
	Epsilon      float64 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float64 // L2 regularization coefficient

	MomentumBuffers []*mat.Dense // First moment for each parameter
	VarianceBuffers []*mat.Dense // Second moment for each parameter
	params          []*layers.Parameter

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer over params
func NewAdamOptimizer(config AdamConfig, params []*layers.Parameter) (*AdamOptimizerState, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("betas must lie in [0, 1), got %g and %g", config.Beta1, config.Beta2)
	}

	adam := &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: make([]*mat.Dense, len(params)),
		VarianceBuffers: make([]*mat.Dense, len(params)),
		params:          params,
	}
	for i, p := range params {
		r, c := p.Value.Dims()
		adam.MomentumBuffers[i] = mat.NewDense(r, c, nil)
		adam.VarianceBuffers[i] = mat.NewDense(r, c, nil)
	}
	return adam, nil
}

// Step performs a single Adam update with bias correction:
//
//	m = b1*m + (1-b1)*g
//	v = b2*v + (1-b2)*g^2
//	p -= lr * (m/(1-b1^t)) / (sqrt(v/(1-b2^t)) + eps)
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++
	t := float64(adam.StepCount)
	biasCorrection1 := 1 - math.Pow(adam.Beta1, t)
	biasCorrection2 := 1 - math.Pow(adam.Beta2, t)
	stepSize := adam.LearningRate / biasCorrection1
	sqrtBC2 := math.Sqrt(biasCorrection2)

	for i, p := range adam.params {
		value := p.Value.RawMatrix().Data
		grad := p.Grad.RawMatrix().Data
		m := adam.MomentumBuffers[i].RawMatrix().Data
		v := adam.VarianceBuffers[i].RawMatrix().Data
		if len(value) != len(m) || len(grad) != len(m) {
			return errors.Errorf("parameter %s changed shape", p.Name)
		}

		for j := range value {
			g := grad[j]
			if adam.WeightDecay != 0 {
				g += adam.WeightDecay * value[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*g
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*g*g
			denom := math.Sqrt(v[j])/sqrtBC2 + adam.Epsilon
			value[j] -= stepSize * m[j] / denom
		}
	}
	return nil
}

// ZeroGrad clears parameter gradients
func (adam *AdamOptimizerState) ZeroGrad() {
	zeroGrads(adam.params)
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float64) {
	adam.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (adam *AdamOptimizerState) GetLearningRate() float64 {
	return adam.LearningRate
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetStats returns optimizer statistics
func (adam *AdamOptimizerState) GetStats() AdamStats {
	total := 0
	for _, m := range adam.MomentumBuffers {
		r, c := m.Dims()
		total += r * c
	}
	return AdamStats{
		StepCount:      adam.StepCount,
		LearningRate:   adam.LearningRate,
		Beta1:          adam.Beta1,
		Beta2:          adam.Beta2,
		Epsilon:        adam.Epsilon,
		WeightDecay:    adam.WeightDecay,
		NumParameters:  len(adam.params),
		TotalStateSize: 2 * total,
	}
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount      uint64
	LearningRate   float64
	Beta1          float64
	Beta2          float64
	Epsilon        float64
	WeightDecay    float64
	NumParameters  int
	TotalStateSize int
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params))
	for i := range adam.params {
		stateData = append(stateData, extractBufferState(adam.MomentumBuffers[i], bufferName("m", i), "m"))
		stateData = append(stateData, extractBufferState(adam.VarianceBuffers[i], bufferName("v", i), "v"))
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat64Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat64Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat64Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	if err := restoreBuffers(state, "m", adam.MomentumBuffers); err != nil {
		return err
	}
	return restoreBuffers(state, "v", adam.VarianceBuffers)
}
