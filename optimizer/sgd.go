package optimizer

import (
	"github.com/pkg/errors"
	"github.com/tsawler/go-probe/checkpoints"
	"github.com/tsawler/go-probe/layers"
	"gonum.org/v1/gonum/mat"
)

// SGDOptimizerState holds SGD hyperparameters and momentum buffers.
type SGDOptimizerState struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool

	// Momentum buffers (only allocated when momentum > 0)
	MomentumBuffers []*mat.Dense
	params          []*layers.Parameter

	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates an SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*layers.Parameter) (*SGDOptimizerState, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, errors.Errorf("momentum must be non-negative, got %g", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, errors.New("nesterov momentum requires momentum > 0")
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}
	if config.Momentum > 0 {
		sgd.MomentumBuffers = make([]*mat.Dense, len(params))
		for i, p := range params {
			r, c := p.Value.Dims()
			sgd.MomentumBuffers[i] = mat.NewDense(r, c, nil)
		}
	}
	return sgd, nil
}

// Step performs a single SGD update. The momentum buffer is seeded with the
// first gradient, then follows buf = momentum*buf + g.
func (sgd *SGDOptimizerState) Step() error {
	first := sgd.StepCount == 0
	sgd.StepCount++

	for i, p := range sgd.params {
		value := p.Value.RawMatrix().Data
		grad := p.Grad.RawMatrix().Data
		if len(grad) != len(value) {
			return errors.Errorf("parameter %s changed shape", p.Name)
		}

		var buf []float64
		if sgd.MomentumBuffers != nil {
			buf = sgd.MomentumBuffers[i].RawMatrix().Data
		}
		for j := range value {
			g := grad[j]
			if sgd.WeightDecay != 0 {
				g += sgd.WeightDecay * value[j]
			}
			if buf != nil {
				if first {
					buf[j] = g
				} else {
					buf[j] = sgd.Momentum*buf[j] + g
				}
				if sgd.Nesterov {
					g += sgd.Momentum * buf[j]
				} else {
					g = buf[j]
				}
			}
			value[j] -= sgd.LearningRate * g
		}
	}
	return nil
}

// ZeroGrad clears parameter gradients
func (sgd *SGDOptimizerState) ZeroGrad() {
	zeroGrads(sgd.params)
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float64) {
	sgd.LearningRate = newLR
}

// GetLearningRate returns the current learning rate
func (sgd *SGDOptimizerState) GetLearningRate() float64 {
	return sgd.LearningRate
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.MomentumBuffers))
	for i, buffer := range sgd.MomentumBuffers {
		stateData = append(stateData, extractBufferState(buffer, bufferName("momentum", i), "momentum"))
	}

	nesterov := 0.0
	if sgd.Nesterov {
		nesterov = 1
	}
	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)
	sgd.Nesterov = extractFloat64Param(state.Parameters, "nesterov", 0) != 0

	return restoreBuffers(state, "momentum", sgd.MomentumBuffers)
}
