package optimizer

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tsawler/go-probe/checkpoints"
	"github.com/tsawler/go-probe/layers"
)

// Optimizer defines the common interface for all optimizers.
// State save/restore backs the checkpoint feature.
type Optimizer interface {
	// Step updates every parameter from its accumulated gradient
	Step() error

	// ZeroGrad clears the accumulated gradients
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// GetLearningRate returns the current learning rate
	GetLearningRate() float64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)
}

// OptimizerState represents the complete state of an optimizer.
// It is the checkpoint representation.
type OptimizerState = checkpoints.OptimizerState

// Config selects and parameterizes an optimizer by name.
type Config struct {
	Type         string // "adam" or "sgd"
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
	Momentum     float64
}

// New creates the optimizer named by config.Type over params.
func New(config Config, params []*layers.Parameter) (Optimizer, error) {
	switch config.Type {
	case "adam":
		return NewAdamOptimizer(AdamConfig{
			LearningRate: config.LearningRate,
			Beta1:        config.Beta1,
			Beta2:        config.Beta2,
			Epsilon:      config.Epsilon,
			WeightDecay:  config.WeightDecay,
		}, params)
	case "sgd":
		return NewSGDOptimizer(SGDConfig{
			LearningRate: config.LearningRate,
			Momentum:     config.Momentum,
			WeightDecay:  config.WeightDecay,
		}, params)
	default:
		return nil, errors.Errorf("unknown optimizer %q", config.Type)
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "m_0", "momentum_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return errors.New("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return errors.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func validateParams(params []*layers.Parameter) error {
	if len(params) == 0 {
		return errors.New("no parameters provided")
	}
	for i, p := range params {
		if p == nil || p.Value == nil || p.Grad == nil {
			return errors.Errorf("parameter %d is incomplete", i)
		}
	}
	return nil
}

func zeroGrads(params []*layers.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
