package optimizer

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/tsawler/go-probe/checkpoints"
	"gonum.org/v1/gonum/mat"
)

// extractBufferState copies a state buffer into a checkpoint tensor
func extractBufferState(buffer *mat.Dense, name string, stateType string) checkpoints.OptimizerTensor {
	r, c := buffer.Dims()
	data := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		data = append(data, buffer.RawRowView(i)...)
	}
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{r, c},
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState copies checkpoint data back into a state buffer
func restoreBufferState(buffer *mat.Dense, tensor checkpoints.OptimizerTensor) error {
	r, c := buffer.Dims()
	if len(tensor.Data) != r*c {
		return errors.Errorf("%s: data size mismatch: expected %d, got %d", tensor.Name, r*c, len(tensor.Data))
	}
	for i := 0; i < r; i++ {
		copy(buffer.RawRowView(i), tensor.Data[i*c:(i+1)*c])
	}
	return nil
}

// restoreBuffers routes state tensors of stateType to buffers by index suffix
func restoreBuffers(state *OptimizerState, stateType string, buffers []*mat.Dense) error {
	for _, tensor := range state.StateData {
		if tensor.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(buffers) {
			return errors.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		if err := restoreBufferState(buffers[idx], tensor); err != nil {
			return err
		}
	}
	return nil
}

func bufferName(stateType string, i int) string {
	return fmt.Sprintf("%s_%d", stateType, i)
}

// extractFloat64Param safely extracts a numeric parameter from the state map
func extractFloat64Param(params map[string]interface{}, key string, defaultValue float64) float64 {
	switch val := params[key].(type) {
	case float64:
		return val
	case float32:
		return float64(val)
	case int:
		return float64(val)
	case uint64:
		return float64(val)
	}
	return defaultValue
}

// extractUint64Param safely extracts a counter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case uint64:
		return val
	case int:
		return uint64(val)
	case float64:
		return uint64(val)
	}
	return defaultValue
}
