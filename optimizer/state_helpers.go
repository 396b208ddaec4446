package optimizer

import (
	"fmt"

	"github.com/tsawler/go-protonet/checkpoints"
)

// extractBufferState copies a state buffer into a checkpoint tensor
func extractBufferState(buffer []float32, name string, stateType string) *checkpoints.OptimizerTensor {
	if buffer == nil {
		return nil
	}
	data := make([]float32, len(buffer))
	copy(data, buffer)
	return &checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     []int{len(data)},
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState copies checkpoint data back into a state buffer
func restoreBufferState(buffer []float32, data []float32, name string) error {
	if buffer == nil {
		return fmt.Errorf("%s buffer is nil", name)
	}
	if len(data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(buffer), len(data))
	}
	copy(buffer, data)
	return nil
}

// extractFloat32Param reads a float parameter from a state map that was either
// built in memory or decoded from JSON.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case uint64:
		return v
	case int:
		return uint64(v)
	case int64:
		return uint64(v)
	case float64:
		return uint64(v)
	}
	return defaultValue
}
