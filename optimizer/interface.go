package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-protonet/checkpoints"
	"github.com/tsawler/go-protonet/tensor"
)

// Optimizer defines the common interface for all optimizers.
// Parameters are bound at construction; Step reads their accumulated gradients.
type Optimizer interface {
	// Step applies one update to every parameter that has a gradient
	Step() error

	// ZeroGrad clears the gradients of all bound parameters
	ZeroGrad()

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	UpdateLearningRate(lr float32)
	GetLearningRate() float32
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState = checkpoints.OptimizerState

// New builds an optimizer by name ("sgd" or "adam").
// momentum is ignored for Adam.
func New(name string, lr, momentum float32, params []*tensor.Tensor) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "", "sgd":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = lr
		cfg.Momentum = momentum
		return NewSGDOptimizer(cfg, params)
	case "adam":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdamOptimizer(cfg, params)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	var idx int
	if n, err := fmt.Sscanf(name[i+1:], "%d", &idx); n != 1 || err != nil {
		return -1
	}
	return idx
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func validateParams(params []*tensor.Tensor) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters provided")
	}
	for i, p := range params {
		if p == nil {
			return fmt.Errorf("parameter %d is nil", i)
		}
		if p.DType != tensor.Float32 {
			return fmt.Errorf("parameter %d has dtype %s, expected float32", i, p.DType)
		}
	}
	return nil
}

func zeroGrads(params []*tensor.Tensor) {
	tensor.ZeroGrad(params)
}
