package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-protonet/checkpoints"
	"github.com/tsawler/go-protonet/tensor"
)

// AdamOptimizerState holds Adam moments for each bound parameter
type AdamOptimizerState struct {
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32
	WeightDecay  float32 // L2 regularization coefficient

	params          []*tensor.Tensor
	MomentumBuffers [][]float32 // first moment
	VarianceBuffers [][]float32 // second moment

	// Step tracking for bias correction
	StepCount uint64
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
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

// NewAdamOptimizer creates an Adam optimizer bound to params
func NewAdamOptimizer(config AdamConfig, params []*tensor.Tensor) (*AdamOptimizerState, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	adam := &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		params:          params,
		MomentumBuffers: make([][]float32, len(params)),
		VarianceBuffers: make([][]float32, len(params)),
	}
	for i, p := range params {
		adam.MomentumBuffers[i] = make([]float32, p.NumElems)
		adam.VarianceBuffers[i] = make([]float32, p.NumElems)
	}

	return adam, nil
}

// Step performs a bias-corrected Adam update
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++
	t := float64(adam.StepCount)
	bc1 := float32(1 - math.Pow(float64(adam.Beta1), t))
	bc2 := float32(1 - math.Pow(float64(adam.Beta2), t))

	for i, p := range adam.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		if grad.NumElems != p.NumElems {
			return fmt.Errorf("gradient %d has %d elements, parameter has %d", i, grad.NumElems, p.NumElems)
		}

		w, g := p.Float32s(), grad.Float32s()
		m, v := adam.MomentumBuffers[i], adam.VarianceBuffers[i]
		for j := range w {
			d := g[j] + adam.WeightDecay*w[j]
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*d
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*d*d
			mHat := m[j] / bc1
			vHat := v[j] / bc2
			w[j] -= adam.LearningRate * mHat / (float32(math.Sqrt(float64(vHat))) + adam.Epsilon)
		}
	}
	return nil
}

func (adam *AdamOptimizerState) ZeroGrad() { zeroGrads(adam.params) }

func (adam *AdamOptimizerState) UpdateLearningRate(lr float32) {
	adam.LearningRate = lr
}

func (adam *AdamOptimizerState) GetLearningRate() float32 { return adam.LearningRate }

func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.params))
	for i := range adam.params {
		stateData = append(stateData,
			*extractBufferState(adam.MomentumBuffers[i], fmt.Sprintf("momentum_%d", i), "momentum"),
			*extractBufferState(adam.VarianceBuffers[i], fmt.Sprintf("variance_%d", i), "variance"))
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

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	for _, t := range state.StateData {
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(adam.params) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		var buffer []float32
		switch t.StateType {
		case "momentum":
			buffer = adam.MomentumBuffers[idx]
		case "variance":
			buffer = adam.VarianceBuffers[idx]
		default:
			return fmt.Errorf("unknown Adam state type %q", t.StateType)
		}
		if err := restoreBufferState(buffer, t.Data, t.Name); err != nil {
			return err
		}
	}

	return nil
}
