package optimizer

import (
	"fmt"

	"github.com/tsawler/go-protonet/checkpoints"
	"github.com/tsawler/go-protonet/tensor"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum,
// Nesterov correction and L2 weight decay.
type SGDOptimizerState struct {
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool

	params          []*tensor.Tensor
	MomentumBuffers [][]float32 // only allocated when Momentum > 0

	StepCount uint64
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
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

// NewSGDOptimizer creates an SGD optimizer bound to params
func NewSGDOptimizer(config SGDConfig, params []*tensor.Tensor) (*SGDOptimizerState, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}

	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires a positive momentum")
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}

	if config.Momentum > 0 {
		sgd.MomentumBuffers = make([][]float32, len(params))
		for i, p := range params {
			sgd.MomentumBuffers[i] = make([]float32, p.NumElems)
		}
	}

	return sgd, nil
}

// Step updates every parameter that has an accumulated gradient.
func (sgd *SGDOptimizerState) Step() error {
	for i, p := range sgd.params {
		grad := p.Grad()
		if grad == nil {
			continue
		}
		if grad.NumElems != p.NumElems {
			return fmt.Errorf("gradient %d has %d elements, parameter has %d", i, grad.NumElems, p.NumElems)
		}

		w, g := p.Float32s(), grad.Float32s()
		var buf []float32
		if sgd.MomentumBuffers != nil {
			buf = sgd.MomentumBuffers[i]
		}

		for j := range w {
			d := g[j] + sgd.WeightDecay*w[j]
			if buf != nil {
				buf[j] = sgd.Momentum*buf[j] + d
				if sgd.Nesterov {
					d += sgd.Momentum * buf[j]
				} else {
					d = buf[j]
				}
			}
			w[j] -= sgd.LearningRate * d
		}
	}
	sgd.StepCount++
	return nil
}

func (sgd *SGDOptimizerState) ZeroGrad() { zeroGrads(sgd.params) }

func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

func (sgd *SGDOptimizerState) GetLearningRate() float32 { return sgd.LearningRate }

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.MomentumBuffers))

	for i, buffer := range sgd.MomentumBuffers {
		if t := extractBufferState(buffer, fmt.Sprintf("momentum_%d", i), "momentum"); t != nil {
			stateData = append(stateData, *t)
		}
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
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

	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	if sgd.Momentum > 0 && sgd.MomentumBuffers == nil {
		sgd.MomentumBuffers = make([][]float32, len(sgd.params))
		for i, p := range sgd.params {
			sgd.MomentumBuffers[i] = make([]float32, p.NumElems)
		}
	}

	for _, t := range state.StateData {
		if t.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(t.Name)
		if idx < 0 || idx >= len(sgd.params) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", t.Name)
		}
		if sgd.MomentumBuffers == nil {
			return fmt.Errorf("momentum buffer %d not allocated", idx)
		}
		if err := restoreBufferState(sgd.MomentumBuffers[idx], t.Data, t.Name); err != nil {
			return err
		}
	}

	return nil
}
