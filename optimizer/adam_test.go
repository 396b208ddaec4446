package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-protonet/tensor"
)

func TestAdamStep(t *testing.T) {
	p := param(t, []float32{1, -1}, []float32{0.5, -2})
	adam, err := NewAdamOptimizer(DefaultAdamConfig(), []*tensor.Tensor{p})
	if err != nil {
		t.Fatalf("NewAdamOptimizer: %v", err)
	}
	if err := adam.Step(); err != nil {
		t.Fatalf("Step: %v", err)
	}

	// After one bias-corrected step each weight moves by ~lr against the gradient sign.
	got := p.Float32s()
	if math.Abs(float64(got[0]-(1-0.001))) > 1e-5 {
		t.Errorf("Expected %f, got %f", 1-0.001, got[0])
	}
	if math.Abs(float64(got[1]-(-1+0.001))) > 1e-5 {
		t.Errorf("Expected %f, got %f", -1+0.001, got[1])
	}
}

func TestAdamConfigValidation(t *testing.T) {
	p := []*tensor.Tensor{param(t, []float32{1}, nil)}
	bad := []AdamConfig{
		{LearningRate: -1, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 1, Beta2: 0.999, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 0.9, Beta2: 1.2, Epsilon: 1e-8},
		{LearningRate: 0.1, Beta1: 0.9, Beta2: 0.999, Epsilon: 0},
	}
	for i, cfg := range bad {
		if _, err := NewAdamOptimizer(cfg, p); err == nil {
			t.Errorf("config %d: expected validation error", i)
		}
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	p := param(t, []float32{1}, []float32{1})
	adam, _ := NewAdamOptimizer(DefaultAdamConfig(), []*tensor.Tensor{p})
	_ = adam.Step()
	_ = adam.Step()

	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if len(state.StateData) != 2 {
		t.Fatalf("Expected momentum and variance tensors, got %d", len(state.StateData))
	}

	q := param(t, []float32{1}, nil)
	restored, _ := NewAdamOptimizer(DefaultAdamConfig(), []*tensor.Tensor{q})
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if restored.GetStepCount() != 2 {
		t.Errorf("Expected step count 2, got %d", restored.GetStepCount())
	}
	if restored.MomentumBuffers[0][0] != adam.MomentumBuffers[0][0] ||
		restored.VarianceBuffers[0][0] != adam.VarianceBuffers[0][0] {
		t.Error("moment buffers not restored")
	}
}
