package training

import (
	"math"
	"testing"
)

func TestStepLRScheduler(t *testing.T) {
	scheduler := NewStepLRScheduler(2, 0.1)
	baseLR := 0.1

	tests := []struct {
		frame      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.1},
		{2, 0.01},
		{3, 0.01},
		{4, 0.001},
		{6, 0.0001},
	}

	for _, tt := range tests {
		lr := scheduler.LearningRate(tt.frame, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Frame %d: expected LR %f, got %f", tt.frame, tt.expectedLR, lr)
		}
	}
}

func TestExponentialLRScheduler(t *testing.T) {
	scheduler := NewExponentialLRScheduler(0.9)
	baseLR := 0.1

	tests := []struct {
		frame      int
		expectedLR float64
	}{
		{0, 0.1},
		{1, 0.09},
		{2, 0.081},
		{3, 0.0729},
		{5, 0.059049},
	}

	for _, tt := range tests {
		lr := scheduler.LearningRate(tt.frame, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-8 {
			t.Errorf("Frame %d: expected LR %f, got %f", tt.frame, tt.expectedLR, lr)
		}
	}
}

func TestCosineAnnealingLRScheduler(t *testing.T) {
	scheduler := NewCosineAnnealingLRScheduler(5, 0.0001)
	baseLR := 0.01

	tests := []struct {
		frame      int
		expectedLR float64
	}{
		{0, 0.01},
		{2, 0.006580},
		{5, 0.0001},
		{10, 0.0001},
	}

	for _, tt := range tests {
		lr := scheduler.LearningRate(tt.frame, baseLR)
		if math.Abs(lr-tt.expectedLR) > 1e-6 {
			t.Errorf("Frame %d: expected LR %f, got %f", tt.frame, tt.expectedLR, lr)
		}
	}
}

func TestReduceLROnPlateauScheduler(t *testing.T) {
	scheduler := NewReduceLROnPlateauScheduler(0.5, 2, 0.01)
	baseLR := 0.1

	steps := []struct {
		loss       float64
		expectedLR float64
	}{
		{1.0, 0.1},   // first observation
		{0.98, 0.1},  // improvement
		{0.99, 0.1},  // one bad frame
		{0.99, 0.05}, // patience exhausted
		{0.985, 0.05},
		{0.5, 0.05}, // improvement resets the counter
	}

	for i, s := range steps {
		scheduler.Observe(s.loss)
		lr := scheduler.LearningRate(i, baseLR)
		if math.Abs(lr-s.expectedLR) > 1e-12 {
			t.Errorf("Frame %d: expected LR %f, got %f", i, s.expectedLR, lr)
		}
	}
}

func TestSchedulerNames(t *testing.T) {
	tests := []struct {
		scheduler LRScheduler
		expected  string
	}{
		{NewStepLRScheduler(10, 0.1), "StepLR"},
		{NewExponentialLRScheduler(0.95), "ExponentialLR"},
		{NewCosineAnnealingLRScheduler(100, 0.0), "CosineAnnealingLR"},
		{NewReduceLROnPlateauScheduler(0.1, 10, 0.001), "ReduceLROnPlateau"},
		{NoOpScheduler{}, "ConstantLR"},
	}

	for _, tt := range tests {
		if name := tt.scheduler.Name(); name != tt.expected {
			t.Errorf("Expected name %s, got %s", tt.expected, name)
		}
	}
}

func TestParseScheduler(t *testing.T) {
	tests := []struct {
		desc    string
		name    string
		wantErr bool
	}{
		{"", "ConstantLR", false},
		{"constant", "ConstantLR", false},
		{"step:4:0.5", "StepLR", false},
		{"exp:0.9", "ExponentialLR", false},
		{"cosine:32", "CosineAnnealingLR", false},
		{"cosine:32:0.0001", "CosineAnnealingLR", false},
		{"plateau:0.5:3", "ReduceLROnPlateau", false},
		{"step:x", "", true},
		{"warmup:10", "", true},
	}

	for _, tt := range tests {
		s, err := ParseScheduler(tt.desc)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseScheduler(%q): expected error", tt.desc)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseScheduler(%q): %v", tt.desc, err)
			continue
		}
		if s.Name() != tt.name {
			t.Errorf("ParseScheduler(%q) = %s, want %s", tt.desc, s.Name(), tt.name)
		}
	}

	s, _ := ParseScheduler("step:4:0.5")
	step := s.(*StepLRScheduler)
	if step.StepSize != 4 || step.Gamma != 0.5 {
		t.Errorf("unexpected step scheduler %+v", step)
	}
}
