package training

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// LRScheduler maps a completed frame count to a learning rate. Frames, not
// episodes, are the unit: the rate only changes at frame boundaries.
type LRScheduler interface {
	LearningRate(frame int, baseLR float64) float64
	Name() string
}

// MetricObserver is implemented by schedulers that react to the frame loss.
type MetricObserver interface {
	Observe(metric float64)
}

// StepLRScheduler reduces the learning rate by Gamma every StepSize frames.
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 10
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.5
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) LearningRate(frame int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(frame/s.StepSize))
}

func (s *StepLRScheduler) Name() string { return "StepLR" }

// ExponentialLRScheduler decays the learning rate by Gamma each frame.
type ExponentialLRScheduler struct {
	Gamma float64
}

func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) LearningRate(frame int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(frame))
}

func (s *ExponentialLRScheduler) Name() string { return "ExponentialLR" }

// CosineAnnealingLRScheduler anneals from the base rate to EtaMin over TMax frames.
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 32
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) LearningRate(frame int, baseLR float64) float64 {
	if frame >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(frame)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) Name() string { return "CosineAnnealingLR" }

// ReduceLROnPlateauScheduler multiplies the rate by Factor once the observed
// frame loss has not improved by more than Threshold for Patience frames.
type ReduceLROnPlateauScheduler struct {
	Factor    float64
	Patience  int
	Threshold float64

	best        float64
	badFrames   int
	reductions  int
	initialized bool
}

func NewReduceLROnPlateauScheduler(factor float64, patience int, threshold float64) *ReduceLROnPlateauScheduler {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 5
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	return &ReduceLROnPlateauScheduler{Factor: factor, Patience: patience, Threshold: threshold}
}

// Observe records one frame loss.
func (s *ReduceLROnPlateauScheduler) Observe(metric float64) {
	if !s.initialized {
		s.best = metric
		s.initialized = true
		return
	}
	if metric < s.best-s.Threshold {
		s.best = metric
		s.badFrames = 0
		return
	}
	s.badFrames++
	if s.badFrames >= s.Patience {
		s.reductions++
		s.badFrames = 0
	}
}

func (s *ReduceLROnPlateauScheduler) LearningRate(_ int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Factor, float64(s.reductions))
}

func (s *ReduceLROnPlateauScheduler) Name() string { return "ReduceLROnPlateau" }

// NoOpScheduler keeps the base rate.
type NoOpScheduler struct{}

func (NoOpScheduler) LearningRate(_ int, baseLR float64) float64 { return baseLR }
func (NoOpScheduler) Name() string                               { return "ConstantLR" }

// ParseScheduler builds a scheduler from a colon-separated description:
//
//	constant
//	step:<frames>:<gamma>
//	exp:<gamma>
//	cosine:<frames>[:<eta_min>]
//	plateau:<factor>:<patience>[:<threshold>]
//
// An empty string selects constant.
func ParseScheduler(desc string) (LRScheduler, error) {
	parts := strings.Split(strings.TrimSpace(desc), ":")
	kind := strings.ToLower(parts[0])
	args := parts[1:]

	floatArg := func(i int, def float64) (float64, error) {
		if i >= len(args) {
			return def, nil
		}
		v, err := strconv.ParseFloat(args[i], 64)
		return v, errors.Wrapf(err, "scheduler %q argument %d", kind, i+1)
	}
	intArg := func(i int, def int) (int, error) {
		if i >= len(args) {
			return def, nil
		}
		v, err := strconv.Atoi(args[i])
		return v, errors.Wrapf(err, "scheduler %q argument %d", kind, i+1)
	}

	switch kind {
	case "", "constant", "none":
		return NoOpScheduler{}, nil
	case "step":
		size, err := intArg(0, 10)
		if err != nil {
			return nil, err
		}
		gamma, err := floatArg(1, 0.5)
		if err != nil {
			return nil, err
		}
		return NewStepLRScheduler(size, gamma), nil
	case "exp", "exponential":
		gamma, err := floatArg(0, 0.95)
		if err != nil {
			return nil, err
		}
		return NewExponentialLRScheduler(gamma), nil
	case "cosine":
		tMax, err := intArg(0, 32)
		if err != nil {
			return nil, err
		}
		etaMin, err := floatArg(1, 0)
		if err != nil {
			return nil, err
		}
		return NewCosineAnnealingLRScheduler(tMax, etaMin), nil
	case "plateau":
		factor, err := floatArg(0, 0.1)
		if err != nil {
			return nil, err
		}
		patience, err := intArg(1, 5)
		if err != nil {
			return nil, err
		}
		threshold, err := floatArg(2, 1e-4)
		if err != nil {
			return nil, err
		}
		return NewReduceLROnPlateauScheduler(factor, patience, threshold), nil
	}
	return nil, errors.Errorf("unknown learning rate scheduler %q", desc)
}
