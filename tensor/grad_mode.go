package tensor

import "sync/atomic"

var noGradDepth atomic.Int32

// GradEnabled reports whether operations currently record autograd history.
func GradEnabled() bool {
	return noGradDepth.Load() == 0
}

// NoGrad runs fn with gradient recording disabled. Recording is restored when
// fn returns, whether it returns an error or panics. Scopes may nest.
func NoGrad(fn func() error) error {
	noGradDepth.Add(1)
	defer noGradDepth.Add(-1)
	return fn()
}
