package optimizer

import (
	"math"

	"github.com/tsawler/go-protonet/tensor"
)

// GradNorm returns the global L2 norm over the gradients of params.
func GradNorm(params []*tensor.Tensor) float64 {
	var sum float64
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		for _, v := range g.Float32s() {
			sum += float64(v) * float64(v)
		}
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales gradients in place so their global norm is at most
// maxNorm and returns the norm measured before clipping.
func ClipGradNorm(params []*tensor.Tensor, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm || math.IsNaN(norm) {
		return norm
	}
	scale := float32(maxNorm / (norm + 1e-6))
	for _, p := range params {
		g := p.Grad()
		if g == nil {
			continue
		}
		data := g.Float32s()
		for i := range data {
			data[i] *= scale
		}
	}
	return norm
}
