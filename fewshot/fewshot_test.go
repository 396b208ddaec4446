package fewshot

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-protonet/layers"
	"github.com/tsawler/go-protonet/optimizer"
	"github.com/tsawler/go-protonet/tensor"
)

// makePool builds a pool of 1×1×width images where fill(c, e) returns the
// pixel values of example e of class c.
func makePool(t *testing.T, classes, perClass, width int, fill func(c, e int) []float32) *Pool {
	t.Helper()
	ids := make([]string, classes)
	data := make([]float32, 0, classes*perClass*width)
	for c := 0; c < classes; c++ {
		ids[c] = string(rune('a'+c%26)) + string(rune('0'+c/26))
		for e := 0; e < perClass; e++ {
			data = append(data, fill(c, e)...)
		}
	}
	images, err := tensor.NewTensor([]int{classes * perClass, 1, 1, width}, tensor.Float32, tensor.CPU, data)
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}
	pool, err := NewPool(ids, images)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool
}

func TestNewPool(t *testing.T) {
	images, _ := tensor.Zeros([]int{6, 1, 2, 2}, tensor.Float32, tensor.CPU)

	pool, err := NewPool([]string{"a", "b", "c"}, images)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if pool.NumClasses() != 3 || pool.PerClass() != 2 {
		t.Errorf("expected 3 classes of 2, got %d of %d", pool.NumClasses(), pool.PerClass())
	}

	if _, err := NewPool([]string{"a", "b", "c", "d"}, images); err == nil {
		t.Error("expected error when images do not split evenly")
	}
	if _, err := NewPool([]string{"a", "a", "b"}, images); err == nil {
		t.Error("expected error for duplicate class ids")
	}
	if _, err := NewPool(nil, images); err == nil {
		t.Error("expected error for empty class list")
	}
}

func TestPoolGather(t *testing.T) {
	pool := makePool(t, 3, 2, 1, func(c, e int) []float32 { return []float32{float32(10*c + e)} })

	got, err := pool.Gather([]int{2, 0}, [][]int{{1, 0}, {1}})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	want := []float32{21, 20, 1}
	for i, v := range want {
		if got.Float32s()[i] != v {
			t.Fatalf("expected %v, got %v", want, got.Float32s())
		}
	}
	if got.Shape[0] != 3 {
		t.Errorf("expected 3 rows, got %v", got.Shape)
	}

	if _, err := pool.Gather([]int{3}, [][]int{{0}}); err == nil {
		t.Error("expected error for out-of-range class")
	}
	if _, err := pool.Gather([]int{0}, [][]int{{2}}); err == nil {
		t.Error("expected error for out-of-range example")
	}
}

func TestSampleEpisodeInvariants(t *testing.T) {
	pool := makePool(t, 12, 9, 1, func(c, e int) []float32 { return []float32{0} })
	rng := rand.New(rand.NewSource(11))

	configs := []struct{ n, k, q int }{{5, 1, 1}, {12, 4, 5}, {3, 5, 4}, {1, 1, 8}}
	for _, cfg := range configs {
		for trial := 0; trial < 50; trial++ {
			ep, err := SampleEpisode(rng, pool, cfg.n, cfg.k, cfg.q)
			if err != nil {
				t.Fatalf("SampleEpisode(%+v): %v", cfg, err)
			}
			if ep.N() != cfg.n || len(ep.Support) != cfg.n || len(ep.Query) != cfg.n {
				t.Fatalf("expected %d classes, got %d", cfg.n, ep.N())
			}

			classes := map[int]bool{}
			for i, c := range ep.Classes {
				if c < 0 || c >= pool.NumClasses() || classes[c] {
					t.Fatalf("class %d repeated or out of range in %v", c, ep.Classes)
				}
				classes[c] = true

				if len(ep.Support[i]) != cfg.k || len(ep.Query[i]) != cfg.q {
					t.Fatalf("class %d: support %d query %d, want %d and %d",
						c, len(ep.Support[i]), len(ep.Query[i]), cfg.k, cfg.q)
				}
				seen := map[int]bool{}
				for _, e := range append(append([]int(nil), ep.Support[i]...), ep.Query[i]...) {
					if e < 0 || e >= pool.PerClass() || seen[e] {
						t.Fatalf("example %d repeated or out of range for class %d", e, c)
					}
					seen[e] = true
				}
			}
		}
	}
}

func TestSampleEpisodeErrors(t *testing.T) {
	pool := makePool(t, 4, 5, 1, func(c, e int) []float32 { return []float32{0} })

	tests := []struct {
		name    string
		n, k, q int
	}{
		{"too many classes", 5, 1, 1},
		{"support plus query exceeds class size", 2, 3, 3},
		{"zero way", 0, 1, 1},
		{"zero shot", 2, 0, 1},
		{"zero queries", 2, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(1))
			_, err := SampleEpisode(rng, pool, tt.n, tt.k, tt.q)
			if errors.Cause(err) != ErrInvalidEpisodeConfig {
				t.Fatalf("expected ErrInvalidEpisodeConfig, got %v", err)
			}
			if rng.Int63() != rand.New(rand.NewSource(1)).Int63() {
				t.Error("a rejected configuration should not consume the random source")
			}
		})
	}

	if _, err := SampleEpisode(rand.New(rand.NewSource(1)), pool, 4, 2, 3); err != nil {
		t.Errorf("boundary configuration should be valid: %v", err)
	}
}

func TestSamplerDeterminism(t *testing.T) {
	pool := makePool(t, 10, 6, 1, func(c, e int) []float32 { return []float32{0} })
	a, b := NewSampler(99), NewSampler(99)
	for i := 0; i < 5; i++ {
		ea, _ := a.Sample(pool, 4, 2, 3)
		eb, _ := b.Sample(pool, 4, 2, 3)
		for j := range ea.Classes {
			if ea.Classes[j] != eb.Classes[j] || ea.Query[j][0] != eb.Query[j][0] {
				t.Fatal("identically seeded samplers diverged")
			}
		}
	}
}

func TestQueryLabels(t *testing.T) {
	got := QueryLabels(3, 2)
	want := []int{0, 0, 1, 1, 2, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestComputePrototypes(t *testing.T) {
	// Every example of class c is the vector (c+0.1, -c, 0.3).
	pool := makePool(t, 4, 6, 3, func(c, e int) []float32 {
		return []float32{float32(c) + 0.1, -float32(c), 0.3}
	})
	ep, err := SampleEpisode(rand.New(rand.NewSource(3)), pool, 4, 5, 1)
	if err != nil {
		t.Fatalf("SampleEpisode: %v", err)
	}

	protos, err := ComputePrototypes(layers.NewIdentity(3), pool, ep)
	if err != nil {
		t.Fatalf("ComputePrototypes: %v", err)
	}
	if protos.Shape[0] != 4 || protos.Shape[1] != 3 {
		t.Fatalf("expected [4 3] prototypes, got %v", protos.Shape)
	}
	for i, c := range ep.Classes {
		want := []float32{float32(c) + 0.1, -float32(c), 0.3}
		for d := range want {
			if got, _ := protos.At(i, d); got != want[d] {
				t.Errorf("prototype %d dim %d: expected exactly %v, got %v", i, d, want[d], got)
			}
		}
	}
}

func TestPrototypeOrderInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	pool := makePool(t, 3, 6, 4, func(c, e int) []float32 {
		v := make([]float32, 4)
		for i := range v {
			v[i] = float32(rng.NormFloat64())
		}
		return v
	})
	ep := &Episode{Classes: []int{0, 1, 2}, Support: [][]int{{0, 1, 2}, {3, 4, 5}, {1, 3, 5}}, Query: [][]int{{5}, {0}, {0}}}
	reversed := &Episode{Classes: ep.Classes, Support: [][]int{{2, 1, 0}, {5, 4, 3}, {5, 3, 1}}, Query: ep.Query}

	a, err := ComputePrototypes(layers.NewIdentity(4), pool, ep)
	if err != nil {
		t.Fatalf("ComputePrototypes: %v", err)
	}
	b, _ := ComputePrototypes(layers.NewIdentity(4), pool, reversed)
	if !a.AllClose(b, 1e-6, 1e-6) {
		t.Error("prototypes depend on support order")
	}
}

func TestScore(t *testing.T) {
	protos, _ := tensor.NewTensor([]int{3, 2}, tensor.Float32, tensor.CPU, []float32{0, 0, 5, 5, -3, 4})
	queries, _ := tensor.NewTensor([]int{4, 2}, tensor.Float32, tensor.CPU, []float32{
		5, 5, // identical to prototype 1
		-3, 4, // identical to prototype 2
		0, 0, // identical to prototype 0
		100, -100, // far from everything
	})

	scores, err := Score(queries, protos)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if scores.Shape[0] != 4 || scores.Shape[1] != 3 {
		t.Fatalf("expected [4 3], got %v", scores.Shape)
	}

	data := scores.Float32s()
	for r := 0; r < 4; r++ {
		var sum float64
		for c := 0; c < 3; c++ {
			v := float64(data[r*3+c])
			if math.IsNaN(v) || math.IsInf(v, 0) && r != 3 {
				t.Fatalf("row %d has non-finite score %v", r, v)
			}
			sum += math.Exp(v)
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Errorf("row %d exponentiates to %f, want 1", r, sum)
		}
	}

	preds, _ := tensor.ArgmaxRows(scores)
	for r, want := range []int{1, 2, 0} {
		if preds[r] != want {
			t.Errorf("query %d: identical prototype %d should score highest, got %d", r, want, preds[r])
		}
	}

	t.Run("mismatched embedding sizes", func(t *testing.T) {
		bad, _ := tensor.Zeros([]int{2, 3}, tensor.Float32, tensor.CPU)
		if _, err := Score(bad, protos); err == nil {
			t.Error("expected error")
		}
	})
}

func TestEvaluate(t *testing.T) {
	ep := &Episode{Classes: []int{0, 1}, Support: [][]int{{0}, {0}}, Query: [][]int{{1, 2}, {1, 2}}}

	t.Run("all correct", func(t *testing.T) {
		logp := float32(math.Log(0.9))
		logq := float32(math.Log(0.1))
		scores, _ := tensor.NewTensor([]int{4, 2}, tensor.Float32, tensor.CPU, []float32{
			logp, logq, logp, logq, logq, logp, logq, logp,
		})
		res, err := Evaluate(scores, ep)
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if res.Accuracy != 1 {
			t.Errorf("expected accuracy 1, got %f", res.Accuracy)
		}
		if math.Abs(res.LossValue+math.Log(0.9)) > 1e-6 {
			t.Errorf("expected loss %f, got %f", -math.Log(0.9), res.LossValue)
		}
	})

	t.Run("ties resolve to lowest index", func(t *testing.T) {
		h := float32(math.Log(0.5))
		scores, _ := tensor.NewTensor([]int{4, 2}, tensor.Float32, tensor.CPU, []float32{h, h, h, h, h, h, h, h})
		res, _ := Evaluate(scores, ep)
		if res.Accuracy != 0.5 {
			t.Errorf("expected accuracy 0.5 with ties going to class 0, got %f", res.Accuracy)
		}
		for _, p := range res.Predictions {
			if p != 0 {
				t.Errorf("expected tie prediction 0, got %d", p)
			}
		}
	})

	t.Run("shape mismatch", func(t *testing.T) {
		scores, _ := tensor.Zeros([]int{3, 2}, tensor.Float32, tensor.CPU)
		if _, err := Evaluate(scores, ep); err == nil {
			t.Error("expected error")
		}
	})
}

func TestEndToEndIdentityEmbedding(t *testing.T) {
	// Five classes, two well separated examples each.
	pool := makePool(t, 5, 2, 5, func(c, e int) []float32 {
		v := make([]float32, 5)
		v[c] = 10
		v[(c+1)%5] = 0.1 * float32(e)
		return v
	})

	ep, err := SampleEpisode(rand.New(rand.NewSource(21)), pool, 5, 1, 1)
	if err != nil {
		t.Fatalf("SampleEpisode: %v", err)
	}

	id := layers.NewIdentity(5)
	protos, err := ComputePrototypes(id, pool, ep)
	if err != nil {
		t.Fatalf("ComputePrototypes: %v", err)
	}
	support, _ := pool.Gather(ep.Classes, ep.Support)
	for i, v := range support.Float32s() {
		if protos.Float32s()[i] != v {
			t.Fatalf("prototype data %v differs from the single support example %v", protos.Float32s(), support.Float32s())
		}
	}

	res, err := EvalStep(context.Background(), id, pool, ep)
	if err != nil {
		t.Fatalf("EvalStep: %v", err)
	}
	for r, p := range res.Predictions {
		if p != r {
			t.Errorf("query of class %d predicted as %d", r, p)
		}
	}
	if res.Accuracy != 1 {
		t.Errorf("expected accuracy 1, got %f", res.Accuracy)
	}
	if res.LossValue > 1e-6 {
		t.Errorf("expected near-zero loss for well separated points, got %g", res.LossValue)
	}
}

func newToyModel(t *testing.T, seed int64) *layers.Network {
	t.Helper()
	spec, err := layers.NewModelBuilder([]int{1, 1, 1, 6}).
		AddFlatten("flatten").
		AddDense(3, true, "embed").
		Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	net, err := layers.NewNetwork(spec, rand.New(rand.NewSource(seed)), tensor.CPU)
	if err != nil {
		t.Fatalf("NewNetwork: %v", err)
	}
	return net
}

// toyPool has class signal in the first four inputs and loud noise in the last two.
func toyPool(t *testing.T) *Pool {
	rng := rand.New(rand.NewSource(8))
	return makePool(t, 4, 12, 6, func(c, e int) []float32 {
		v := make([]float32, 6)
		v[c] = 1
		for i := range v[:4] {
			v[i] += 0.05 * float32(rng.NormFloat64())
		}
		v[4] = 2 * float32(rng.NormFloat64())
		v[5] = 2 * float32(rng.NormFloat64())
		return v
	})
}

func TestTrainStepDecreasesLoss(t *testing.T) {
	pool := toyPool(t)
	model := newToyModel(t, 4)
	opt, err := optimizer.NewAdamOptimizer(optimizer.AdamConfig{
		LearningRate: 0.02, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8,
	}, model.Parameters())
	if err != nil {
		t.Fatalf("NewAdamOptimizer: %v", err)
	}

	learner := &Learner{Model: model, Optimizer: opt, Sampler: NewSampler(17), N: 4, K: 3, Q: 3}
	const episodes, window = 400, 50
	var first, last float64
	for i := 0; i < episodes; i++ {
		res, err := learner.TrainEpisode(context.Background(), pool)
		if err != nil {
			t.Fatalf("episode %d: %v", i, err)
		}
		if i < window {
			first += res.LossValue
		}
		if i >= episodes-window {
			last += res.LossValue
		}
	}
	first /= window
	last /= window
	if last >= first {
		t.Errorf("loss did not decrease: first window %.4f, last window %.4f", first, last)
	}

	for _, p := range model.Parameters() {
		if p.Grad() != nil {
			t.Error("gradients should be cleared after each training step")
		}
	}
	if opt.GetStepCount() != episodes {
		t.Errorf("expected %d optimizer steps, got %d", episodes, opt.GetStepCount())
	}
}

func TestTrainStepFailOnNaN(t *testing.T) {
	pool := makePool(t, 2, 2, 6, func(c, e int) []float32 {
		v := make([]float32, 6)
		v[0] = float32(math.NaN())
		return v
	})
	model := newToyModel(t, 1)
	opt, _ := optimizer.NewSGDOptimizer(optimizer.SGDConfig{LearningRate: 0.1}, model.Parameters())
	before, _ := model.Parameters()[0].Clone()

	ep, _ := SampleEpisode(rand.New(rand.NewSource(1)), pool, 2, 1, 1)
	_, err := TrainStep(context.Background(), model, opt, pool, ep, StepOptions{FailOnNaN: true})
	if errors.Cause(err) != ErrNonFiniteLoss {
		t.Fatalf("expected ErrNonFiniteLoss, got %v", err)
	}
	if !model.Parameters()[0].Equal(before) {
		t.Error("parameters changed despite non-finite loss")
	}
	if opt.GetStepCount() != 0 {
		t.Error("optimizer stepped despite non-finite loss")
	}
}

func TestTrainStepGradientClipping(t *testing.T) {
	pool := toyPool(t)
	model := newToyModel(t, 2)
	before, _ := model.Parameters()[0].Clone()
	opt, _ := optimizer.NewSGDOptimizer(optimizer.SGDConfig{LearningRate: 1}, model.Parameters())

	ep, _ := SampleEpisode(rand.New(rand.NewSource(2)), pool, 4, 2, 2)
	if _, err := TrainStep(context.Background(), model, opt, pool, ep, StepOptions{MaxGradNorm: 1e-3}); err != nil {
		t.Fatalf("TrainStep: %v", err)
	}

	// With lr=1 the total update norm across all parameters is bounded by the clip norm.
	var sq float64
	for i, v := range model.Parameters()[0].Float32s() {
		d := float64(v - before.Float32s()[i])
		sq += d * d
	}
	if math.Sqrt(sq) > 1e-3+1e-6 {
		t.Errorf("weight update norm %g exceeds clip norm", math.Sqrt(sq))
	}
}

func TestEvalStep(t *testing.T) {
	pool := toyPool(t)
	model := newToyModel(t, 3)
	before, _ := model.Parameters()[0].Clone()
	ep, _ := SampleEpisode(rand.New(rand.NewSource(4)), pool, 3, 2, 4)

	res, err := EvalStep(context.Background(), model, pool, ep)
	if err != nil {
		t.Fatalf("EvalStep: %v", err)
	}
	if res.Loss.RequiresGrad() {
		t.Error("evaluation loss should not carry gradient history")
	}
	if model.Training() {
		t.Error("model should be in evaluation mode")
	}
	if !tensor.GradEnabled() {
		t.Error("gradient recording should be restored after evaluation")
	}
	if !model.Parameters()[0].Equal(before) {
		t.Error("evaluation must not change parameters")
	}
	if len(res.Predictions) != 12 {
		t.Errorf("expected 12 predictions, got %d", len(res.Predictions))
	}

	t.Run("restores gradient mode on error", func(t *testing.T) {
		bad := &Episode{Classes: []int{0, 1}, Support: [][]int{{0}, {99}}, Query: [][]int{{1}, {1}}}
		if _, err := EvalStep(context.Background(), model, pool, bad); err == nil {
			t.Fatal("expected error for invalid episode")
		}
		if !tensor.GradEnabled() {
			t.Error("gradient recording should be restored after a failed evaluation")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := EvalStep(ctx, model, pool, ep); err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}
