package fewshot

import (
	"context"
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-protonet/layers"
	"github.com/tsawler/go-protonet/optimizer"
	"github.com/tsawler/go-protonet/tensor"
)

// ErrNonFiniteLoss is returned by TrainStep when FailOnNaN is set and the
// episode loss is NaN or infinite. No parameter update happens in that case.
var ErrNonFiniteLoss = errors.New("non-finite episode loss")

// Updater applies and clears accumulated gradients.
type Updater interface {
	Step() error
	ZeroGrad()
}

// StepOptions tunes TrainStep. The zero value reproduces a plain SGD step.
type StepOptions struct {
	// MaxGradNorm clips the global gradient norm when positive.
	MaxGradNorm float64
	// FailOnNaN aborts the step before backward on a non-finite loss.
	FailOnNaN bool
}

// TrainStep runs one training episode: forward in training mode, backward,
// one optimizer update and a gradient clear. Gradients are cleared on every
// exit path after the forward pass so a failed step cannot leak into the next.
func TrainStep(ctx context.Context, model layers.Embedder, opt Updater, pool *Pool, ep *Episode, opts StepOptions) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opt == nil && len(model.Parameters()) > 0 {
		return nil, errors.New("train step: optimizer is required for a model with parameters")
	}

	model.Train()
	res, err := Forward(model, pool, ep)
	if err != nil {
		return nil, errors.Wrap(err, "train step")
	}

	if opts.FailOnNaN && (math.IsNaN(res.LossValue) || math.IsInf(res.LossValue, 0)) {
		tensor.ZeroGrad(model.Parameters())
		return nil, errors.Wrapf(ErrNonFiniteLoss, "loss=%v", res.LossValue)
	}

	if !res.Loss.RequiresGrad() {
		// Nothing to learn, e.g. a parameter-free embedder.
		return res, nil
	}

	defer tensor.ZeroGrad(model.Parameters())

	if err := res.Loss.Backward(); err != nil {
		return nil, errors.Wrap(err, "backward")
	}
	if opts.MaxGradNorm > 0 {
		optimizer.ClipGradNorm(model.Parameters(), opts.MaxGradNorm)
	}
	if err := opt.Step(); err != nil {
		return nil, errors.Wrap(err, "optimizer step")
	}
	opt.ZeroGrad()

	return res, nil
}

// EvalStep scores one episode in evaluation mode without recording gradients
// or touching parameters.
func EvalStep(ctx context.Context, model layers.Embedder, pool *Pool, ep *Episode) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	model.Eval()
	var res *Result
	err := tensor.NoGrad(func() error {
		var err error
		res, err = Forward(model, pool, ep)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "eval step")
	}
	return res, nil
}
