package fewshot

import (
	"context"

	"github.com/tsawler/go-protonet/layers"
)

// Learner bundles the state a training run threads through every episode.
// N, K and Q are fixed for the lifetime of the learner.
type Learner struct {
	Model     layers.Embedder
	Optimizer Updater
	Sampler   *Sampler
	N, K, Q   int
	Options   StepOptions
}

// TrainEpisode samples an episode from pool and performs one training step.
func (l *Learner) TrainEpisode(ctx context.Context, pool *Pool) (*Result, error) {
	ep, err := l.Sampler.Sample(pool, l.N, l.K, l.Q)
	if err != nil {
		return nil, err
	}
	return TrainStep(ctx, l.Model, l.Optimizer, pool, ep, l.Options)
}

// EvalEpisode samples an n-way k-shot episode with q queries and scores it in
// evaluation mode.
func (l *Learner) EvalEpisode(ctx context.Context, pool *Pool, n, k, q int) (*Result, error) {
	ep, err := l.Sampler.Sample(pool, n, k, q)
	if err != nil {
		return nil, err
	}
	return EvalStep(ctx, l.Model, pool, ep)
}
