package fewshot

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-protonet/layers"
	"github.com/tsawler/go-protonet/tensor"
)

// Result is the outcome of scoring one episode.
type Result struct {
	// Loss is the differentiable mean negative log-probability of the true class.
	Loss        *tensor.Tensor
	LossValue   float64
	Accuracy    float64
	Predictions []int
}

// Evaluate derives loss and accuracy from an [N*Q, N] score matrix. Ties in
// the argmax resolve to the lowest class index.
func Evaluate(scores *tensor.Tensor, ep *Episode) (*Result, error) {
	n, q := ep.N(), ep.Q()
	if len(scores.Shape) != 2 || scores.Shape[0] != n*q || scores.Shape[1] != n {
		return nil, errors.Errorf("evaluate: scores %v do not match a %d-way episode with %d queries", scores.Shape, n, q)
	}

	labels := ep.Labels()
	loss, err := tensor.NLLLossAutograd(scores, labels)
	if err != nil {
		return nil, errors.Wrap(err, "loss")
	}
	value, err := loss.Item()
	if err != nil {
		return nil, err
	}

	preds, err := tensor.ArgmaxRows(scores)
	if err != nil {
		return nil, err
	}
	correct := 0
	for r, p := range preds {
		if p == labels[r] {
			correct++
		}
	}

	return &Result{
		Loss:        loss,
		LossValue:   float64(value),
		Accuracy:    float64(correct) / float64(len(labels)),
		Predictions: preds,
	}, nil
}

// Forward runs prototypes, scoring and evaluation for one episode.
func Forward(embed layers.Embedder, pool *Pool, ep *Episode) (*Result, error) {
	protos, err := ComputePrototypes(embed, pool, ep)
	if err != nil {
		return nil, err
	}
	queries, err := EmbedQueries(embed, pool, ep)
	if err != nil {
		return nil, err
	}
	scores, err := Score(queries, protos)
	if err != nil {
		return nil, err
	}
	return Evaluate(scores, ep)
}
