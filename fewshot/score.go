package fewshot

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-protonet/tensor"
)

// Score returns log_softmax(-||q - p||²) over prototypes for every query row.
// queries is [M, D], prototypes [N, D]; the result is [M, N].
func Score(queries, prototypes *tensor.Tensor) (*tensor.Tensor, error) {
	if len(queries.Shape) != 2 || len(prototypes.Shape) != 2 {
		return nil, errors.Errorf("score: expected 2-D inputs, got %v and %v", queries.Shape, prototypes.Shape)
	}
	if queries.Shape[1] != prototypes.Shape[1] {
		return nil, errors.Errorf("score: embedding sizes differ, queries %d vs prototypes %d",
			queries.Shape[1], prototypes.Shape[1])
	}

	dist, err := tensor.PairwiseSquaredDistanceAutograd(queries, prototypes)
	if err != nil {
		return nil, err
	}
	neg, err := tensor.ScaleAutograd(dist, -1)
	if err != nil {
		return nil, err
	}
	return tensor.LogSoftmaxAutograd(neg)
}
