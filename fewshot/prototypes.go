package fewshot

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-protonet/layers"
	"github.com/tsawler/go-protonet/tensor"
)

// ComputePrototypes embeds the N*K support images in class-major order and
// averages each group of K embeddings. The result has shape [N, D].
func ComputePrototypes(embed layers.Embedder, pool *Pool, ep *Episode) (*tensor.Tensor, error) {
	images, err := pool.Gather(ep.Classes, ep.Support)
	if err != nil {
		return nil, errors.Wrap(err, "gather support")
	}
	emb, err := embed.Forward(images)
	if err != nil {
		return nil, errors.Wrap(err, "embed support")
	}
	protos, err := tensor.GroupMeanAutograd(emb, ep.K())
	if err != nil {
		return nil, errors.Wrap(err, "average support embeddings")
	}
	return protos, nil
}

// EmbedQueries embeds the N*Q query images in row order r = i*Q + j.
func EmbedQueries(embed layers.Embedder, pool *Pool, ep *Episode) (*tensor.Tensor, error) {
	images, err := pool.Gather(ep.Classes, ep.Query)
	if err != nil {
		return nil, errors.Wrap(err, "gather queries")
	}
	emb, err := embed.Forward(images)
	if err != nil {
		return nil, errors.Wrap(err, "embed queries")
	}
	return emb, nil
}
