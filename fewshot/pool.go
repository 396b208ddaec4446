package fewshot

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-protonet/tensor"
)

// Pool is an immutable labeled image collection with the same number of
// examples in every class. Images are stored class-major in one tensor of
// shape [classes*perClass, C, H, W].
type Pool struct {
	classIDs []string
	perClass int
	shape    []int
	data     []float32
	rowSize  int
}

// NewPool builds a pool from class identifiers and a class-major image tensor.
// The first dimension of images must be a multiple of len(classIDs).
func NewPool(classIDs []string, images *tensor.Tensor) (*Pool, error) {
	if len(classIDs) == 0 {
		return nil, errors.New("pool needs at least one class")
	}
	if images == nil || images.DType != tensor.Float32 || len(images.Shape) != 4 {
		return nil, errors.New("pool images must be a float32 tensor of shape [examples, C, H, W]")
	}
	rows := images.Shape[0]
	if rows == 0 || rows%len(classIDs) != 0 {
		return nil, errors.Errorf("%d images cannot be split evenly across %d classes", rows, len(classIDs))
	}

	seen := make(map[string]bool, len(classIDs))
	for _, id := range classIDs {
		if seen[id] {
			return nil, errors.Errorf("duplicate class id %q", id)
		}
		seen[id] = true
	}

	data := make([]float32, images.NumElems)
	copy(data, images.Float32s())

	return &Pool{
		classIDs: append([]string(nil), classIDs...),
		perClass: rows / len(classIDs),
		shape:    append([]int(nil), images.Shape[1:]...),
		data:     data,
		rowSize:  images.NumElems / rows,
	}, nil
}

func (p *Pool) NumClasses() int { return len(p.classIDs) }
func (p *Pool) PerClass() int   { return p.perClass }

// ClassID returns the identifier of class index c.
func (p *Pool) ClassID(c int) string { return p.classIDs[c] }

// ClassIDs returns a copy of all class identifiers in pool order.
func (p *Pool) ClassIDs() []string { return append([]string(nil), p.classIDs...) }

// ImageShape returns [C, H, W].
func (p *Pool) ImageShape() []int { return append([]int(nil), p.shape...) }

// Gather copies the selected examples into a new [len*count, C, H, W] tensor.
// Row order is class-major: all examples of classes[0], then classes[1], and so on.
func (p *Pool) Gather(classes []int, examples [][]int) (*tensor.Tensor, error) {
	if len(classes) != len(examples) {
		return nil, errors.Errorf("gather: %d classes but %d example rows", len(classes), len(examples))
	}

	total := 0
	for _, row := range examples {
		total += len(row)
	}
	out := make([]float32, 0, total*p.rowSize)

	for i, c := range classes {
		if c < 0 || c >= len(p.classIDs) {
			return nil, errors.Errorf("gather: class %d out of range [0,%d)", c, len(p.classIDs))
		}
		for _, e := range examples[i] {
			if e < 0 || e >= p.perClass {
				return nil, errors.Errorf("gather: example %d out of range [0,%d)", e, p.perClass)
			}
			start := (c*p.perClass + e) * p.rowSize
			out = append(out, p.data[start:start+p.rowSize]...)
		}
	}

	shape := append([]int{total}, p.shape...)
	return tensor.NewTensor(shape, tensor.Float32, tensor.CPU, out)
}
