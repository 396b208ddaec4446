package dataset

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-protonet/fewshot"
	"github.com/tsawler/go-protonet/tensor"
	"github.com/tsawler/go-protonet/vision/dataloader"
)

// PoolOptions control how a class index becomes an image pool.
type PoolOptions struct {
	ImageSize int
	// PerClass is the fixed example count; shorter classes are padded by
	// cycling their files, longer ones truncated.
	PerClass int
	// Invert maps v to 1-v after scaling to [0, 1].
	Invert     bool
	Extensions []string
	// MaxClasses keeps the first classes in sorted order when positive.
	MaxClasses int
	NumWorkers int
	Cache      *dataloader.CacheManager
}

// Validate checks the geometry options.
func (o PoolOptions) Validate() error {
	if o.ImageSize < 1 {
		return errors.Errorf("image size must be positive, got %d", o.ImageSize)
	}
	if o.PerClass < 1 {
		return errors.Errorf("per-class count must be positive, got %d", o.PerClass)
	}
	return nil
}

// LoadPool scans root and loads every class into a pool of
// [classes*PerClass, 1, ImageSize, ImageSize] grayscale images.
func LoadPool(root string, opts PoolOptions) (*fewshot.Pool, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	index, err := ScanClasses(root, opts.Extensions)
	if err != nil {
		return nil, err
	}
	return index.Pool(opts)
}

// Pool decodes the indexed files into a pool.
func (ci *ClassIndex) Pool(opts PoolOptions) (*fewshot.Pool, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	classes := ci.NumClasses()
	if opts.MaxClasses > 0 && opts.MaxClasses < classes {
		classes = opts.MaxClasses
	}

	paths := make([]string, 0, classes*opts.PerClass)
	for c := 0; c < classes; c++ {
		files := ci.files[c]
		for e := 0; e < opts.PerClass; e++ {
			paths = append(paths, files[e%len(files)])
		}
	}

	images, err := dataloader.LoadImages(paths, dataloader.Config{
		ImageSize:    opts.ImageSize,
		Invert:       opts.Invert,
		NumWorkers:   opts.NumWorkers,
		CacheManager: opts.Cache,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", ci.root)
	}

	plane := opts.ImageSize * opts.ImageSize
	data := make([]float32, 0, len(images)*plane)
	for _, img := range images {
		data = append(data, img...)
	}
	t, err := tensor.NewTensor([]int{len(images), 1, opts.ImageSize, opts.ImageSize}, tensor.Float32, tensor.CPU, data)
	if err != nil {
		return nil, errors.Wrap(err, "build image tensor")
	}
	return fewshot.NewPool(ci.classNames[:classes], t)
}
