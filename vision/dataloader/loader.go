package dataloader

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-protonet/vision/preprocessing"
)

// Config controls how image files are decoded.
type Config struct {
	ImageSize  int
	Invert     bool
	NumWorkers int
	// CacheManager is consulted before decoding when set.
	CacheManager *CacheManager
}

// LoadImages returns one size×size grayscale plane per path, in order.
// Duplicate paths are decoded once.
func LoadImages(paths []string, config Config) ([][]float32, error) {
	if config.ImageSize < 1 {
		return nil, errors.Errorf("invalid image size %d", config.ImageSize)
	}

	out := make([][]float32, len(paths))
	pending := make(map[string][]int)
	var misses []string
	for i, path := range paths {
		if config.CacheManager != nil {
			if data, ok := config.CacheManager.Get(Key(path, config.ImageSize, config.Invert)); ok {
				out[i] = data
				continue
			}
		}
		if _, seen := pending[path]; !seen {
			misses = append(misses, path)
		}
		pending[path] = append(pending[path], i)
	}
	if len(misses) == 0 {
		return out, nil
	}

	images, err := preprocessing.PreprocessBatch(misses, config.ImageSize, config.Invert, config.NumWorkers)
	if err != nil {
		return nil, err
	}
	for j, path := range misses {
		data := images[j].Data
		for _, i := range pending[path] {
			out[i] = data
		}
		if config.CacheManager != nil {
			if err := config.CacheManager.Put(Key(path, config.ImageSize, config.Invert), data); err != nil {
				return nil, errors.Wrap(err, "cache image")
			}
		}
	}
	return out, nil
}
