// Package preprocessing decodes character images into normalised grayscale
// float32 planes.
package preprocessing

import (
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// ImageProcessor decodes images to a square grayscale plane with buffer reuse.
type ImageProcessor struct {
	mu            sync.Mutex
	processBuffer []float64
	targetSize    int
	invert        bool
}

// NewImageProcessor creates a processor producing targetSize×targetSize planes.
func NewImageProcessor(targetSize int) *ImageProcessor {
	return &ImageProcessor{targetSize: targetSize}
}

// WithInvert makes the processor emit 1-v, so dark strokes on a light
// background become high values.
func (p *ImageProcessor) WithInvert(invert bool) *ImageProcessor {
	p.invert = invert
	return p
}

// ProcessedImage represents a preprocessed image ready for network input.
type ProcessedImage struct {
	Data     []float32
	Width    int
	Height   int
	Channels int
}

// DecodeGray decodes a PNG, JPEG or GIF image, converts it to grayscale, and
// resizes it by area averaging. Values are scaled to [0, 1] in HW order with
// a single channel.
func (p *ImageProcessor) DecodeGray(reader io.Reader) (*ProcessedImage, error) {
	if p.targetSize < 1 {
		return nil, errors.Errorf("invalid target size %d", p.targetSize)
	}
	img, _, err := image.Decode(reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("image has no pixels")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.targetSize
	if len(p.processBuffer) < 2*size*size {
		p.processBuffer = make([]float64, 2*size*size)
	}
	sums := p.processBuffer[:size*size]
	counts := p.processBuffer[size*size : 2*size*size]
	for i := range sums {
		sums[i], counts[i] = 0, 0
	}

	// Each source pixel lands in exactly one target cell. Cells left empty
	// when upscaling fall back to nearest-neighbour sampling.
	for y := 0; y < height; y++ {
		ty := y * size / height
		for x := 0; x < width; x++ {
			tx := x * size / width
			g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			sums[ty*size+tx] += float64(g.Y) / 65535.0
			counts[ty*size+tx]++
		}
	}

	data := make([]float32, size*size)
	for ty := 0; ty < size; ty++ {
		for tx := 0; tx < size; tx++ {
			idx := ty*size + tx
			var v float64
			if counts[idx] > 0 {
				v = sums[idx] / counts[idx]
			} else {
				sx := tx * width / size
				sy := ty * height / size
				g := color.Gray16Model.Convert(img.At(bounds.Min.X+sx, bounds.Min.Y+sy)).(color.Gray16)
				v = float64(g.Y) / 65535.0
			}
			if v != v || v < 0 {
				v = 0
			} else if v > 1 {
				v = 1
			}
			if p.invert {
				v = 1 - v
			}
			data[idx] = float32(v)
		}
	}

	return &ProcessedImage{Data: data, Width: size, Height: size, Channels: 1}, nil
}

// DecodeFile opens path and decodes it with DecodeGray.
func (p *ImageProcessor) DecodeFile(path string) (*ProcessedImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()
	img, err := p.DecodeGray(f)
	if err != nil {
		return nil, errors.Wrapf(err, "image %s", path)
	}
	return img, nil
}

// PreprocessBatch decodes imagePaths concurrently with maxWorkers goroutines,
// each owning its own processor. Results keep the input order.
func PreprocessBatch(imagePaths []string, targetSize int, invert bool, maxWorkers int) ([]*ProcessedImage, error) {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	results := make([]*ProcessedImage, len(imagePaths))
	errs := make([]error, len(imagePaths))

	type job struct {
		index int
		path  string
	}

	jobs := make(chan job, len(imagePaths))
	var wg sync.WaitGroup

	for w := 0; w < maxWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor := NewImageProcessor(targetSize).WithInvert(invert)
			for j := range jobs {
				results[j.index], errs[j.index] = processor.DecodeFile(j.path)
			}
		}()
	}

	for i, path := range imagePaths {
		jobs <- job{index: i, path: path}
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, errors.Wrapf(err, "failed to process image %d", i)
		}
	}
	return results, nil
}
