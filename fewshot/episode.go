package fewshot

import (
	"math/rand"

	"github.com/pkg/errors"
)

// ErrInvalidEpisodeConfig is returned when an episode cannot be drawn from a pool.
var ErrInvalidEpisodeConfig = errors.New("invalid episode configuration")

// ClassSource is the part of a pool the sampler needs.
type ClassSource interface {
	NumClasses() int
	PerClass() int
}

// Episode is one N-way K-shot task with Q queries per class. Indices refer to
// pool classes and to example positions within a class.
type Episode struct {
	Classes []int
	Support [][]int
	Query   [][]int
}

func (e *Episode) N() int { return len(e.Classes) }

func (e *Episode) K() int {
	if len(e.Support) == 0 {
		return 0
	}
	return len(e.Support[0])
}

func (e *Episode) Q() int {
	if len(e.Query) == 0 {
		return 0
	}
	return len(e.Query[0])
}

// Labels returns the query labels in row order: [0]*Q, [1]*Q, ..., [N-1]*Q.
func (e *Episode) Labels() []int {
	return QueryLabels(e.N(), e.Q())
}

// QueryLabels builds the label vector for n classes with q queries each.
func QueryLabels(n, q int) []int {
	labels := make([]int, 0, n*q)
	for i := 0; i < n; i++ {
		for j := 0; j < q; j++ {
			labels = append(labels, i)
		}
	}
	return labels
}

// ValidateEpisodeConfig checks that an n-way k-shot episode with q queries can
// be drawn from source.
func ValidateEpisodeConfig(source ClassSource, n, k, q int) error {
	switch {
	case n < 1 || k < 1 || q < 1:
		return errors.Wrapf(ErrInvalidEpisodeConfig, "n=%d k=%d q=%d must all be at least 1", n, k, q)
	case n > source.NumClasses():
		return errors.Wrapf(ErrInvalidEpisodeConfig, "n=%d exceeds the %d available classes", n, source.NumClasses())
	case k+q > source.PerClass():
		return errors.Wrapf(ErrInvalidEpisodeConfig, "k+q=%d exceeds the %d examples per class", k+q, source.PerClass())
	}
	return nil
}

// SampleEpisode draws n distinct classes uniformly without replacement and,
// for each, k+q distinct examples: the first k are support, the rest query.
// The only side effect is consuming rng.
func SampleEpisode(rng *rand.Rand, source ClassSource, n, k, q int) (*Episode, error) {
	if err := ValidateEpisodeConfig(source, n, k, q); err != nil {
		return nil, err
	}

	ep := &Episode{
		Classes: rng.Perm(source.NumClasses())[:n],
		Support: make([][]int, n),
		Query:   make([][]int, n),
	}
	for i := range ep.Classes {
		picks := rng.Perm(source.PerClass())[:k+q]
		ep.Support[i] = picks[:k:k]
		ep.Query[i] = picks[k:]
	}
	return ep, nil
}

// Sampler draws episodes from a seeded source.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler returns a sampler whose episode sequence is fixed by seed.
func NewSampler(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Sample draws one episode.
func (s *Sampler) Sample(source ClassSource, n, k, q int) (*Episode, error) {
	return SampleEpisode(s.rng, source, n, k, q)
}
