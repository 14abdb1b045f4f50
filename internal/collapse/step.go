package collapse

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"collapsesim/internal/dist"
)

// Step simulates one round of training on generated output: it draws
// sampleSize tokens from d, counts them, adds smoothing to every count and
// re-estimates the distribution from those counts.
func Step(d dist.Distribution, sampleSize int, smoothing float64, rng *rand.Rand) (dist.Distribution, error) {
	if sampleSize < 1 {
		return nil, fmt.Errorf("%w: sample size must be >= 1, got %d", ErrInvalidParameter, sampleSize)
	}
	if !(smoothing > 0) || math.IsInf(smoothing, 0) {
		return nil, fmt.Errorf("%w: smoothing must be finite and > 0, got %v", ErrInvalidParameter, smoothing)
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: random source is required", ErrInvalidParameter)
	}
	if err := dist.Validate(d); err != nil {
		return nil, fmt.Errorf("sample from distribution: %w", err)
	}

	counts := sampleCounts(d, sampleSize, rng)
	weights := make([]float64, len(counts))
	for i, c := range counts {
		weights[i] = float64(c) + smoothing
	}
	return dist.Normalize(weights)
}

// sampleCounts draws n categorical samples by inverse transform over the
// cumulative mass. Zero-mass items are never drawn.
func sampleCounts(d dist.Distribution, n int, rng *rand.Rand) []int {
	cdf := make([]float64, len(d))
	acc := 0.0
	for i, p := range d {
		acc += p
		cdf[i] = acc
	}
	total := cdf[len(cdf)-1]
	last := len(cdf) - 1

	counts := make([]int, len(d))
	for i := 0; i < n; i++ {
		u := rng.Float64() * total
		idx := sort.Search(len(cdf), func(j int) bool { return cdf[j] > u })
		if idx > last {
			idx = last
		}
		counts[idx]++
	}
	return counts
}
