// Package dist holds categorical distributions over a fixed vocabulary and the
// measures the simulator tracks across generations.
package dist

import (
	"errors"
	"fmt"
	"math"
)

// SumTolerance bounds how far a valid distribution may drift from unit mass.
const SumTolerance = 1e-6

var (
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrInvalidDistribution = errors.New("invalid distribution")
	ErrDegenerate          = errors.New("degenerate distribution")
)

// Distribution is a probability vector indexed by vocabulary rank (rank 1 at
// index 0). Functions in this package never write to a Distribution they
// receive; callers may share values freely.
type Distribution []float64

// Zipf builds the ground-truth law: rank r gets weight r^-shape, normalized.
func Zipf(vocabSize int, shape float64) (Distribution, error) {
	if vocabSize < 1 {
		return nil, fmt.Errorf("%w: vocab size must be >= 1, got %d", ErrInvalidParameter, vocabSize)
	}
	if !(shape > 0) || math.IsInf(shape, 0) {
		return nil, fmt.Errorf("%w: zipf shape must be finite and > 0, got %v", ErrInvalidParameter, shape)
	}
	weights := make([]float64, vocabSize)
	for i := range weights {
		weights[i] = math.Pow(float64(i+1), -shape)
	}
	return Normalize(weights)
}

// Normalize scales weights to unit sum. Signs are left alone.
func Normalize(weights []float64) (Distribution, error) {
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: empty weights", ErrInvalidDistribution)
	}
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	if !(sum > 0) || math.IsInf(sum, 0) {
		return nil, fmt.Errorf("%w: weight sum %v cannot be normalized", ErrDegenerate, sum)
	}
	out := make(Distribution, len(weights))
	for i, w := range weights {
		out[i] = w / sum
	}
	return out, nil
}

// Validate reports whether d satisfies the distribution invariant.
func Validate(d Distribution) error {
	if len(d) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidDistribution)
	}
	sum := 0.0
	for i, p := range d {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return fmt.Errorf("%w: entry %d is not finite", ErrInvalidDistribution, i)
		}
		if p < 0 {
			return fmt.Errorf("%w: entry %d is negative (%v)", ErrInvalidDistribution, i, p)
		}
		sum += p
	}
	if math.Abs(sum-1) > SumTolerance {
		return fmt.Errorf("%w: sum %v is not 1", ErrInvalidDistribution, sum)
	}
	return nil
}

func (d Distribution) Clone() Distribution {
	return append(Distribution(nil), d...)
}

func (d Distribution) Sum() float64 {
	sum := 0.0
	for _, p := range d {
		sum += p
	}
	return sum
}

// Entropy returns the Shannon entropy in bits over strictly positive entries.
func Entropy(d Distribution) float64 {
	h := 0.0
	for _, p := range d {
		if p > 0 {
			h -= p * math.Log2(p)
		}
	}
	return h
}

// Perplexity is the effective vocabulary size 2^H.
func Perplexity(d Distribution) float64 {
	return math.Exp2(Entropy(d))
}

// KLDivergence returns D(p||q) in bits. Entries where p is zero contribute
// nothing; +Inf is returned when p has mass where q has none.
func KLDivergence(p, q Distribution) (float64, error) {
	if len(p) != len(q) {
		return 0, fmt.Errorf("%w: length mismatch %d vs %d", ErrInvalidDistribution, len(p), len(q))
	}
	kl := 0.0
	for i := range p {
		if p[i] <= 0 {
			continue
		}
		if q[i] <= 0 {
			return math.Inf(1), nil
		}
		kl += p[i] * math.Log2(p[i]/q[i])
	}
	return kl, nil
}

// TailMass sums the probability of every item at rank >= fromRank (1-indexed).
func TailMass(d Distribution, fromRank int) float64 {
	if fromRank < 1 {
		fromRank = 1
	}
	mass := 0.0
	for i := fromRank - 1; i < len(d); i++ {
		mass += d[i]
	}
	return mass
}

// Support counts entries with probability strictly above eps.
func Support(d Distribution, eps float64) int {
	n := 0
	for _, p := range d {
		if p > eps {
			n++
		}
	}
	return n
}
