package collapse

import (
	"fmt"
	"math"

	"collapsesim/internal/dist"
)

// MixPolicy decides what happens when injectionRate*analogWeight exceeds 1 and
// the coefficient on the self-generated distribution turns negative.
type MixPolicy string

const (
	// ClampWeight caps the effective weight at 1, so the mix is always a
	// convex combination and never goes past pure ground truth.
	ClampWeight MixPolicy = "clamp_weight"
	// ClampEntries mixes with the raw weight and zeroes negative entries
	// before renormalizing.
	ClampEntries MixPolicy = "clamp_entries"
	// Unclamped mixes with the raw weight and renormalizes as is. Negative
	// entries survive; the next Step rejects the distribution.
	Unclamped MixPolicy = "unclamped"
)

func ParseMixPolicy(name string) (MixPolicy, error) {
	switch MixPolicy(name) {
	case "":
		return ClampWeight, nil
	case ClampWeight, ClampEntries, Unclamped:
		return MixPolicy(name), nil
	default:
		return "", fmt.Errorf("%w: unsupported mix policy %q", ErrInvalidParameter, name)
	}
}

// EffectiveWeight returns the ground-truth share Mix will apply.
func EffectiveWeight(injectionRate, analogWeight float64, policy MixPolicy) float64 {
	if injectionRate == 0 {
		return 0
	}
	w := injectionRate * analogWeight
	if policy == ClampWeight && w > 1 {
		return 1
	}
	return w
}

// Mix re-injects ground-truth mass into a self-trained distribution. A zero
// injection rate returns ai unchanged regardless of the analog weight.
func Mix(ai, groundTruth dist.Distribution, injectionRate, analogWeight float64, policy MixPolicy) (dist.Distribution, error) {
	if err := validateMixParams(injectionRate, analogWeight); err != nil {
		return nil, err
	}
	if _, err := ParseMixPolicy(string(policy)); err != nil {
		return nil, err
	}
	if len(ai) != len(groundTruth) {
		return nil, fmt.Errorf("%w: length mismatch ai=%d ground_truth=%d", ErrInvalidDistribution, len(ai), len(groundTruth))
	}
	if injectionRate == 0 {
		return ai.Clone(), nil
	}

	w := EffectiveWeight(injectionRate, analogWeight, policy)
	if w == 1 {
		return groundTruth.Clone(), nil
	}

	mixed := make([]float64, len(ai))
	for i := range ai {
		v := (1-w)*ai[i] + w*groundTruth[i]
		if policy == ClampEntries && v < 0 {
			v = 0
		}
		mixed[i] = v
	}
	out, err := dist.Normalize(mixed)
	if err != nil {
		return nil, fmt.Errorf("mix at effective weight %v: %w", w, err)
	}
	return out, nil
}

func validateMixParams(injectionRate, analogWeight float64) error {
	if math.IsNaN(injectionRate) || injectionRate < 0 || injectionRate > 1 {
		return fmt.Errorf("%w: injection rate must be in [0,1], got %v", ErrInvalidParameter, injectionRate)
	}
	if math.IsNaN(analogWeight) || math.IsInf(analogWeight, 0) || analogWeight < 0 {
		return fmt.Errorf("%w: analog weight must be finite and >= 0, got %v", ErrInvalidParameter, analogWeight)
	}
	return nil
}
