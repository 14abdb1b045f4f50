package collapse

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"collapsesim/internal/dist"
)

func TestStepOutputIsStrictlyPositiveAndNormalized(t *testing.T) {
	gt, err := dist.Zipf(500, 1.5)
	if err != nil {
		t.Fatalf("zipf: %v", err)
	}
	rng := rand.New(rand.NewSource(7))
	for _, n := range []int{1, 10, 3000} {
		for _, eps := range []float64{1e-9, 0.01, 1} {
			out, err := Step(gt, n, eps, rng)
			if err != nil {
				t.Fatalf("step(n=%d, eps=%v): %v", n, eps, err)
			}
			if len(out) != len(gt) {
				t.Fatalf("step(n=%d, eps=%v): length %d", n, eps, len(out))
			}
			if math.Abs(out.Sum()-1) > 1e-9 {
				t.Fatalf("step(n=%d, eps=%v): sum=%v", n, eps, out.Sum())
			}
			for i, p := range out {
				if !(p > 0) {
					t.Fatalf("step(n=%d, eps=%v): entry %d not strictly positive: %v", n, eps, i, p)
				}
			}
		}
	}
}

func TestStepDoesNotMutateInput(t *testing.T) {
	in := dist.Distribution{0.7, 0.2, 0.1}
	before := in.Clone()
	if _, err := Step(in, 100, 0.01, rand.New(rand.NewSource(1))); err != nil {
		t.Fatalf("step: %v", err)
	}
	for i := range in {
		if in[i] != before[i] {
			t.Fatalf("input mutated at %d: %v -> %v", i, before[i], in[i])
		}
	}
}

func TestStepIsReproducibleForSeed(t *testing.T) {
	gt, err := dist.Zipf(200, 1.2)
	if err != nil {
		t.Fatalf("zipf: %v", err)
	}
	a, err := Step(gt, 1000, 0.01, rand.New(rand.NewSource(99)))
	if err != nil {
		t.Fatalf("step a: %v", err)
	}
	b, err := Step(gt, 1000, 0.01, rand.New(rand.NewSource(99)))
	if err != nil {
		t.Fatalf("step b: %v", err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed diverged at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestStepNeverDrawsZeroMassItems(t *testing.T) {
	in := dist.Distribution{0, 1, 0}
	out, err := Step(in, 500, 1, rand.New(rand.NewSource(3)))
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	// 500 draws land on index 1; the others keep only the smoothing count.
	want0 := 1.0 / 503.0
	if math.Abs(out[0]-want0) > 1e-12 || math.Abs(out[2]-want0) > 1e-12 {
		t.Fatalf("unexpected smoothed mass on zero items: %v", out)
	}
}

func TestStepIsStochastic(t *testing.T) {
	gt, err := dist.Zipf(100, 1.0)
	if err != nil {
		t.Fatalf("zipf: %v", err)
	}
	a, _ := Step(gt, 200, 0.01, rand.New(rand.NewSource(1)))
	b, _ := Step(gt, 200, 0.01, rand.New(rand.NewSource(2)))
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected different seeds to produce different re-estimates")
	}
}

func TestStepRejectsInvalidInput(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	valid := dist.Distribution{0.5, 0.5}
	cases := []struct {
		name      string
		d         dist.Distribution
		n         int
		smoothing float64
		rng       *rand.Rand
		want      error
	}{
		{name: "zero sample size", d: valid, n: 0, smoothing: 0.01, rng: rng, want: ErrInvalidParameter},
		{name: "zero smoothing", d: valid, n: 10, smoothing: 0, rng: rng, want: ErrInvalidParameter},
		{name: "negative smoothing", d: valid, n: 10, smoothing: -0.5, rng: rng, want: ErrInvalidParameter},
		{name: "nil rng", d: valid, n: 10, smoothing: 0.01, rng: nil, want: ErrInvalidParameter},
		{name: "negative mass", d: dist.Distribution{1.5, -0.5}, n: 10, smoothing: 0.01, rng: rng, want: ErrInvalidDistribution},
		{name: "empty", d: nil, n: 10, smoothing: 0.01, rng: rng, want: ErrInvalidDistribution},
	}
	for _, tc := range cases {
		if _, err := Step(tc.d, tc.n, tc.smoothing, tc.rng); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}
