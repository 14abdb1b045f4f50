// Package collapse simulates recursive training of a categorical model on its
// own samples, with optional re-injection of ground-truth mass.
package collapse

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"

	"collapsesim/internal/dist"
	"collapsesim/internal/model"
)

var (
	ErrInvalidParameter    = dist.ErrInvalidParameter
	ErrInvalidDistribution = dist.ErrInvalidDistribution
	ErrDegenerate          = dist.ErrDegenerate
)

const (
	DefaultVocabSize    = 2000
	DefaultZipfShape    = 1.5
	DefaultSampleSize   = 3000
	DefaultSmoothing    = 0.01
	DefaultGenerations  = 15
	DefaultAnalogWeight = 1.0
)

type Config struct {
	VocabSize int
	ZipfShape float64
	// GroundTruth, when non-empty, replaces the Zipf reference. Weights are
	// normalized and VocabSize is taken from their length.
	GroundTruth []float64
	SampleSize  int
	Smoothing   float64
	Policy      MixPolicy
	Logger      *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		VocabSize:  DefaultVocabSize,
		ZipfShape:  DefaultZipfShape,
		SampleSize: DefaultSampleSize,
		Smoothing:  DefaultSmoothing,
		Policy:     ClampWeight,
	}
}

type Scenario struct {
	Name          string  `json:"name"`
	Generations   int     `json:"generations"`
	InjectionRate float64 `json:"injection_rate"`
	AnalogWeight  float64 `json:"analog_weight"`
	Seed          int64   `json:"seed"`
}

func (sc Scenario) Validate() error {
	if sc.Generations < 0 {
		return fmt.Errorf("%w: generations must be >= 0, got %d", ErrInvalidParameter, sc.Generations)
	}
	return validateMixParams(sc.InjectionRate, sc.AnalogWeight)
}

type GenerationDiagnostics = model.GenerationDiagnostics

type Result struct {
	Scenario    Scenario                `json:"scenario"`
	Series      []float64               `json:"series"`
	Diagnostics []GenerationDiagnostics `json:"diagnostics"`
	Final       dist.Distribution       `json:"-"`
}

// FinalEntropy is the last entry of the diversity series.
func (r Result) FinalEntropy() float64 {
	if len(r.Series) == 0 {
		return 0
	}
	return r.Series[len(r.Series)-1]
}

// Simulator owns the ground-truth distribution. It holds no per-run state, so
// one instance can serve any number of runs, including concurrent ones, as
// long as each run has its own random source.
type Simulator struct {
	cfg         Config
	groundTruth dist.Distribution
	logger      *slog.Logger
}

func NewSimulator(cfg Config) (*Simulator, error) {
	gt, err := groundTruthFor(cfg)
	if err != nil {
		return nil, err
	}
	cfg.VocabSize = len(gt)
	cfg.GroundTruth = nil
	if cfg.SampleSize < 1 {
		return nil, fmt.Errorf("%w: sample size must be >= 1, got %d", ErrInvalidParameter, cfg.SampleSize)
	}
	if !(cfg.Smoothing > 0) || math.IsInf(cfg.Smoothing, 0) {
		return nil, fmt.Errorf("%w: smoothing must be finite and > 0, got %v", ErrInvalidParameter, cfg.Smoothing)
	}
	policy, err := ParseMixPolicy(string(cfg.Policy))
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{cfg: cfg, groundTruth: gt, logger: logger}, nil
}

func groundTruthFor(cfg Config) (dist.Distribution, error) {
	if len(cfg.GroundTruth) == 0 {
		return dist.Zipf(cfg.VocabSize, cfg.ZipfShape)
	}
	gt, err := dist.Normalize(cfg.GroundTruth)
	if err != nil {
		return nil, err
	}
	if err := dist.Validate(gt); err != nil {
		return nil, err
	}
	return gt, nil
}

func (s *Simulator) Config() Config {
	return s.cfg
}

// GroundTruth returns a copy of the reference distribution.
func (s *Simulator) GroundTruth() dist.Distribution {
	return s.groundTruth.Clone()
}

// Run executes a scenario with a random source seeded from sc.Seed.
func (s *Simulator) Run(sc Scenario) (Result, error) {
	return s.RunWithRand(sc, rand.New(rand.NewSource(sc.Seed)))
}

// RunWithRand folds Generation over sc.Generations rounds starting from the
// ground truth and records the entropy after each round. The returned series
// has sc.Generations+1 entries, the first being the untouched baseline.
func (s *Simulator) RunWithRand(sc Scenario, rng *rand.Rand) (Result, error) {
	if err := sc.Validate(); err != nil {
		return Result{}, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	if rng == nil {
		return Result{}, fmt.Errorf("scenario %q: %w: random source is required", sc.Name, ErrInvalidParameter)
	}

	weight := EffectiveWeight(sc.InjectionRate, sc.AnalogWeight, s.cfg.Policy)
	current := s.groundTruth
	series := make([]float64, 0, sc.Generations+1)
	diagnostics := make([]GenerationDiagnostics, 0, sc.Generations+1)

	record := func(generation int, d dist.Distribution, w float64) {
		diag := s.diagnose(generation, d, w)
		series = append(series, diag.Entropy)
		diagnostics = append(diagnostics, diag)
	}
	record(0, current, 0)

	for g := 1; g <= sc.Generations; g++ {
		next, err := s.Generation(current, sc, rng)
		if err != nil {
			return Result{}, fmt.Errorf("scenario %q generation %d: %w", sc.Name, g, err)
		}
		current = next
		record(g, current, weight)
		s.logger.Debug("generation complete",
			"scenario", sc.Name,
			"generation", g,
			"entropy", series[len(series)-1],
		)
	}

	s.logger.Info("scenario complete",
		"scenario", sc.Name,
		"generations", sc.Generations,
		"injection_rate", sc.InjectionRate,
		"analog_weight", sc.AnalogWeight,
		"effective_weight", weight,
		"final_entropy", series[len(series)-1],
	)
	return Result{
		Scenario:    sc,
		Series:      series,
		Diagnostics: diagnostics,
		Final:       current.Clone(),
	}, nil
}

// Generation is one fold step: self-train on current, then re-inject.
func (s *Simulator) Generation(current dist.Distribution, sc Scenario, rng *rand.Rand) (dist.Distribution, error) {
	ai, err := Step(current, s.cfg.SampleSize, s.cfg.Smoothing, rng)
	if err != nil {
		return nil, err
	}
	return Mix(ai, s.groundTruth, sc.InjectionRate, sc.AnalogWeight, s.cfg.Policy)
}

func (s *Simulator) diagnose(generation int, d dist.Distribution, weight float64) GenerationDiagnostics {
	// KL is left unset when the divergence is infinite, which only happens
	// once an unclamped mix has pushed entries to or below zero.
	var klPtr *float64
	if kl, err := dist.KLDivergence(s.groundTruth, d); err == nil && !math.IsInf(kl, 0) && !math.IsNaN(kl) {
		klPtr = &kl
	}
	return GenerationDiagnostics{
		Generation:        generation,
		Entropy:           dist.Entropy(d),
		Perplexity:        dist.Perplexity(d),
		KLFromGroundTruth: klPtr,
		TailMass:          dist.TailMass(d, len(d)/2+1),
		Support:           dist.Support(d, 0.1/float64(len(d))),
		EffectiveWeight:   weight,
	}
}
