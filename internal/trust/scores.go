// Package trust derives analog weights from evidence of human authorship.
// The simulator never calls into this package; callers resolve a weight
// here and pass it to a scenario as a plain number.
package trust

import (
	"fmt"
	"math"
	"strings"
)

const (
	MinKeystrokes       = 5
	MaxIntentionality   = 2.0
	burstInterval       = 0.1
	pauseInterval       = 2.0
	roboticPauseWeight  = 0.8
	pauseLogScale       = 0.1
	perfectEditBaseline = 0.5
	wordsPerSecond      = 1.0
)

// Evidence is what a client can observe about how a piece of text was made.
type Evidence struct {
	KeystrokeTimes []float64 `json:"keystroke_times,omitempty" yaml:"keystroke_times,omitempty"`
	Content        string    `json:"content,omitempty" yaml:"content,omitempty"`
	EditCount      int       `json:"edit_count,omitempty" yaml:"edit_count,omitempty"`
	ElapsedSeconds float64   `json:"elapsed_seconds,omitempty" yaml:"elapsed_seconds,omitempty"`
	PressureAvg    float64   `json:"pressure_avg,omitempty" yaml:"pressure_avg,omitempty"`
}

// TemporalIntentionality scores typing rhythm from keystroke timestamps in
// seconds. Uniform machine-like rhythm scores low; bursty typing with
// hesitation scores high. The result lies in [0, MaxIntentionality] and is 0
// when fewer than MinKeystrokes timestamps are given.
func TemporalIntentionality(times []float64) float64 {
	if len(times) < MinKeystrokes {
		return 0
	}
	intervals := make([]float64, len(times)-1)
	for i := 1; i < len(times); i++ {
		intervals[i-1] = times[i] - times[i-1]
	}

	mean := 0.0
	for _, dt := range intervals {
		mean += dt
	}
	mean /= float64(len(intervals))
	variance := 0.0
	for _, dt := range intervals {
		variance += (dt - mean) * (dt - mean)
	}
	std := math.Sqrt(variance / float64(len(intervals)))
	cv := std / (mean + 1e-9)

	bursts, pauses := 0, 0
	for _, dt := range intervals {
		if dt < burstInterval {
			bursts++
		}
		if dt > pauseInterval {
			pauses++
		}
	}
	burstFactor := 1 + float64(bursts)/float64(len(intervals))
	pauseWeight := roboticPauseWeight
	if pauses > 0 {
		pauseWeight = 1 + math.Log1p(float64(pauses))*pauseLogScale
	}

	return clamp(cv*burstFactor*pauseWeight, 0, MaxIntentionality)
}

// WorkFunction estimates the effort spent producing content: the log of the
// edit count, scaled by key pressure and by how long writing took relative to
// a 60 words-per-minute pace. The result is non-negative and unbounded.
func WorkFunction(content string, editCount int, elapsedSeconds, pressureAvg float64) float64 {
	editFactor := math.Log1p(float64(editCount))
	if editFactor == 0 {
		editFactor = perfectEditBaseline
	}
	expected := float64(len(strings.Fields(content))) / wordsPerSecond
	if expected < 1 {
		expected = 1
	}
	return editFactor * pressureAvg * (elapsedSeconds / expected)
}

// Scorer maps evidence to an analog weight.
type Scorer interface {
	Name() string
	Score(e Evidence) float64
}

type Temporal struct{}

func (Temporal) Name() string { return "temporal" }

func (Temporal) Score(e Evidence) float64 {
	return TemporalIntentionality(e.KeystrokeTimes)
}

type Work struct{}

func (Work) Name() string { return "work" }

// Score treats a zero pressure reading as unavailable.
func (Work) Score(e Evidence) float64 {
	pressure := e.PressureAvg
	if pressure == 0 {
		pressure = 1
	}
	return WorkFunction(e.Content, e.EditCount, e.ElapsedSeconds, pressure)
}

// Fixed ignores evidence.
type Fixed float64

func (Fixed) Name() string { return "fixed" }

func (f Fixed) Score(Evidence) float64 { return float64(f) }

func ScorerFromName(name string) (Scorer, error) {
	switch name {
	case "temporal", "intentionality":
		return Temporal{}, nil
	case "work":
		return Work{}, nil
	default:
		return nil, fmt.Errorf("unsupported trust scorer: %s", name)
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
