package stats

import "math"

// SeriesSummary describes one entropy series. Decline is initial minus
// final; Retention is final over initial and 0 when the initial value is 0.
type SeriesSummary struct {
	Generations int     `json:"generations"`
	Initial     float64 `json:"initial"`
	Final       float64 `json:"final"`
	Mean        float64 `json:"mean"`
	Std         float64 `json:"std"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Decline     float64 `json:"decline"`
	Retention   float64 `json:"retention"`
	Slope       float64 `json:"slope"`
}

func SummarizeSeries(series []float64) SeriesSummary {
	if len(series) == 0 {
		return SeriesSummary{}
	}
	mean, std := avgStd(series)
	summary := SeriesSummary{
		Generations: len(series) - 1,
		Initial:     series[0],
		Final:       series[len(series)-1],
		Mean:        mean,
		Std:         std,
		Min:         minFloat(series),
		Max:         maxFloat(series),
		Slope:       TrendSlope(series),
	}
	summary.Decline = summary.Initial - summary.Final
	if summary.Initial != 0 {
		summary.Retention = summary.Final / summary.Initial
	}
	return summary
}

// TrendSlope is the least squares slope of the series against its index.
func TrendSlope(series []float64) float64 {
	n := float64(len(series))
	if len(series) < 2 {
		return 0
	}
	meanX := (n - 1) / 2
	meanY, _ := avgStd(series)
	var num, den float64
	for i, y := range series {
		dx := float64(i) - meanX
		num += dx * (y - meanY)
		den += dx * dx
	}
	return num / den
}

func NonIncreasingTrend(series []float64) bool {
	return TrendSlope(series) <= 0
}

// Dominates reports whether a is at least b at every generation and
// strictly greater in total.
func Dominates(a, b []float64) bool {
	if b == nil || len(a) != len(b) {
		return false
	}
	acc := 0.0
	for i := range a {
		if a[i] < b[i] {
			return false
		}
		acc += a[i] - b[i]
	}
	return acc > 0
}

func SeriesEqual(a, b []float64) bool {
	if b == nil || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MeanSeries averages trials generation by generation. Ragged trials
// contribute only to the generations they reach.
func MeanSeries(trials [][]float64) (mean, std []float64) {
	length := 0
	for _, trial := range trials {
		length = max(length, len(trial))
	}
	mean = make([]float64, length)
	std = make([]float64, length)
	values := make([]float64, 0, len(trials))
	for g := 0; g < length; g++ {
		values = values[:0]
		for _, trial := range trials {
			if g < len(trial) {
				values = append(values, trial[g])
			}
		}
		mean[g], std[g] = avgStd(values)
	}
	return mean, std
}

func avgStd(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	avg := sum / float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - avg) * (v - avg)
	}
	return avg, math.Sqrt(variance / float64(len(values)))
}

func maxFloat(values []float64) float64 {
	out := math.Inf(-1)
	for _, v := range values {
		out = math.Max(out, v)
	}
	return out
}

func minFloat(values []float64) float64 {
	out := math.Inf(1)
	for _, v := range values {
		out = math.Min(out, v)
	}
	return out
}
