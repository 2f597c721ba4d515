// Package indicator provides technical analysis indicators over price series.
//
// Series functions return a slice aligned with their input where warm-up positions hold NaN.
// Point functions return the value at the last bar and fall back to a neutral value when the
// input is too short.
package indicator

import "math"

// Last returns the last non-NaN value of a series, or fallback.
func Last(series []float64, fallback float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) {
			return series[i]
		}
	}
	return fallback
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
