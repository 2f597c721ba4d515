package indicator

import (
	"fmt"
	"math"

	"github.com/amirphl/adaptive-allocator/internal/candle"
)

// StochasticResult holds the results of stochastic oscillator calculation
type StochasticResult struct {
	K []float64 // %K line values
	D []float64 // %D line values
}

// CalculateStochastic calculates the Stochastic Oscillator (%K and %D).
// k = sma(stoch(close, high, low, periodK), smoothK)
// d = sma(k, periodD)
//
// Parameters:
// - candles: Array of candle data
// - periodK: The lookback period for %K calculation (default 14)
// - smoothK: The smoothing period for %K line (default 1)
// - periodD: The smoothing period for %D line (default 3)
func CalculateStochastic(candles []candle.Candle, periodK, smoothK, periodD int) (*StochasticResult, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("candles array cannot be empty")
	}
	if periodK <= 0 || smoothK <= 0 || periodD <= 0 {
		return nil, fmt.Errorf("all periods must be positive integers")
	}
	if len(candles) < periodK {
		return nil, fmt.Errorf("insufficient data: need at least %d candles for periodK", periodK)
	}

	n := len(candles)
	raw := nanSlice(n)
	for i := periodK - 1; i < n; i++ {
		lowest, highest := candles[i].Low, candles[i].High
		for j := i - (periodK - 1); j < i; j++ {
			lowest = math.Min(lowest, candles[j].Low)
			highest = math.Max(highest, candles[j].High)
		}
		if highest == lowest {
			raw[i] = 50.0 // no range
		} else {
			raw[i] = 100.0 * (candles[i].Close - lowest) / (highest - lowest)
		}
	}

	k := smoothNaN(raw, smoothK)
	return &StochasticResult{K: k, D: smoothNaN(k, periodD)}, nil
}

// CalculateLastStochastic returns the latest %K and %D, or (50, 50) when data is short.
func CalculateLastStochastic(candles []candle.Candle, periodK, smoothK, periodD int) (float64, float64) {
	res, err := CalculateStochastic(candles, periodK, smoothK, periodD)
	if err != nil {
		return 50, 50
	}
	return Last(res.K, 50), Last(res.D, 50)
}

// smoothNaN is an SMA that stays NaN until period consecutive non-NaN inputs exist.
func smoothNaN(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	for i := period - 1; i < len(values); i++ {
		sum := 0.0
		ok := true
		for j := i - (period - 1); j <= i; j++ {
			if math.IsNaN(values[j]) {
				ok = false
				break
			}
			sum += values[j]
		}
		if ok {
			out[i] = sum / float64(period)
		}
	}
	return out
}
