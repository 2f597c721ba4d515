package indicator

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/amirphl/adaptive-allocator/internal/candle"
)

const tradingDaysPerYear = 252

// Momentum is the percent change over period bars: (close[-1] - close[-period-1]) / close[-period-1] * 100.
func Momentum(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period+1 {
		return 0, false
	}
	base := closes[len(closes)-period-1]
	if base == 0 {
		return 0, false
	}
	return (closes[len(closes)-1] - base) / base * 100, true
}

// Returns are simple bar-to-bar returns.
func Returns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (closes[i]-closes[i-1])/closes[i-1])
	}
	return out
}

// RealizedVol annualizes the population standard deviation of returns.
func RealizedVol(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	_, std := stat.PopMeanStdDev(returns, nil)
	return std * math.Sqrt(tradingDaysPerYear)
}

type BollingerResult struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes bands on the last period closes with k sample standard deviations.
func Bollinger(closes []float64, period int, k float64) (BollingerResult, bool) {
	if period < 2 || len(closes) < period {
		return BollingerResult{}, false
	}
	window := closes[len(closes)-period:]
	m, std := stat.MeanStdDev(window, nil)
	return BollingerResult{Upper: m + k*std, Middle: m, Lower: m - k*std}, true
}

// ZScore of the last value against the preceding window.
func ZScore(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m, std := stat.PopMeanStdDev(values, nil)
	if std == 0 || !isFinite(std) {
		return 0
	}
	return (values[len(values)-1] - m) / std
}

// Percentile uses linear interpolation between closest ranks, p in [0, 100].
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

// RangeHighLow returns the highest high and lowest low of the candles.
func RangeHighLow(candles []candle.Candle) (float64, float64) {
	if len(candles) == 0 {
		return 0, 0
	}
	hi, lo := candles[0].High, candles[0].Low
	for _, c := range candles[1:] {
		hi = math.Max(hi, c.High)
		lo = math.Min(lo, c.Low)
	}
	return hi, lo
}
