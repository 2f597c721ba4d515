package indicator

import "math"

// SMA is the simple moving average over period bars.
func SMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// SMALast averages the last period values, or all of them when fewer exist.
func SMALast(values []float64, period int) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) > period {
		values = values[len(values)-period:]
	}
	return mean(values)
}

// EMA seeds with the first value and applies alpha = 2/(period+1) recursively.
func EMA(values []float64, period int) []float64 {
	out := nanSlice(len(values))
	if period <= 0 || len(values) == 0 {
		return out
	}
	alpha := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

type MACDResult struct {
	Line      []float64
	Signal    []float64
	Histogram []float64
}

// MACD computes fast EMA minus slow EMA, its signal EMA and the histogram.
func MACD(values []float64, fast, slow, signal int) MACDResult {
	fastEMA := EMA(values, fast)
	slowEMA := EMA(values, slow)
	line := make([]float64, len(values))
	for i := range values {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	sig := EMA(line, signal)
	hist := make([]float64, len(values))
	for i := range values {
		hist[i] = line[i] - sig[i]
	}
	return MACDResult{Line: line, Signal: sig, Histogram: hist}
}

// DefaultMACD uses the 12/26/9 settings.
func DefaultMACD(values []float64) MACDResult {
	return MACD(values, 12, 26, 9)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
