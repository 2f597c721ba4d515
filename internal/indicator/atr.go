package indicator

import (
	"math"

	"github.com/amirphl/adaptive-allocator/internal/candle"
)

// TrueRanges returns max(high-low, |high-prevClose|, |low-prevClose|) for every bar after the first.
func TrueRanges(candles []candle.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		prevClose := candles[i-1].Close
		tr := math.Max(candles[i].High-candles[i].Low,
			math.Max(math.Abs(candles[i].High-prevClose), math.Abs(candles[i].Low-prevClose)))
		out = append(out, tr)
	}
	return out
}

// ATR is the mean of the last period true ranges. With fewer bars it averages what exists;
// with fewer than two bars it is zero.
func ATR(candles []candle.Candle, period int) float64 {
	if len(candles) > period+1 {
		candles = candles[len(candles)-period-1:]
	}
	return mean(TrueRanges(candles))
}

// StrictATR is ATR that reports false unless period+1 bars are available.
func StrictATR(candles []candle.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, false
	}
	atr := ATR(candles, period)
	return atr, atr > 0
}
