package feature

import (
	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/indicator"
)

func atrPct(bars []candle.Candle, period int) float64 {
	price := bars[len(bars)-1].Close
	if price <= 0 {
		return defaultATR
	}
	return indicator.ATR(bars, period) / price
}

func volatilityFeatures(bars []candle.Candle) Features {
	f := Features{}
	closes := candle.Closes(bars)
	price := closes[len(closes)-1]

	returns := indicator.Returns(closes[max(0, len(closes)-21):])
	f["realized_vol_20"] = indicator.RealizedVol(returns)
	if len(returns) >= 10 {
		f["realized_vol_10"] = indicator.RealizedVol(returns[len(returns)-10:])
	} else {
		f["realized_vol_10"] = f["realized_vol_20"]
	}

	f["atr_14_pct"] = atrPct(bars, 14)
	f["atr_5_pct"] = atrPct(bars, 5)
	if price > 0 {
		f["true_range_pct"] = bars[len(bars)-1].Range() / price
	}

	// prior 20 bars, excluding the current one
	hi20, lo20 := indicator.RangeHighLow(candle.Tail(bars[:len(bars)-1], 20))
	if rng := hi20 - lo20; rng > 0 {
		f["breakout_pct"] = (price - hi20) / rng
		f["breakdown_pct"] = (price - lo20) / rng
	}
	f["range_compression"] = rangeCompression(bars)

	if len(bars) >= 50 {
		var history []float64
		for end := len(bars) - 36; end < len(bars); end++ {
			window := bars[end-14 : end+1]
			if c := window[len(window)-1].Close; c > 0 {
				history = append(history, indicator.ATR(window, 14)/c)
			}
		}
		if len(history) > 0 {
			f["is_vol_expansion"] = flag(f["atr_14_pct"] > indicator.Percentile(history, 80))
		}
	}

	f["is_breakout"] = flag(f["breakout_pct"] > 0.1)
	f["is_breakdown"] = flag(f["breakdown_pct"] < -0.1)
	return f
}

// rangeCompression is the 20-bar range over the 60-bar range, 1 when history is short.
func rangeCompression(bars []candle.Candle) float64 {
	if len(bars) < 60 {
		return 1
	}
	hi20, lo20 := indicator.RangeHighLow(candle.Tail(bars, 20))
	hi60, lo60 := indicator.RangeHighLow(candle.Tail(bars, 60))
	if hi60-lo60 <= 0 {
		return 1
	}
	return (hi20 - lo20) / (hi60 - lo60)
}
