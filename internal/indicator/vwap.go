package indicator

import "github.com/amirphl/adaptive-allocator/internal/candle"

// VWAP weights the typical price by volume. With zero total volume it falls back to the last close.
func VWAP(candles []candle.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	var pv, vol float64
	for _, c := range candles {
		pv += c.TypicalPrice() * c.Volume
		vol += c.Volume
	}
	if vol == 0 {
		return candles[len(candles)-1].Close
	}
	return pv / vol
}
