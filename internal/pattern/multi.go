package pattern

import "github.com/amirphl/adaptive-allocator/internal/candle"

// IsBullishEngulfing: a bearish candle followed by a bullish body that covers it.
func IsBullishEngulfing(prev, c candle.Candle) bool {
	return prev.Close < prev.Open && c.IsBullish() &&
		c.Open < prev.Close && c.Close > prev.Open
}

func IsBearishEngulfing(prev, c candle.Candle) bool {
	return prev.IsBullish() && c.Close < c.Open &&
		c.Open > prev.Close && c.Close < prev.Open
}

// IsThreeWhiteSoldiers: three bullish candles, each opening above the prior open and closing higher.
func IsThreeWhiteSoldiers(window []candle.Candle) bool {
	if len(window) < 3 {
		return false
	}
	w := window[len(window)-3:]
	for i, c := range w {
		if !c.IsBullish() {
			return false
		}
		if i > 0 && (c.Close <= w[i-1].Close || c.Open <= w[i-1].Open) {
			return false
		}
	}
	return true
}

func IsThreeBlackCrows(window []candle.Candle) bool {
	if len(window) < 3 {
		return false
	}
	w := window[len(window)-3:]
	for i, c := range w {
		if c.Close >= c.Open {
			return false
		}
		if i > 0 && (c.Close >= w[i-1].Close || c.Open >= w[i-1].Open) {
			return false
		}
	}
	return true
}
