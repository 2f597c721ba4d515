package feature

import (
	"math"

	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/indicator"
)

// Regime classification thresholds.
const (
	trendingStrength = 0.02
	flatStrength     = 0.01
	quietATRPct      = 0.015
	choppyATRPct     = 0.02
	trendBand        = 0.005
)

func regimeFeatures(bars []candle.Candle) Features {
	f := Features{}
	if len(bars) < 50 {
		return f
	}
	closes := candle.Closes(bars)
	price := closes[len(closes)-1]
	sma20 := indicator.SMALast(closes, 20)
	sma50 := indicator.SMALast(closes, 50)

	strength := 0.0
	if price > 0 {
		strength = math.Abs(sma20-sma50) / price
	}
	atr := atrPct(bars, 14)

	trending := strength > trendingStrength
	ranging := strength < flatStrength && atr < quietATRPct
	chop := atr > choppyATRPct && strength < flatStrength

	f["trend_strength"] = strength
	f["is_trend_regime"] = flag(trending)
	f["is_range_regime"] = flag(ranging)
	f["is_high_vol_chop"] = flag(chop)

	if sma20 > 0 {
		dist := (price - sma20) / sma20
		f["is_trend_up"] = flag(dist > trendBand)
		f["is_trend_down"] = flag(dist < -trendBand)
	}

	switch {
	case trending:
		f["regime_confidence"] = math.Min(1, strength*10)
	case ranging:
		f["regime_confidence"] = 0.7
	case chop:
		f["regime_confidence"] = 0.3
	default:
		f["regime_confidence"] = 0.5
	}
	return f
}
