package feature

import (
	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/indicator"
)

func technicalFeatures(bars []candle.Candle) Features {
	f := Features{}
	closes := candle.Closes(bars)
	volumes := candle.Volumes(bars)
	price := closes[len(closes)-1]

	smaOr := func(period int) float64 {
		if len(closes) < period {
			return price
		}
		return indicator.SMALast(closes, period)
	}
	f["sma_5"] = smaOr(5)
	f["sma_10"] = smaOr(10)
	f["sma_20"] = smaOr(20)
	f["sma_50"] = smaOr(50)

	macd := indicator.DefaultMACD(closes)
	f["ema_12"] = indicator.Last(indicator.EMA(closes, 12), price)
	f["ema_26"] = indicator.Last(indicator.EMA(closes, 26), price)
	f["macd"] = indicator.Last(macd.Line, 0)
	f["macd_signal"] = indicator.Last(macd.Signal, 0)
	f["macd_hist"] = indicator.Last(macd.Histogram, 0)

	f["rsi_14"] = indicator.SimpleRSI(closes, 14)

	if bb, ok := indicator.Bollinger(closes, 20, 2); ok {
		f["bb_upper"], f["bb_middle"], f["bb_lower"] = bb.Upper, bb.Middle, bb.Lower
		if bb.Middle > 0 {
			f["bb_width"] = (bb.Upper - bb.Lower) / bb.Middle
		}
		if width := bb.Upper - bb.Lower; width > 0 {
			f["bb_position"] = (price - bb.Lower) / width
		} else {
			f["bb_position"] = 0.5
		}
	}

	f["stoch_k"], f["stoch_d"] = indicator.CalculateLastStochastic(bars, 14, 1, 3)

	if len(bars) >= 15 {
		f["atr_14"] = indicator.ATR(bars, 14)
	} else {
		f["atr_14"] = price * defaultATR
	}

	if len(volumes) >= 20 {
		window := volumes[len(volumes)-20:]
		avg := indicator.SMALast(window, 20)
		if avg > 0 {
			f["volume_ratio"] = volumes[len(volumes)-1] / avg
		}
		f["volume_zscore"] = indicator.ZScore(window)
	}

	f["price_above_sma20"] = flag(price > f["sma_20"])
	f["price_above_sma50"] = flag(price > f["sma_50"])
	f["sma20_above_sma50"] = flag(f["sma_20"] > f["sma_50"])
	f["rsi_overbought"] = flag(f["rsi_14"] > 70)
	f["rsi_oversold"] = flag(f["rsi_14"] < 30)
	if f["bb_upper"] > 0 {
		f["price_at_bb_upper"] = flag(price >= f["bb_upper"]*0.995)
		f["price_at_bb_lower"] = flag(price <= f["bb_lower"]*1.005)
	}
	return f
}
