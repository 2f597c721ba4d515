package feature

import (
	"math"

	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/indicator"
)

// change is the fractional move from closes[len-1-back] to the last close.
func change(closes []float64, back int) float64 {
	if len(closes) < back+1 {
		return 0
	}
	base := closes[len(closes)-1-back]
	if base <= 0 {
		return 0
	}
	return (closes[len(closes)-1] - base) / base
}

func momentumFeatures(bars1m, bars5m []candle.Candle) Features {
	c1 := candle.Closes(bars1m)
	c5 := candle.Closes(bars5m)
	return Features{
		"momentum_1m":  change(c1, 1),
		"momentum_5m":  change(c5, 1),
		"momentum_15m": change(c5, 3),
		"roc_10":       change(c5, 10),
	}
}

func vwapFeatures(bars []candle.Candle) Features {
	price := bars[len(bars)-1].Close
	vwap := indicator.VWAP(bars)
	f := Features{"vwap": vwap, "vwap_dist": price - vwap}
	if vwap > 0 {
		f["vwap_dist_pct"] = (price - vwap) / vwap
	}

	vwap20 := indicator.VWAP(candle.Tail(bars, 20))
	f["vwap_dist_20"] = price - vwap20
	if vwap20 > 0 {
		f["vwap_dist_pct_20"] = (price - vwap20) / vwap20
	}
	return f
}

// liquidityFeatures estimates spread from the last bar's range and liquidity from 20-bar volume.
func liquidityFeatures(bars []candle.Candle) Features {
	f := Features{}
	last := bars[len(bars)-1]
	if last.Close > 0 {
		f["spread_bps"] = last.Range() / last.Close * 10000
	}
	if len(bars) >= 20 {
		avg := indicator.SMALast(candle.Volumes(bars), 20)
		f["liquidity_score"] = math.Min(1, avg/1_000_000)
	}
	return f
}

const defaultRiskPerTrade = 0.005

func riskFeatures(bars []candle.Candle) Features {
	f := Features{"risk_per_trade_pct": defaultRiskPerTrade, "risk_reward_ratio": 2}
	if len(bars) < 5 {
		return f
	}
	price := bars[len(bars)-1].Close
	atr := indicator.ATR(candle.Tail(bars, 5), 5)
	f["atr_5m"] = atr
	if price > 0 {
		f["atr_5m_pct"] = atr / price
	}
	if atr > 0 && f["atr_5m_pct"] > 0 {
		f["vol_norm_size"] = defaultRiskPerTrade / f["atr_5m_pct"]
	}
	return f
}
