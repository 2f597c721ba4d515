package strategy

import (
	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/indicator"
	"github.com/amirphl/adaptive-allocator/internal/signal"
)

const (
	fadeMinSessionExtra = 10
	fadeMinPostBars     = 5
	fadeStopATR         = 0.5
)

// FadeORB trades against a breakout of the opening range that fails and retraces back inside,
// confirmed by MACD not following price to its extreme.
type FadeORB struct{}

func (FadeORB) Type() Type { return TypeFadeORB }

func (FadeORB) Generate(bars []candle.Candle, p Params) []signal.Signal {
	prm, ok := p.(*FadeORBParams)
	if !ok || len(bars) == 0 {
		return nil
	}
	n := orbCandles(prm.ORBMinutes, bars[0].Timeframe)
	if n == 0 {
		return nil
	}
	macd := indicator.DefaultMACD(candle.Closes(bars)).Line

	var out []signal.Signal
	for _, s := range candle.SplitSessions(bars) {
		orbHigh, orbLow := indicator.RangeHighLow(s.Bars[:min(n, len(s.Bars))])
		orbRange := orbHigh - orbLow
		if orbRange <= 0 {
			continue
		}
		for j := max(n+fadeMinSessionExtra-1, n+fadeMinPostBars-1); j < len(s.Bars); j++ {
			idx := s.Start + j
			if idx < 1 {
				continue
			}
			bar := bars[idx]
			price := bar.Close
			atr, ok := atrAt(bars, idx)
			if !ok {
				continue
			}
			post := s.Bars[n : j+1]
			hiIdx, loIdx := extremes(post)
			breakHigh, breakLow := post[hiIdx].High, post[loIdx].Low
			falling := macd[idx] < macd[idx-1]
			rising := macd[idx] > macd[idx-1]

			var sig signal.Signal
			switch {
			case breakHigh > orbHigh && price < orbHigh:
				retrace := orbHigh - prm.RetracePct*(breakHigh-orbHigh)
				extreme := s.Start + n + hiIdx
				if price > retrace || !falling || !(macd[idx] < macd[extreme]) {
					continue
				}
				breakout := breakHigh - orbHigh
				risk := orbHigh - price
				sig = entry(bar, signal.EntryShort, orbHigh+fadeStopATR*atr, price-prm.RiskRewardRatio*risk,
					0.65+breakout/orbRange*0.2, fadeMeta("upside", orbHigh, orbLow, breakout, macd[idx]))
			case breakLow < orbLow && price > orbLow:
				retrace := orbLow + prm.RetracePct*(orbLow-breakLow)
				extreme := s.Start + n + loIdx
				if price < retrace || !rising || !(macd[idx] > macd[extreme]) {
					continue
				}
				breakout := orbLow - breakLow
				risk := price - orbLow
				sig = entry(bar, signal.EntryLong, orbLow-fadeStopATR*atr, price+prm.RiskRewardRatio*risk,
					0.65+breakout/orbRange*0.2, fadeMeta("downside", orbHigh, orbLow, breakout, macd[idx]))
			default:
				continue
			}
			var emitted bool
			if out, emitted = emit(out, sig); emitted {
				break
			}
		}
	}
	return out
}

// extremes returns the positions of the highest high and the lowest low.
func extremes(bars []candle.Candle) (hi, lo int) {
	for i, b := range bars {
		if b.High > bars[hi].High {
			hi = i
		}
		if b.Low < bars[lo].Low {
			lo = i
		}
	}
	return hi, lo
}

func fadeMeta(side string, orbHigh, orbLow, breakout, macd float64) map[string]any {
	return map[string]any{
		"false_breakout": side,
		"orb_high":       orbHigh,
		"orb_low":        orbLow,
		"breakout_range": breakout,
		"macd":           macd,
	}
}
