package strategy

import (
	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/indicator"
	"github.com/amirphl/adaptive-allocator/internal/signal"
)

// ORB trades a close outside the session's opening range on a volume surge.
type ORB struct{}

func (ORB) Type() Type { return TypeORB }

func (ORB) Generate(bars []candle.Candle, p Params) []signal.Signal {
	prm, ok := p.(*ORBParams)
	if !ok || len(bars) == 0 {
		return nil
	}
	n := orbCandles(prm.ORBMinutes, bars[0].Timeframe)
	if n == 0 {
		return nil
	}

	var out []signal.Signal
	for _, s := range candle.SplitSessions(bars) {
		if len(s.Bars) <= n {
			continue
		}
		orbHigh, orbLow := indicator.RangeHighLow(s.Bars[:n])
		orbRange := orbHigh - orbLow
		atr, ok := atrAt(bars, s.Start+n-1)
		if !ok || orbRange <= 0 || orbRange < prm.MinRangeATRPct*atr {
			continue
		}

		for j := n; j < len(s.Bars); j++ {
			idx := s.Start + j
			bar := bars[idx]
			avgVol := priorVolumeAvg(bars, idx)
			if avgVol <= 0 || bar.Volume < prm.VolumeMultiplier*avgVol {
				continue
			}

			var typ signal.Type
			var stop float64
			switch {
			case bar.Close > orbHigh:
				typ, stop = signal.EntryLong, orbLow
			case bar.Close < orbLow:
				typ, stop = signal.EntryShort, orbHigh
			default:
				continue
			}
			risk := bar.Close - stop
			target := bar.Close + prm.TakeProfitR*risk

			barATR, _ := atrAt(bars, idx)
			riskR := 0.0
			if barATR > 0 {
				riskR = abs(risk) / barATR
			}
			confidence := 0.5 + (bar.Volume/(prm.VolumeMultiplier*avgVol)-1)*0.3
			sig := entry(bar, typ, stop, target, confidence, map[string]any{
				"orb_high":     orbHigh,
				"orb_low":      orbLow,
				"orb_range":    orbRange,
				"volume_surge": bar.Volume / avgVol,
				"risk_r":       riskR,
			})
			var emitted bool
			if out, emitted = emit(out, sig); emitted {
				break
			}
		}
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
