package strategy

import (
	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/indicator"
	"github.com/amirphl/adaptive-allocator/internal/signal"
)

const (
	rsiPeriod         = 14
	momentumATRStops  = 2.0
	gapConfidenceStep = 0.2
)

// Momentum follows a large opening gap once price, VWAP, RSI and volume agree.
type Momentum struct{}

func (Momentum) Type() Type { return TypeMomentum }

func (Momentum) Generate(bars []candle.Candle, p Params) []signal.Signal {
	prm, ok := p.(*MomentumParams)
	if !ok || len(bars) == 0 {
		return nil
	}
	closes := candle.Closes(bars)
	sessions := candle.SplitSessions(bars)

	var out []signal.Signal
	for k := 1; k < len(sessions); k++ {
		s := sessions[k]
		prevClose := bars[s.Start-1].Close
		if prevClose <= 0 {
			continue
		}
		gap := (s.Bars[0].Open - prevClose) / prevClose * 100
		if abs(gap) < prm.GapThreshold {
			continue
		}

		for j := range s.Bars {
			idx := s.Start + j
			if idx < rsiPeriod {
				continue
			}
			bar := bars[idx]
			avgVol := priorVolumeAvg(bars, idx)
			if avgVol <= 0 {
				continue
			}
			surge := bar.Volume / avgVol
			if surge < prm.VolumeMultiplier {
				continue
			}
			atr, ok := atrAt(bars, idx)
			if !ok {
				continue
			}
			vwap := indicator.VWAP(s.Bars[:j+1])
			rsi := indicator.SimpleRSI(closes[:idx+1], rsiPeriod)

			var typ signal.Type
			var stop float64
			switch {
			case gap > 0 && bar.Close > vwap && rsi > prm.RSIThreshold:
				typ, stop = signal.EntryLong, bar.Close-momentumATRStops*atr
			case gap < 0 && bar.Close < vwap && rsi < 100-prm.RSIThreshold:
				typ, stop = signal.EntryShort, bar.Close+momentumATRStops*atr
			default:
				continue
			}
			target := bar.Close + prm.TakeProfitR*(bar.Close-stop)
			confidence := 0.5 + (abs(gap)/prm.GapThreshold-1)*gapConfidenceStep + (surge-1)*gapConfidenceStep
			sig := entry(bar, typ, stop, target, confidence, map[string]any{
				"gap_pct":      gap,
				"vwap":         vwap,
				"rsi":          rsi,
				"volume_surge": surge,
				"atr":          atr,
			})
			var emitted bool
			if out, emitted = emit(out, sig); emitted {
				break
			}
		}
	}
	return out
}
