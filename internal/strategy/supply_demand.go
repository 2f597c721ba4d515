package strategy

import (
	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/indicator"
	"github.com/amirphl/adaptive-allocator/internal/pattern"
	"github.com/amirphl/adaptive-allocator/internal/signal"
)

// SupplyDemand fades pin-bar rejections inside zones built around confirmed swing points.
type SupplyDemand struct {
	thresholds pattern.Thresholds
}

func NewSupplyDemand(th pattern.Thresholds) SupplyDemand {
	return SupplyDemand{thresholds: th}
}

func (SupplyDemand) Type() Type { return TypeSupplyDemand }

type zone struct {
	swing  int
	top    float64
	bottom float64
}

func (z zone) contains(price float64) bool {
	return price >= z.bottom && price <= z.top
}

// swings flags fractal highs and lows: bar i is a swing high when its high is the strict maximum of
// the window [i-lookback, i+lookback].
func swings(bars []candle.Candle, lookback int) (highs, lows []bool) {
	highs = make([]bool, len(bars))
	lows = make([]bool, len(bars))
	for i := lookback; i+lookback < len(bars); i++ {
		isHigh, isLow := true, true
		for k := i - lookback; k <= i+lookback && (isHigh || isLow); k++ {
			if k == i {
				continue
			}
			if bars[k].High >= bars[i].High {
				isHigh = false
			}
			if bars[k].Low <= bars[i].Low {
				isLow = false
			}
		}
		highs[i], lows[i] = isHigh, isLow
	}
	return highs, lows
}

// nearestZone walks back from the most recent confirmed swing and returns the first zone holding price.
func nearestZone(flags []bool, level func(int) float64, confirmedBy int, atr, price float64) (zone, bool) {
	for i := confirmedBy; i >= 0; i-- {
		if !flags[i] {
			continue
		}
		z := zone{swing: i, top: level(i) + zoneATRMultiple*atr, bottom: level(i) - zoneATRMultiple*atr}
		if z.contains(price) {
			return z, true
		}
	}
	return zone{}, false
}

func (g SupplyDemand) Generate(bars []candle.Candle, p Params) []signal.Signal {
	prm, ok := p.(*SupplyDemandParams)
	if !ok || len(bars) < 2*prm.ZoneLookback+1 {
		return nil
	}
	lookback := prm.ZoneLookback
	highs, lows := swings(bars, lookback)
	closes := candle.Closes(bars)

	var out []signal.Signal
	for _, s := range candle.SplitSessions(bars) {
		for j := range s.Bars {
			idx := s.Start + j
			// a swing at i is only known once lookback bars have printed after it
			confirmedBy := idx - lookback
			if confirmedBy < lookback {
				continue
			}
			bar := bars[idx]
			dir, isPin := pattern.PinBar(bar, g.thresholds)
			if !isPin {
				continue
			}
			atr, ok := atrAt(bars, idx)
			if !ok {
				continue
			}
			mom, ok := indicator.Momentum(closes[:idx+1], momentumBars)
			if !ok {
				continue
			}

			var sig signal.Signal
			switch {
			case dir == pattern.PatternTypeBullish && mom > 0:
				z, found := nearestZone(lows, func(i int) float64 { return bars[i].Low }, confirmedBy, atr, bar.Close)
				if !found {
					continue
				}
				risk := bar.Close - z.bottom
				sig = entry(bar, signal.EntryLong, z.bottom, bar.Close+prm.RiskRewardRatio*risk,
					0.6+bar.LowerWick()/bar.Range()*0.2, zoneMeta("demand", z, mom))
			case dir == pattern.PatternTypeBearish && mom < 0:
				z, found := nearestZone(highs, func(i int) float64 { return bars[i].High }, confirmedBy, atr, bar.Close)
				if !found {
					continue
				}
				risk := z.top - bar.Close
				sig = entry(bar, signal.EntryShort, z.top, bar.Close-prm.RiskRewardRatio*risk,
					0.6+bar.UpperWick()/bar.Range()*0.2, zoneMeta("supply", z, mom))
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

func zoneMeta(kind string, z zone, mom float64) map[string]any {
	return map[string]any{
		"zone_type":   kind,
		"zone_top":    z.top,
		"zone_bottom": z.bottom,
		"swing_index": z.swing,
		"momentum_5":  mom,
		"pattern":     "pin_bar",
	}
}
