package strategy

import (
	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/indicator"
	"github.com/amirphl/adaptive-allocator/internal/pattern"
	"github.com/amirphl/adaptive-allocator/internal/signal"
)

const (
	atrPeriod       = 14
	volumeLookback  = 20
	momentumBars    = 5
	zoneATRMultiple = 0.5
	maxConfidence   = 0.95
)

// Generator turns a candle window and a parameter set into candidate signals.
// Generators are pure: no I/O, no shared state, and insufficient data yields no signals.
type Generator interface {
	Type() Type
	Generate(bars []candle.Candle, p Params) []signal.Signal
}

// Generators returns one generator per strategy type.
func Generators(th pattern.Thresholds) map[Type]Generator {
	return map[Type]Generator{
		TypeORB:          ORB{},
		TypeMomentum:     Momentum{},
		TypeSupplyDemand: SupplyDemand{thresholds: th},
		TypeFadeORB:      FadeORB{},
	}
}

// priorVolumeAvg is the mean volume of up to volumeLookback bars before idx.
func priorVolumeAvg(bars []candle.Candle, idx int) float64 {
	start := max(0, idx-volumeLookback)
	if start >= idx {
		return 0
	}
	sum := 0.0
	for _, b := range bars[start:idx] {
		sum += b.Volume
	}
	return sum / float64(idx-start)
}

func orbCandles(orbMinutes int, timeframe string) int {
	tf := candle.TimeframeMinutes(timeframe)
	if tf <= 0 {
		return 0
	}
	return max(1, orbMinutes/tf)
}

// emit appends s when it honours the risk contract.
func emit(out []signal.Signal, s signal.Signal) ([]signal.Signal, bool) {
	if s.Validate() != nil {
		return out, false
	}
	return append(out, s), true
}

func entry(bar candle.Candle, typ signal.Type, stop, target, confidence float64, meta map[string]any) signal.Signal {
	return signal.Signal{
		Symbol:     bar.Symbol,
		Timeframe:  bar.Timeframe,
		Type:       typ,
		Price:      bar.Close,
		Stop:       stop,
		Target:     target,
		Confidence: min(maxConfidence, confidence),
		Metadata:   meta,
		Time:       bar.Timestamp,
	}
}

func atrAt(bars []candle.Candle, idx int) (float64, bool) {
	atr, ok := indicator.StrictATR(bars[:idx+1], atrPeriod)
	return atr, ok && atr > 0
}
