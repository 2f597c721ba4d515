package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/pattern"
	"github.com/amirphl/adaptive-allocator/internal/signal"
)

var sessionOpen = time.Date(2024, 3, 5, 9, 30, 0, 0, time.UTC)

func bar(at time.Time, o, h, l, c, v float64) candle.Candle {
	return candle.Candle{Timestamp: at, Open: o, High: h, Low: l, Close: c, Volume: v, Symbol: "BTC-USDT", Timeframe: "1m"}
}

// orbSeries rises 0.05 per bar from 100 with flat volume, except for a 2x volume bar at index 20.
func orbSeries(n int) []candle.Candle {
	out := make([]candle.Candle, n)
	for i := range out {
		c := 100 + 0.05*float64(i)
		v := 1000.0
		if i == 20 {
			v = 2000
		}
		out[i] = bar(sessionOpen.Add(time.Duration(i)*time.Minute), c-0.05, c+0.1, c-0.1, c, v)
	}
	return out
}

func mustParams(t *testing.T, typ Type, values map[string]float64) Params {
	t.Helper()
	p, err := Resolve(typ, DefaultSearchSpaces()[typ], nil, values)
	require.NoError(t, err)
	return p
}

func assertRiskContract(t *testing.T, sigs []signal.Signal) {
	t.Helper()
	for _, s := range sigs {
		assert.NoError(t, s.Validate())
		assert.Greater(t, s.RewardRisk(), 0.0)
		assert.LessOrEqual(t, s.Confidence, 0.95)
	}
}

func TestORBBreakout(t *testing.T) {
	bars := orbSeries(500)
	sigs := ORB{}.Generate(bars, mustParams(t, TypeORB, nil))

	require.Len(t, sigs, 1)
	s := sigs[0]
	assert.Equal(t, signal.EntryLong, s.Type)
	assert.Equal(t, bars[20].Timestamp, s.Time)
	assert.InDelta(t, 101.0, s.Price, 1e-9)
	assert.InDelta(t, 99.9, s.Stop, 1e-9)
	assert.InDelta(t, s.Price+2*(s.Price-s.Stop), s.Target, 1e-9)
	assert.InDelta(t, 0.6, s.Confidence, 1e-9)
	assert.InDelta(t, 100.8, s.Metadata["orb_high"].(float64), 1e-9)
	assert.InDelta(t, 99.9, s.Metadata["orb_low"].(float64), 1e-9)
	assert.InDelta(t, 2.0, s.Metadata["volume_surge"].(float64), 1e-9)
	assertRiskContract(t, sigs)
}

func TestORBConditionToggles(t *testing.T) {
	bars := orbSeries(120)
	tests := []struct {
		name   string
		params map[string]float64
		want   int
	}{
		{"baseline", nil, 1},
		{"volume surge below multiplier", map[string]float64{"volume_multiplier": 2.5}, 0},
		{"range wide enough at the top of the space", map[string]float64{"min_range_atr_pct": 1.5}, 1},
		{"longer range swallows breakout bar", map[string]float64{"orb_minutes": 25}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sigs := ORB{}.Generate(bars, mustParams(t, TypeORB, tt.params))
			assert.Len(t, sigs, tt.want)
		})
	}

	// a choppy open: wide true ranges inside a flat opening range
	choppy := orbSeries(120)
	for i := 1; i < 15; i++ {
		choppy[i].High, choppy[i].Low = choppy[i].Close+5, choppy[i].Close-5
	}
	choppy[0].High, choppy[0].Low = choppy[0].Close+0.1, choppy[0].Close-0.1
	p := &ORBParams{ORBMinutes: 15, MinRangeATRPct: 1.2, VolumeMultiplier: 1.5, RiskPerTrade: 0.01, TakeProfitR: 2}
	assert.Empty(t, ORB{}.Generate(choppy, p))

	// surge and range both qualify, but the surge bar closes inside the opening range
	inside := orbSeries(120)
	inside[20].Open, inside[20].High, inside[20].Low, inside[20].Close = 100.4, 100.7, 100.3, 100.5
	assert.Empty(t, ORB{}.Generate(inside, mustParams(t, TypeORB, nil)))
}

func TestORBInsufficientData(t *testing.T) {
	assert.Empty(t, ORB{}.Generate(nil, mustParams(t, TypeORB, nil)))
	assert.Empty(t, ORB{}.Generate(orbSeries(10), mustParams(t, TypeORB, nil)))
	assert.Empty(t, ORB{}.Generate(orbSeries(100), &MomentumParams{}))
}

func TestORBNoLookahead(t *testing.T) {
	full := ORB{}.Generate(orbSeries(500), mustParams(t, TypeORB, nil))
	prefix := ORB{}.Generate(orbSeries(21), mustParams(t, TypeORB, nil))
	require.Len(t, prefix, 1)
	assert.Equal(t, full[0].Time, prefix[0].Time)
	assert.Equal(t, full[0].Target, prefix[0].Target)
}

// gapSeries prints one flat session at 100, then a session gapping up 20% with a 3x volume bar at index 5.
func gapSeries() []candle.Candle {
	var out []candle.Candle
	day1 := sessionOpen.Add(-24 * time.Hour)
	for i := 0; i < 30; i++ {
		out = append(out, bar(day1.Add(time.Duration(i)*time.Minute), 100, 100.5, 99.5, 100, 100))
	}
	for j := 0; j < 10; j++ {
		o := 120 + 0.2*float64(j)
		c := o + 0.2
		v := 100.0
		if j == 5 {
			v = 300
		}
		out = append(out, bar(sessionOpen.Add(time.Duration(j)*time.Minute), o, c+0.1, o-0.1, c, v))
	}
	return out
}

func TestMomentumGapContinuation(t *testing.T) {
	bars := gapSeries()
	sigs := Momentum{}.Generate(bars, mustParams(t, TypeMomentum, nil))

	require.Len(t, sigs, 1)
	s := sigs[0]
	assert.Equal(t, signal.EntryLong, s.Type)
	assert.Equal(t, bars[35].Timestamp, s.Time)
	atr := s.Metadata["atr"].(float64)
	assert.InDelta(t, s.Price-2*atr, s.Stop, 1e-9)
	assert.InDelta(t, 20.0, s.Metadata["gap_pct"].(float64), 1e-9)
	assert.Equal(t, 0.95, s.Confidence)
	assertRiskContract(t, sigs)

	t.Run("gap below threshold", func(t *testing.T) {
		assert.Empty(t, Momentum{}.Generate(bars, mustParams(t, TypeMomentum, map[string]float64{"gap_threshold": 25})))
	})
	t.Run("volume below multiplier", func(t *testing.T) {
		assert.Empty(t, Momentum{}.Generate(bars, mustParams(t, TypeMomentum, map[string]float64{"volume_multiplier": 3.5})))
	})
	t.Run("first session has no prior close", func(t *testing.T) {
		assert.Empty(t, Momentum{}.Generate(bars[30:], mustParams(t, TypeMomentum, nil)))
	})
}

// demandSeries sells off into a swing low at index 10, bases just above it and prints a bullish pin bar at index 20.
func demandSeries() []candle.Candle {
	var out []candle.Candle
	at := func(i int) time.Time { return sessionOpen.Add(time.Duration(i) * time.Minute) }
	for i := 0; i < 10; i++ {
		o := 110 - float64(i)
		out = append(out, bar(at(i), o, o+0.2, o-1.2, o-1, 100))
	}
	out = append(out, bar(at(10), 100, 100.2, 97, 99, 100))
	for i := 11; i < 20; i++ {
		out = append(out, bar(at(i), 97.1, 97.25, 97.05, 97.2, 100))
	}
	out = append(out, bar(at(20), 97.2, 97.35, 96.5, 97.3, 100))
	return out
}

func TestSupplyDemandPinBarInDemandZone(t *testing.T) {
	bars := demandSeries()
	gen := NewSupplyDemand(pattern.DefaultThresholds())
	sigs := gen.Generate(bars, mustParams(t, TypeSupplyDemand, map[string]float64{"zone_lookback": 3}))

	require.Len(t, sigs, 1)
	s := sigs[0]
	assert.Equal(t, signal.EntryLong, s.Type)
	assert.Equal(t, bars[20].Timestamp, s.Time)
	assert.Equal(t, 10, s.Metadata["swing_index"])
	assert.InDelta(t, s.Metadata["zone_bottom"].(float64), s.Stop, 1e-9)
	assert.InDelta(t, s.Price+2*(s.Price-s.Stop), s.Target, 1e-9)
	assert.InDelta(t, 0.6+0.7/0.85*0.2, s.Confidence, 1e-9)
	assertRiskContract(t, sigs)

	t.Run("swing not yet confirmed", func(t *testing.T) {
		// with a 12 bar lookback the swing at 10 is unconfirmed at bar 20
		assert.Empty(t, gen.Generate(bars, mustParams(t, TypeSupplyDemand, map[string]float64{"zone_lookback": 12})))
	})
	t.Run("no rejection candle", func(t *testing.T) {
		flat := demandSeries()
		flat[20] = bar(flat[20].Timestamp, 97.2, 97.35, 97.15, 97.3, 100)
		assert.Empty(t, gen.Generate(flat, mustParams(t, TypeSupplyDemand, map[string]float64{"zone_lookback": 3})))
	})
}

// fadeSeries holds a 100-101 opening range, breaks to 102.2 and falls back under the range high.
func fadeSeries() []candle.Candle {
	var out []candle.Candle
	at := func(i int) time.Time { return sessionOpen.Add(time.Duration(i) * time.Minute) }
	for i := 0; i < 15; i++ {
		o, c := 100.7, 100.3
		if i%2 == 1 {
			o, c = 100.3, 100.7
		}
		out = append(out, bar(at(i), o, 101, 100, c, 100))
	}
	prev := out[14].Close
	for k, c := range []float64{101.2, 101.5, 101.8, 102.0, 101.9, 101.4, 100.9, 100.5, 100.3, 100.2} {
		out = append(out, bar(at(15+k), prev, max(prev, c)+0.2, min(prev, c)-0.2, c, 100))
		prev = c
	}
	return out
}

func TestFadeORBFalseBreakout(t *testing.T) {
	bars := fadeSeries()
	sigs := FadeORB{}.Generate(bars, mustParams(t, TypeFadeORB, nil))

	require.Len(t, sigs, 1)
	s := sigs[0]
	assert.Equal(t, signal.EntryShort, s.Type)
	assert.Equal(t, bars[24].Timestamp, s.Time)
	assert.Equal(t, "upside", s.Metadata["false_breakout"])
	assert.Greater(t, s.Stop, 101.0)
	assert.InDelta(t, 100.2-3*(101-100.2), s.Target, 1e-9)
	assert.InDelta(t, 0.65+1.2*0.2, s.Confidence, 1e-9)
	assertRiskContract(t, sigs)

	t.Run("retracement too shallow", func(t *testing.T) {
		p := mustParams(t, TypeFadeORB, map[string]float64{"retrace_pct": 0.8})
		assert.Empty(t, FadeORB{}.Generate(bars, p))
	})
	t.Run("too few post range bars", func(t *testing.T) {
		assert.Empty(t, FadeORB{}.Generate(bars[:24], mustParams(t, TypeFadeORB, nil)))
	})
}

func TestGeneratorsRegistry(t *testing.T) {
	gens := Generators(pattern.DefaultThresholds())
	for _, typ := range Types() {
		g, ok := gens[typ]
		require.True(t, ok, typ)
		assert.Equal(t, typ, g.Type())
	}
}
