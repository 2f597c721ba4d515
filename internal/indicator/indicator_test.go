package indicator

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/adaptive-allocator/internal/candle"
)

func createTestCandles(highs, lows, closes []float64) []candle.Candle {
	start := time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)
	out := make([]candle.Candle, len(closes))
	for i := range closes {
		out[i] = candle.Candle{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      closes[i],
			High:      highs[i],
			Low:       lows[i],
			Close:     closes[i],
			Volume:    100,
			Symbol:    "BTCUSDT",
			Timeframe: "1m",
		}
	}
	return out
}

func TestSMA(t *testing.T) {
	out := SMA([]float64{1, 2, 3, 4, 5}, 3)
	require.Len(t, out, 5)
	assert.True(t, math.IsNaN(out[0]))
	assert.True(t, math.IsNaN(out[1]))
	assert.InDelta(t, 2.0, out[2], 1e-9)
	assert.InDelta(t, 4.0, out[4], 1e-9)

	assert.InDelta(t, 4.5, SMALast([]float64{1, 2, 3, 4, 5}, 2), 1e-9)
	assert.InDelta(t, 2.0, SMALast([]float64{1, 2, 3}, 10), 1e-9)
}

func TestEMA(t *testing.T) {
	out := EMA([]float64{10, 10, 10, 10}, 3)
	for _, v := range out {
		assert.InDelta(t, 10.0, v, 1e-9)
	}
	out = EMA([]float64{0, 3}, 2) // alpha = 2/3
	assert.InDelta(t, 2.0, out[1], 1e-9)
}

func TestMACDFlatSeriesIsZero(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = 50
	}
	res := DefaultMACD(values)
	assert.InDelta(t, 0.0, Last(res.Line, 1), 1e-12)
	assert.InDelta(t, 0.0, Last(res.Histogram, 1), 1e-12)
}

func TestSimpleRSI(t *testing.T) {
	assert.Equal(t, 50.0, SimpleRSI([]float64{1, 2}, 14))
	// gains 1,1 losses 1 over 3 changes -> rs = 2 -> 66.67
	assert.InDelta(t, 66.6667, SimpleRSI([]float64{10, 11, 12, 11}, 3), 1e-3)
	assert.Equal(t, 100.0, SimpleRSI([]float64{1, 2, 3, 4}, 3))
}

func TestATR(t *testing.T) {
	c := createTestCandles(
		[]float64{11, 12, 13, 14},
		[]float64{9, 10, 11, 12},
		[]float64{10, 11, 12, 13},
	)
	// every true range: max(2, |12-10|, |10-10|) = 2
	assert.InDelta(t, 2.0, ATR(c, 14), 1e-9)

	_, ok := StrictATR(c, 14)
	assert.False(t, ok)
	atr, ok := StrictATR(c, 3)
	assert.True(t, ok)
	assert.InDelta(t, 2.0, atr, 1e-9)

	assert.Equal(t, 0.0, ATR(c[:1], 14))
}

func TestVWAP(t *testing.T) {
	c := createTestCandles([]float64{11, 21}, []float64{9, 19}, []float64{10, 20})
	c[0].Volume = 1
	c[1].Volume = 3
	assert.InDelta(t, 17.5, VWAP(c), 1e-9)

	c[0].Volume, c[1].Volume = 0, 0
	assert.Equal(t, 20.0, VWAP(c))
	assert.Equal(t, 0.0, VWAP(nil))
}

func TestMomentum(t *testing.T) {
	m, ok := Momentum([]float64{100, 101, 110}, 2)
	require.True(t, ok)
	assert.InDelta(t, 10.0, m, 1e-9)

	_, ok = Momentum([]float64{100}, 2)
	assert.False(t, ok)
}

func TestBollingerAndPercentile(t *testing.T) {
	bb, ok := Bollinger([]float64{1, 2, 3, 4, 5}, 5, 2)
	require.True(t, ok)
	assert.InDelta(t, 3.0, bb.Middle, 1e-9)
	assert.InDelta(t, 3+2*math.Sqrt(2.5), bb.Upper, 1e-9)

	assert.InDelta(t, 4.2, Percentile([]float64{1, 2, 3, 4, 5}, 80), 1e-9)
	assert.InDelta(t, 1.0, Percentile([]float64{5, 1}, 0), 1e-9)
	assert.Equal(t, 0.0, Percentile(nil, 50))
}

func TestRealizedVol(t *testing.T) {
	assert.Equal(t, 0.0, RealizedVol([]float64{0.01}))
	assert.InDelta(t, 0.0, RealizedVol([]float64{0.01, 0.01, 0.01}), 1e-12)
	assert.InDelta(t, 0.01*math.Sqrt(252), RealizedVol([]float64{0.01, -0.01}), 1e-9)
}

func TestCalculateStochastic(t *testing.T) {
	c := createTestCandles(
		[]float64{10, 12, 14, 16, 18},
		[]float64{8, 9, 10, 11, 12},
		[]float64{9, 11, 13, 15, 17},
	)
	res, err := CalculateStochastic(c, 3, 1, 2)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(res.K[1]))
	// bar 2: lowest 8, highest 14 -> (13-8)/6
	assert.InDelta(t, 100*5.0/6.0, res.K[2], 1e-9)
	assert.True(t, math.IsNaN(res.D[2]))
	assert.False(t, math.IsNaN(res.D[3]))

	_, err = CalculateStochastic(c, 10, 1, 3)
	assert.Error(t, err)

	k, d := CalculateLastStochastic(c[:2], 14, 1, 3)
	assert.Equal(t, 50.0, k)
	assert.Equal(t, 50.0, d)
}
