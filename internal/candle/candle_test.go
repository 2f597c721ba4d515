package candle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bar(ts time.Time, o, h, l, c, v float64) Candle {
	return Candle{Timestamp: ts, Open: o, High: h, Low: l, Close: c, Volume: v, Symbol: "BTCUSDT", Timeframe: "1m", Source: "test"}
}

func TestCandleValidate(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		name    string
		c       Candle
		wantErr bool
	}{
		{"valid", bar(ts, 10, 11, 9, 10.5, 100), false},
		{"zero timestamp", bar(time.Time{}, 10, 11, 9, 10.5, 100), true},
		{"negative price", bar(ts, -1, 11, 9, 10.5, 100), true},
		{"high below low", bar(ts, 10, 9, 11, 10, 100), true},
		{"open outside range", bar(ts, 12, 11, 9, 10, 100), true},
		{"close outside range", bar(ts, 10, 11, 9, 8, 100), true},
		{"negative volume", bar(ts, 10, 11, 9, 10, -1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCandleGeometry(t *testing.T) {
	c := bar(time.Now(), 10, 12, 7, 11, 1)
	assert.InDelta(t, 5.0, c.Range(), 1e-9)
	assert.InDelta(t, 1.0, c.Body(), 1e-9)
	assert.InDelta(t, 1.0, c.UpperWick(), 1e-9)
	assert.InDelta(t, 3.0, c.LowerWick(), 1e-9)
	assert.True(t, c.IsBullish())
	assert.InDelta(t, 10.0, c.TypicalPrice(), 1e-9)
}

func TestSplitSessions(t *testing.T) {
	day1 := time.Date(2024, 3, 1, 23, 58, 0, 0, time.UTC)
	var candles []Candle
	for i := 0; i < 5; i++ {
		candles = append(candles, bar(day1.Add(time.Duration(i)*time.Minute), 10, 11, 9, 10, 1))
	}

	sessions := SplitSessions(candles)
	require.Len(t, sessions, 2)
	assert.Equal(t, 0, sessions[0].Start)
	assert.Len(t, sessions[0].Bars, 2)
	assert.Equal(t, 2, sessions[1].Start)
	assert.Len(t, sessions[1].Bars, 3)
}

func TestAggregate(t *testing.T) {
	start := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	var candles []Candle
	for i := 0; i < 10; i++ {
		p := 100 + float64(i)
		candles = append(candles, bar(start.Add(time.Duration(i)*time.Minute), p, p+1, p-1, p+0.5, 10))
	}

	out, err := Aggregate(candles, "5m")
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, start, out[0].Timestamp)
	assert.Equal(t, 100.0, out[0].Open)
	assert.Equal(t, 105.0, out[0].High)
	assert.Equal(t, 99.0, out[0].Low)
	assert.Equal(t, 104.5, out[0].Close)
	assert.Equal(t, 50.0, out[0].Volume)
	assert.Equal(t, "5m", out[1].Timeframe)

	_, err = Aggregate(out, "1m")
	assert.Error(t, err)
}

func TestTimeframes(t *testing.T) {
	assert.Equal(t, 5, TimeframeMinutes("5m"))
	assert.Equal(t, 0, TimeframeMinutes("7m"))
	assert.True(t, IsValidTimeframe("1h"))
	_, err := ParseTimeframe("2w")
	assert.ErrorIs(t, err, ErrUnsupportedTimeframe)
}

func TestValidateSeries(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	assert.ErrorIs(t, ValidateSeries(nil), ErrEmptySeries)
	ok := []Candle{bar(ts, 10, 11, 9, 10, 1), bar(ts.Add(time.Minute), 10, 11, 9, 10, 1)}
	assert.NoError(t, ValidateSeries(ok))
	dup := []Candle{bar(ts, 10, 11, 9, 10, 1), bar(ts, 10, 11, 9, 10, 1)}
	assert.Error(t, ValidateSeries(dup))
}
