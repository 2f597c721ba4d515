package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amirphl/adaptive-allocator/internal/candle"
)

var t0 = time.Date(2024, 6, 10, 14, 0, 0, 0, time.UTC)

func bars(n int) []candle.Candle {
	out := make([]candle.Candle, n)
	for i := range out {
		p := 100 + float64(i)
		out[i] = candle.Candle{
			Timestamp: t0.Add(time.Duration(i) * 5 * time.Minute),
			Open:      p, High: p + 1, Low: p - 1, Close: p + 0.5, Volume: 10,
			Symbol: "BTCUSDT", Timeframe: "5m", Source: "test",
		}
	}
	return out
}

// counting wraps a provider and fails the first failures calls.
type counting struct {
	next     Provider
	mu       sync.Mutex
	calls    int
	failures int
}

func (c *counting) Name() string { return "counting" }

func (c *counting) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	c.mu.Lock()
	c.calls++
	fail := c.calls <= c.failures
	c.mu.Unlock()
	if fail {
		return nil, errors.New("502 bad gateway")
	}
	return c.next.FetchCandles(ctx, symbol, timeframe, start, end)
}

type memStore struct {
	mu      sync.Mutex
	candles []candle.Candle
	saves   int
}

func (m *memStore) SaveCandles(_ context.Context, cs []candle.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.candles = append(m.candles, cs...)
	return nil
}

func (m *memStore) GetCandles(_ context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []candle.Candle
	for _, c := range m.candles {
		if c.Symbol == symbol && c.Timeframe == timeframe && !c.Timestamp.Before(start) && c.Timestamp.Before(end) {
			out = append(out, c)
		}
	}
	return out, nil
}

func TestFetchLatest(t *testing.T) {
	ctx := context.Background()
	s := NewStatic()
	s.Load(bars(10))
	end := t0.Add(45 * time.Minute)

	got, err := FetchLatest(ctx, s, "BTCUSDT", "5m", 3, end)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, end, got[2].Timestamp)
	assert.Equal(t, end.Add(-10*time.Minute), got[0].Timestamp)

	_, err = FetchLatest(ctx, s, "ETHUSDT", "5m", 3, end)
	assert.ErrorIs(t, err, ErrNoData)

	_, err = FetchLatest(ctx, s, "BTCUSDT", "7m", 3, end)
	assert.Error(t, err)
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	b := Backoff{Attempts: 3, Delay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, b, zap.NewNop(), "op", func() error {
			calls++
			if calls < 3 {
				return errors.New("timeout")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after the last attempt", func(t *testing.T) {
		cause := errors.New("timeout")
		calls := 0
		err := Retry(ctx, b, zap.NewNop(), "op", func() error {
			calls++
			return cause
		})
		assert.ErrorIs(t, err, cause)
		assert.ErrorContains(t, err, "all 3 attempts failed")
		assert.Equal(t, 3, calls)
	})

	t.Run("stops when the context is done", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		cancel()
		calls := 0
		err := Retry(ctx, Backoff{Attempts: 5, Delay: time.Hour}, zap.NewNop(), "op", func() error {
			calls++
			return errors.New("timeout")
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestRetryingProvider(t *testing.T) {
	s := NewStatic()
	s.Load(bars(4))
	next := &counting{next: s, failures: 1}
	p := NewRetrying(next, Backoff{Attempts: 2, Delay: time.Millisecond}, zap.NewNop())

	got, err := p.FetchCandles(context.Background(), "BTCUSDT", "5m", t0, t0.Add(15*time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Equal(t, 2, next.calls)
	assert.Equal(t, "counting", p.Name())
}

func TestCachedServesCoveredWindows(t *testing.T) {
	ctx := context.Background()
	s := NewStatic()
	s.Load(bars(12))
	next := &counting{next: s}
	store := &memStore{}
	c := NewCached(store, next, zap.NewNop())
	end := t0.Add(55 * time.Minute)

	first, err := c.FetchCandles(ctx, "BTCUSDT", "5m", t0, end)
	require.NoError(t, err)
	require.Len(t, first, 12)
	assert.Equal(t, 1, next.calls)
	assert.Equal(t, 1, store.saves)

	second, err := c.FetchCandles(ctx, "BTCUSDT", "5m", t0.Add(10*time.Minute), end)
	require.NoError(t, err)
	assert.Len(t, second, 10)
	assert.Equal(t, 1, next.calls, "covered window is served from storage")

	_, err = c.FetchCandles(ctx, "BTCUSDT", "5m", t0, end.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls, "window past the stored series goes upstream")
	assert.Equal(t, "cached:counting", c.Name())
}

func TestWallexMapping(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("btc-usdt"))
	tests := []struct {
		timeframe string
		want      string
	}{
		{"1m", "1"},
		{"5m", "5"},
		{"1h", "60"},
		{"4h", "240"},
		{"1d", "1D"},
	}
	for _, tt := range tests {
		t.Run(tt.timeframe, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolution(tt.timeframe))
		})
	}

	_, err := NewWallex("", zap.NewNop()).FetchCandles(context.Background(), "BTCUSDT", "7m", t0, t0.Add(time.Hour))
	assert.ErrorIs(t, err, candle.ErrUnsupportedTimeframe)
}
