package marketdata

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/amirphl/adaptive-allocator/internal/candle"
)

// Cached serves candles from storage when the stored series covers the requested window and
// falls back to the next provider otherwise, saving what it fetched.
type Cached struct {
	store  candle.Storage
	next   Provider
	logger *zap.Logger
}

func NewCached(store candle.Storage, next Provider, logger *zap.Logger) *Cached {
	return &Cached{store: store, next: next, logger: logger}
}

func (c *Cached) Name() string { return "cached:" + c.next.Name() }

func (c *Cached) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	d, err := candle.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	stored, err := c.store.GetCandles(ctx, symbol, timeframe, start, end.Add(time.Nanosecond))
	if err != nil {
		c.logger.Warn("MarketData | reading cached candles", zap.String("symbol", symbol), zap.Error(err))
	} else if covers(stored, start, end, d) {
		return stored, nil
	}

	fetched, err := c.next.FetchCandles(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, err
	}
	if len(fetched) > 0 {
		if err := c.store.SaveCandles(ctx, fetched); err != nil {
			c.logger.Warn("MarketData | caching candles",
				zap.String("symbol", symbol),
				zap.String("timeframe", timeframe),
				zap.Int("candles", len(fetched)),
				zap.Error(err))
		}
	}
	return fetched, nil
}

// covers reports whether bars reach both ends of [start, end] within one bar.
func covers(bars []candle.Candle, start, end time.Time, d time.Duration) bool {
	if len(bars) == 0 {
		return false
	}
	first, last := bars[0].Timestamp, bars[len(bars)-1].Timestamp
	return !first.After(start.Add(d)) && !last.Before(end.Add(-d))
}
