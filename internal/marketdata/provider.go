// Package marketdata fetches OHLCV history for signal generation.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/adaptive-allocator/internal/candle"
)

var ErrNoData = errors.New("no market data")

// Provider returns candles in ascending time order for [start, end].
type Provider interface {
	Name() string
	FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error)
}

// FetchLatest fetches the count most recent candles ending at end.
func FetchLatest(ctx context.Context, p Provider, symbol, timeframe string, count int, end time.Time) ([]candle.Candle, error) {
	d, err := candle.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	start := end.Add(-d * time.Duration(count))
	candles, err := p.FetchCandles(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: %s %s from %s", ErrNoData, symbol, timeframe, p.Name())
	}
	return candle.Tail(candles, count), nil
}

// Static serves candles held in memory. Used for replays and tests.
type Static struct {
	mu      sync.RWMutex
	candles map[string][]candle.Candle
}

func NewStatic() *Static {
	return &Static{candles: make(map[string][]candle.Candle)}
}

func staticKey(symbol, timeframe string) string { return symbol + "|" + timeframe }

// Load replaces the series of the candles' symbol and timeframe.
func (s *Static) Load(candles []candle.Candle) {
	if len(candles) == 0 {
		return
	}
	sorted := append([]candle.Candle(nil), candles...)
	candle.SortByTime(sorted)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candles[staticKey(sorted[0].Symbol, sorted[0].Timeframe)] = sorted
}

func (s *Static) Name() string { return "static" }

func (s *Static) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []candle.Candle
	for _, c := range s.candles[staticKey(symbol, timeframe)] {
		if c.Timestamp.Before(start) || c.Timestamp.After(end) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
