package candle

import (
	"fmt"
	"sort"
	"time"
)

// Aggregate folds an ordered lower-timeframe series into the target timeframe.
// Buckets are keyed by their start time; gaps in the source produce sparse output.
func Aggregate(candles []Candle, timeframe string) ([]Candle, error) {
	if len(candles) == 0 {
		return nil, nil
	}

	dur, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, fmt.Errorf("invalid timeframe %s: %w", timeframe, err)
	}

	srcDur, err := ParseTimeframe(candles[0].Timeframe)
	if err != nil {
		return nil, fmt.Errorf("invalid timeframe %s: %w", candles[0].Timeframe, err)
	}
	if srcDur > dur {
		return nil, fmt.Errorf("cannot aggregate %s into smaller timeframe %s", candles[0].Timeframe, timeframe)
	}

	symbol := candles[0].Symbol
	buckets := make(map[time.Time]*Candle)
	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("invalid candle at index %d: %w", i, err)
		}
		if c.Symbol != symbol {
			return nil, fmt.Errorf("candle at index %d has different symbol: %s, expected: %s", i, c.Symbol, symbol)
		}

		key := c.Timestamp.UTC().Truncate(dur)
		agg, ok := buckets[key]
		if !ok {
			buckets[key] = &Candle{
				Timestamp: key,
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Volume:    c.Volume,
				Symbol:    symbol,
				Timeframe: timeframe,
				Source:    "constructed",
			}
			continue
		}
		agg.High = max(agg.High, c.High)
		agg.Low = min(agg.Low, c.Low)
		agg.Close = c.Close
		agg.Volume += c.Volume
	}

	result := make([]Candle, 0, len(buckets))
	for _, agg := range buckets {
		result = append(result, *agg)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}
