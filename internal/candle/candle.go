// Package candle
package candle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrEmptySeries = errors.New("candle series is empty")

type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Source    string    `json:"source"`
}

// IsComplete checks if a candle is closed relative to now
func (c *Candle) IsComplete(now time.Time) bool {
	return now.After(c.Timestamp.Add(GetTimeframeDuration(c.Timeframe)))
}

// Validate checks if a candle has valid data
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return errors.New("candle timestamp is zero")
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return errors.New("candle prices must be positive")
	}
	if c.High < c.Low {
		return errors.New("candle high cannot be less than low")
	}
	if c.Open < c.Low || c.Open > c.High {
		return errors.New("candle open price must be between high and low")
	}
	if c.Close < c.Low || c.Close > c.High {
		return errors.New("candle close price must be between high and low")
	}
	if c.Volume < 0 {
		return errors.New("candle volume cannot be negative")
	}
	if c.Symbol == "" {
		return errors.New("candle symbol cannot be empty")
	}
	if c.Timeframe == "" {
		return errors.New("candle timeframe cannot be empty")
	}
	return nil
}

// Range is high minus low.
func (c Candle) Range() float64 { return c.High - c.Low }

// Body is the absolute open/close distance.
func (c Candle) Body() float64 {
	if c.Close >= c.Open {
		return c.Close - c.Open
	}
	return c.Open - c.Close
}

func (c Candle) UpperWick() float64 { return c.High - max(c.Open, c.Close) }

func (c Candle) LowerWick() float64 { return min(c.Open, c.Close) - c.Low }

func (c Candle) IsBullish() bool { return c.Close > c.Open }

// TypicalPrice is (high + low + close) / 3.
func (c Candle) TypicalPrice() float64 { return (c.High + c.Low + c.Close) / 3 }

// Closes extracts close prices in order.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

func Volumes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Volume
	}
	return out
}

// Tail returns the last n candles, or all of them when fewer exist.
func Tail(candles []Candle, n int) []Candle {
	if n <= 0 {
		return nil
	}
	if len(candles) <= n {
		return candles
	}
	return candles[len(candles)-n:]
}

// SortByTime sorts candles in place by timestamp ascending
func SortByTime(candles []Candle) {
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
}

// ValidateSeries checks every candle and that timestamps strictly increase.
func ValidateSeries(candles []Candle) error {
	if len(candles) == 0 {
		return ErrEmptySeries
	}
	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return fmt.Errorf("invalid candle at index %d: %w", i, err)
		}
		if i > 0 && !candles[i].Timestamp.After(candles[i-1].Timestamp) {
			return fmt.Errorf("candle at index %d is not after index %d: %s <= %s",
				i, i-1, candles[i].Timestamp, candles[i-1].Timestamp)
		}
	}
	return nil
}

// Storage persists candles keyed by symbol, timeframe and timestamp.
type Storage interface {
	// SaveCandles upserts candles.
	SaveCandles(ctx context.Context, candles []Candle) error
	// GetCandles returns candles in [start, end) ordered by time.
	GetCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]Candle, error)
}
