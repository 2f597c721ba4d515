// Package pattern detects candlestick patterns from body and wick ratios.
package pattern

import (
	"time"

	"github.com/amirphl/adaptive-allocator/internal/candle"
)

// Pattern is the interface for all candlestick pattern detectors
type Pattern interface {
	Name() string
	// Bars is the number of candles the pattern spans.
	Bars() int
	Detect(candles []candle.Candle) []PatternMatch
}

// PatternMatch represents a detected pattern
type PatternMatch struct {
	Index     int
	Pattern   string
	Direction PatternType
	Timestamp time.Time
}

// PatternType represents the direction a pattern implies
type PatternType string

const (
	PatternTypeBullish PatternType = "bullish"
	PatternTypeBearish PatternType = "bearish"
	PatternTypeNeutral PatternType = "neutral"
)

// Thresholds are the body/wick ratios the detectors compare against.
type Thresholds struct {
	DojiBodyRatio        float64 `yaml:"doji_body_ratio"`         // body < ratio * range
	MarubozuBodyRatio    float64 `yaml:"marubozu_body_ratio"`     // body > ratio * range
	SpinningTopBodyRatio float64 `yaml:"spinning_top_body_ratio"` // body < ratio * range
	WickBodyMultiple     float64 `yaml:"wick_body_multiple"`      // long wick > multiple * body
	ShortWickBodyRatio   float64 `yaml:"short_wick_body_ratio"`   // short wick < ratio * body
	PinBarBodyRatio      float64 `yaml:"pin_bar_body_ratio"`
	PinBarWickRangeRatio float64 `yaml:"pin_bar_wick_range_ratio"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		DojiBodyRatio:        0.1,
		MarubozuBodyRatio:    0.95,
		SpinningTopBodyRatio: 0.3,
		WickBodyMultiple:     2,
		ShortWickBodyRatio:   0.5,
		PinBarBodyRatio:      0.3,
		PinBarWickRangeRatio: 0.4,
	}
}

// BodyRatio is body / range, zero for a flat candle.
func BodyRatio(c candle.Candle) float64 {
	if c.Range() == 0 {
		return 0
	}
	return c.Body() / c.Range()
}

// detector adapts a predicate over the tail of a series to the Pattern interface.
type detector struct {
	name      string
	bars      int
	direction PatternType
	match     func(window []candle.Candle) bool
}

func (d detector) Name() string { return d.name }
func (d detector) Bars() int    { return d.bars }

func (d detector) Detect(candles []candle.Candle) []PatternMatch {
	var matches []PatternMatch
	for i := d.bars - 1; i < len(candles); i++ {
		if d.match(candles[i-d.bars+1 : i+1]) {
			matches = append(matches, PatternMatch{
				Index:     i,
				Pattern:   d.name,
				Direction: d.direction,
				Timestamp: candles[i].Timestamp,
			})
		}
	}
	return matches
}

// MatchesLast reports whether the pattern completes on the last candle.
func MatchesLast(p Pattern, candles []candle.Candle) bool {
	if len(candles) < p.Bars() {
		return false
	}
	return len(p.Detect(candles[len(candles)-p.Bars():])) > 0
}
