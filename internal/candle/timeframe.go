package candle

import (
	"errors"
	"time"
)

var ErrUnsupportedTimeframe = errors.New("unsupported timeframe")

var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParseTimeframe parses timeframe string (e.g., "5m", "1h") to time.Duration
func ParseTimeframe(timeframe string) (time.Duration, error) {
	d, ok := timeframes[timeframe]
	if !ok {
		return 0, ErrUnsupportedTimeframe
	}
	return d, nil
}

// GetTimeframeDuration returns the duration for a given timeframe, zero if unknown
func GetTimeframeDuration(timeframe string) time.Duration {
	return timeframes[timeframe]
}

// TimeframeMinutes returns the number of minutes in a timeframe, zero if unknown
func TimeframeMinutes(timeframe string) int {
	return int(timeframes[timeframe] / time.Minute)
}

// GetSupportedTimeframes returns all supported timeframes, shortest first
func GetSupportedTimeframes() []string {
	return []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d"}
}

// IsValidTimeframe checks if a timeframe is supported
func IsValidTimeframe(timeframe string) bool {
	return GetTimeframeDuration(timeframe) > 0
}
