package feature

import (
	"math"
	"time"
)

// timeFeatures encodes the reference time. Session windows are in exchange-local hours of at.
func timeFeatures(at time.Time) Features {
	dow := (int(at.Weekday()) + 6) % 7 // Monday = 0
	hour := float64(at.Hour()) + float64(at.Minute())/60
	day := at.Day()

	return Features{
		"dow":             float64(dow),
		"dom":             float64(day) / 31,
		"hour_of_day":     hour / 24,
		"dow_sin":         math.Sin(2 * math.Pi * float64(dow) / 7),
		"dow_cos":         math.Cos(2 * math.Pi * float64(dow) / 7),
		"hour_sin":        math.Sin(2 * math.Pi * hour / 24),
		"hour_cos":        math.Cos(2 * math.Pi * hour / 24),
		"is_opening_hour": flag(hour >= 9.5 && hour < 10.5),
		"is_closing_hour": flag(hour >= 15.5 && hour < 16),
		"is_midday":       flag(hour >= 12 && hour < 14),
		"is_pre_market":   flag(hour >= 4 && hour < 9.5),
		"is_after_hours":  flag(hour >= 16 || hour < 4),
		"is_month_end":    flag(day >= 28),
		"is_month_start":  flag(day <= 3),
		"is_week_start":   flag(dow == 0),
		"is_week_end":     flag(dow == 4),
	}
}
