package feature

import (
	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/pattern"
)

// candlestickFeatures flags every registered pattern completing on the last bar as is_<name>.
func candlestickFeatures(bars []candle.Candle, patterns map[string]pattern.Pattern) Features {
	f := Features{}
	if len(bars) < 2 {
		return f
	}
	latest := bars[len(bars)-1]
	prev := bars[len(bars)-2]

	if latest.Open > 0 {
		f["body_pct"] = latest.Body() / latest.Open
		f["upper_wick_pct"] = max(0, latest.UpperWick()) / latest.Open
		f["lower_wick_pct"] = max(0, latest.LowerWick()) / latest.Open
		f["range_pct"] = latest.Range() / latest.Open
	}
	if prev.Close > 0 {
		gap := (latest.Open - prev.Close) / prev.Close
		f["gap_up_pct"] = max(0, gap)
		f["gap_down_pct"] = max(0, -gap)
	}

	for name, p := range patterns {
		f["is_"+name] = flag(pattern.MatchesLast(p, bars))
	}
	return f
}
