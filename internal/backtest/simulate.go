package backtest

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/signal"
)

// SimConfig controls how replayed signals are closed.
type SimConfig struct {
	// HorizonBars closes a trade at the bar close after this many bars.
	HorizonBars int `yaml:"horizon_bars"`
	// Notional is the position size used for PnLAmount.
	Notional decimal.Decimal `yaml:"notional"`
	// CommissionPct and SlippagePct are fractions charged once per round trip.
	CommissionPct float64 `yaml:"commission_pct"`
	SlippagePct   float64 `yaml:"slippage_pct"`
}

func DefaultSimConfig() SimConfig {
	return SimConfig{
		HorizonBars:   78,
		Notional:      decimal.NewFromInt(10000),
		CommissionPct: 0.0005,
		SlippagePct:   0.0005,
	}
}

// Simulate closes each entry signal against the bars that follow it: the stop or target,
// whichever is touched first, else the close of the horizon bar. A bar touching both
// counts as a stop. Signals without a following bar are skipped.
func Simulate(signals []signal.Signal, bars []candle.Candle, cfg SimConfig) []signal.Performance {
	if cfg.HorizonBars <= 0 {
		cfg.HorizonBars = DefaultSimConfig().HorizonBars
	}
	costs := cfg.CommissionPct + cfg.SlippagePct

	var out []signal.Performance
	for _, s := range signals {
		if !s.Type.IsEntry() || s.Price <= 0 {
			continue
		}
		start := sort.Search(len(bars), func(i int) bool { return bars[i].Timestamp.After(s.Time) })
		if start >= len(bars) {
			continue
		}
		exit, outcome, at := closeTrade(s, bars[start:], cfg.HorizonBars)

		pct := (exit - s.Price) / s.Price
		if s.Type == signal.EntryShort {
			pct = -pct
		}
		pct -= costs
		if outcome == "" {
			outcome = signal.OutcomeLoss
			if pct > 0 {
				outcome = signal.OutcomeWin
			}
		}
		out = append(out, signal.Performance{
			ID:           uuid.NewString(),
			SignalID:     s.ID,
			StrategySlug: s.StrategySlug,
			PnLAmount:    cfg.Notional.Mul(decimal.NewFromFloat(pct)).Round(8),
			PnLPercent:   pct,
			Outcome:      outcome,
			EvaluatedAt:  at,
		})
	}
	return out
}

func closeTrade(s signal.Signal, after []candle.Candle, horizon int) (float64, signal.Outcome, time.Time) {
	long := s.Type == signal.EntryLong
	n := min(horizon, len(after))
	for _, b := range after[:n] {
		stopped := (long && b.Low <= s.Stop) || (!long && b.High >= s.Stop)
		if stopped {
			return s.Stop, signal.OutcomeStopHit, b.Timestamp
		}
		hit := (long && b.High >= s.Target) || (!long && b.Low <= s.Target)
		if hit && s.Target > 0 {
			return s.Target, signal.OutcomeTargetHit, b.Timestamp
		}
	}
	last := after[n-1]
	return last.Close, "", last.Timestamp
}
