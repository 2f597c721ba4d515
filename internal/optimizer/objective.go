package optimizer

import (
	"github.com/amirphl/adaptive-allocator/internal/backtest"
)

// PenaltyValue is the objective of a trial whose win rate is below the floor.
const PenaltyValue = -1.0

// ScaledReturns approximates the returns a different reward multiple would have produced:
// winners scale by proposedR/baselineR and losers are unchanged. It does not re-run the
// strategy, so entries the new parameters would add or remove are not reflected.
func ScaledReturns(returns []float64, baselineR, proposedR float64) []float64 {
	scale := 1.0
	if baselineR > 0 && proposedR > 0 {
		scale = proposedR / baselineR
	}
	out := make([]float64, len(returns))
	for i, r := range returns {
		if r > 0 {
			r *= scale
		}
		out[i] = r
	}
	return out
}

// Score is the Sharpe ratio of the scaled returns, or PenaltyValue when their win rate is
// below minWinRate.
func Score(returns []float64, baselineR, proposedR, minWinRate float64) float64 {
	scaled := ScaledReturns(returns, baselineR, proposedR)
	m := backtest.Compute(scaled)
	if m.TotalTrades == 0 || m.WinRate < minWinRate {
		return PenaltyValue
	}
	return m.SharpeRatio
}
