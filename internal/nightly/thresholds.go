package nightly

import (
	"fmt"

	"github.com/amirphl/adaptive-allocator/internal/backtest"
)

// Thresholds a strategy must meet simultaneously to pass.
type Thresholds struct {
	MinSharpe       float64 `yaml:"min_sharpe"`
	MaxDrawdown     float64 `yaml:"max_drawdown"` // negative, e.g. -0.20
	MinWinRate      float64 `yaml:"min_win_rate"`
	MinProfitFactor float64 `yaml:"min_profit_factor"`
	MinTrades       int     `yaml:"min_trades"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSharpe:       1.5,
		MaxDrawdown:     -0.20,
		MinWinRate:      0.55,
		MinProfitFactor: 1.5,
		MinTrades:       30,
	}
}

// Violations lists every threshold m misses. An empty result passes.
func (t Thresholds) Violations(m backtest.Metrics) []string {
	var out []string
	if m.SharpeRatio < t.MinSharpe {
		out = append(out, fmt.Sprintf("sharpe %.2f < %.2f", m.SharpeRatio, t.MinSharpe))
	}
	if m.MaxDrawdown < t.MaxDrawdown {
		out = append(out, fmt.Sprintf("max drawdown %.2f%% < %.2f%%", m.MaxDrawdown*100, t.MaxDrawdown*100))
	}
	if m.WinRate < t.MinWinRate {
		out = append(out, fmt.Sprintf("win rate %.2f < %.2f", m.WinRate, t.MinWinRate))
	}
	if m.ProfitFactor < t.MinProfitFactor {
		out = append(out, fmt.Sprintf("profit factor %.2f < %.2f", m.ProfitFactor, t.MinProfitFactor))
	}
	if m.TotalTrades < t.MinTrades {
		out = append(out, fmt.Sprintf("trades %d < %d", m.TotalTrades, t.MinTrades))
	}
	return out
}

func (t Thresholds) Validate() error {
	if t.MaxDrawdown > 0 {
		return fmt.Errorf("max_drawdown must be zero or negative, got %v", t.MaxDrawdown)
	}
	if t.MinWinRate < 0 || t.MinWinRate > 1 {
		return fmt.Errorf("min_win_rate must be within [0, 1], got %v", t.MinWinRate)
	}
	if t.MinTrades < 1 {
		return fmt.Errorf("min_trades must be positive, got %d", t.MinTrades)
	}
	return nil
}
