// Package backtest measures strategy performance from realized per-trade returns
// and replays signals against historical bars.
package backtest

import (
	"encoding/json"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// TradingDays annualizes the per-trade Sharpe ratio.
const TradingDays = 252

// Metrics summarizes a series of per-trade returns expressed as fractions.
type Metrics struct {
	TotalReturn   float64 `json:"total_return"`
	WinRate       float64 `json:"win_rate"`
	AvgWin        float64 `json:"avg_win"`
	AvgLoss       float64 `json:"avg_loss"`
	ProfitFactor  float64 `json:"profit_factor"`
	SharpeRatio   float64 `json:"sharpe_ratio"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
}

// Compute derives Metrics from returns in chronological order.
func Compute(returns []float64) Metrics {
	m := Metrics{TotalTrades: len(returns)}
	if len(returns) == 0 {
		return m
	}

	var wins, losses []float64
	for _, r := range returns {
		switch {
		case r > 0:
			wins = append(wins, r)
		case r < 0:
			losses = append(losses, r)
		}
	}
	m.TotalReturn = floats.Sum(returns)
	m.WinningTrades = len(wins)
	m.LosingTrades = len(losses)
	m.WinRate = float64(len(wins)) / float64(len(returns))
	if len(wins) > 0 {
		m.AvgWin = stat.Mean(wins, nil)
	}
	if len(losses) > 0 {
		m.AvgLoss = stat.Mean(losses, nil)
	}
	m.ProfitFactor = ProfitFactor(floats.Sum(wins), -floats.Sum(losses))
	m.SharpeRatio = Sharpe(returns)
	m.MaxDrawdown = MaxDrawdown(returns)
	return m
}

// ProfitFactor is gross profit over gross loss. Without losses it is +Inf when
// there is profit and 0 otherwise.
func ProfitFactor(grossProfit, grossLoss float64) float64 {
	if grossLoss > 0 {
		return grossProfit / grossLoss
	}
	if grossProfit > 0 {
		return math.Inf(1)
	}
	return 0
}

// Sharpe is mean over population standard deviation, annualized by sqrt(252).
// It is 0 for fewer than two returns or zero variance.
func Sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, std := stat.PopMeanStdDev(returns, nil)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	return mean / std * math.Sqrt(TradingDays)
}

// MaxDrawdown is the deepest fall of the cumulative return curve below its running
// peak. It is zero or negative.
func MaxDrawdown(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	curve := floats.CumSum(make([]float64, len(returns)), returns)
	peak := math.Inf(-1)
	worst := 0.0
	for _, v := range curve {
		peak = math.Max(peak, v)
		worst = math.Min(worst, v-peak)
	}
	return worst
}

// Ratio is a float64 that survives JSON when infinite.
type Ratio float64

func (r Ratio) MarshalJSON() ([]byte, error) {
	switch f := float64(r); {
	case math.IsInf(f, 1):
		return []byte(`"Infinity"`), nil
	case math.IsInf(f, -1):
		return []byte(`"-Infinity"`), nil
	case math.IsNaN(f):
		return []byte(`0`), nil
	default:
		return json.Marshal(f)
	}
}

func (r *Ratio) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"Infinity"`:
		*r = Ratio(math.Inf(1))
		return nil
	case `"-Infinity"`:
		*r = Ratio(math.Inf(-1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*r = Ratio(f)
	return nil
}

func (m Metrics) MarshalJSON() ([]byte, error) {
	type plain Metrics
	return json.Marshal(struct {
		plain
		ProfitFactor Ratio `json:"profit_factor"`
	}{plain(m), Ratio(m.ProfitFactor)})
}

func (m *Metrics) UnmarshalJSON(b []byte) error {
	type plain Metrics
	aux := struct {
		*plain
		ProfitFactor Ratio `json:"profit_factor"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	m.ProfitFactor = float64(aux.ProfitFactor)
	return nil
}
