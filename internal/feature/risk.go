package feature

// RiskMode selects the risk budget of a trade plan.
type RiskMode string

const (
	RiskSafe       RiskMode = "SAFE"
	RiskAggressive RiskMode = "AGGRESSIVE"
)

// RiskPlan is an ATR-based stop, target ladder and share count for one trade.
type RiskPlan struct {
	Side         string    `json:"side"`
	ATR          float64   `json:"atr_5m"`
	Shares       int       `json:"size_shares"`
	Stop         float64   `json:"stop"`
	Targets      []float64 `json:"targets"`
	TimeStopMins int       `json:"time_stop_min"`
	RiskPerTrade float64   `json:"risk_per_trade"`
	StopMultiple float64   `json:"stop_multiple"`
	StopFraction float64   `json:"stop_fraction"`
}

// NewRiskPlan sizes a trade from extracted features. The side follows the sign of momentum_15m.
func NewRiskPlan(f Features, mode RiskMode, price float64) RiskPlan {
	atr := f.Get("atr_5m", price*0.01)
	atrFrac := f.Get("atr_5m_pct", 0.01)

	plan := RiskPlan{ATR: atr, RiskPerTrade: 0.005, StopMultiple: 1.5, TimeStopMins: 45}
	if mode == RiskAggressive {
		plan.RiskPerTrade, plan.StopMultiple, plan.TimeStopMins = 0.012, 2.0, 25
	}

	dist := atr * plan.StopMultiple
	plan.StopFraction = atrFrac * plan.StopMultiple

	sign := 1.0
	plan.Side = "LONG"
	if f.Get("momentum_15m", 0) <= 0 {
		sign = -1
		plan.Side = "SHORT"
	}
	plan.Stop = price - sign*dist
	for _, r := range []float64{2, 3, 4} {
		plan.Targets = append(plan.Targets, price+sign*dist*r)
	}
	if dist > 0 {
		plan.Shares = int(price * plan.RiskPerTrade / dist)
	}
	return plan
}
