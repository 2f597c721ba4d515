package strategy

import (
	"fmt"
	"maps"
)

// Params is the typed parameter set of one generator.
type Params interface {
	Type() Type
	// RewardMultiple is the R multiple used to place the target.
	RewardMultiple() float64
	Values() map[string]float64
	set(name string, v float64) bool
	validate() error
}

type ORBParams struct {
	ORBMinutes       int     `json:"orb_minutes"`
	MinRangeATRPct   float64 `json:"min_range_atr_pct"`
	VolumeMultiplier float64 `json:"volume_multiplier"`
	RiskPerTrade     float64 `json:"risk_per_trade"`
	TakeProfitR      float64 `json:"take_profit_r"`
}

func DefaultORBParams() ORBParams {
	return ORBParams{ORBMinutes: 15, MinRangeATRPct: 0.5, VolumeMultiplier: 1.5, RiskPerTrade: 0.01, TakeProfitR: 2.0}
}

func (p ORBParams) Type() Type              { return TypeORB }
func (p ORBParams) RewardMultiple() float64 { return p.TakeProfitR }

func (p ORBParams) Values() map[string]float64 {
	return map[string]float64{
		"orb_minutes":       float64(p.ORBMinutes),
		"min_range_atr_pct": p.MinRangeATRPct,
		"volume_multiplier": p.VolumeMultiplier,
		"risk_per_trade":    p.RiskPerTrade,
		"take_profit_r":     p.TakeProfitR,
	}
}

func (p *ORBParams) set(name string, v float64) bool {
	switch name {
	case "orb_minutes":
		p.ORBMinutes = int(v)
	case "min_range_atr_pct":
		p.MinRangeATRPct = v
	case "volume_multiplier":
		p.VolumeMultiplier = v
	case "risk_per_trade":
		p.RiskPerTrade = v
	case "take_profit_r":
		p.TakeProfitR = v
	default:
		return false
	}
	return true
}

func (p ORBParams) validate() error {
	switch {
	case p.ORBMinutes <= 0:
		return fmt.Errorf("%w: orb_minutes must be positive", ErrInvalidParams)
	case p.MinRangeATRPct < 0:
		return fmt.Errorf("%w: min_range_atr_pct must not be negative", ErrInvalidParams)
	case p.VolumeMultiplier <= 0:
		return fmt.Errorf("%w: volume_multiplier must be positive", ErrInvalidParams)
	case p.RiskPerTrade <= 0 || p.RiskPerTrade >= 1:
		return fmt.Errorf("%w: risk_per_trade must be in (0, 1)", ErrInvalidParams)
	case p.TakeProfitR <= 0:
		return fmt.Errorf("%w: take_profit_r must be positive", ErrInvalidParams)
	}
	return nil
}

type MomentumParams struct {
	GapThreshold     float64 `json:"gap_threshold"` // percent
	VolumeMultiplier float64 `json:"volume_multiplier"`
	RSIThreshold     float64 `json:"rsi_threshold"`
	TakeProfitR      float64 `json:"take_profit_r"`
}

func DefaultMomentumParams() MomentumParams {
	return MomentumParams{GapThreshold: 15, VolumeMultiplier: 2.0, RSIThreshold: 60, TakeProfitR: 2.0}
}

func (p MomentumParams) Type() Type              { return TypeMomentum }
func (p MomentumParams) RewardMultiple() float64 { return p.TakeProfitR }

func (p MomentumParams) Values() map[string]float64 {
	return map[string]float64{
		"gap_threshold":     p.GapThreshold,
		"volume_multiplier": p.VolumeMultiplier,
		"rsi_threshold":     p.RSIThreshold,
		"take_profit_r":     p.TakeProfitR,
	}
}

func (p *MomentumParams) set(name string, v float64) bool {
	switch name {
	case "gap_threshold":
		p.GapThreshold = v
	case "volume_multiplier":
		p.VolumeMultiplier = v
	case "rsi_threshold":
		p.RSIThreshold = v
	case "take_profit_r":
		p.TakeProfitR = v
	default:
		return false
	}
	return true
}

func (p MomentumParams) validate() error {
	switch {
	case p.GapThreshold <= 0:
		return fmt.Errorf("%w: gap_threshold must be positive", ErrInvalidParams)
	case p.VolumeMultiplier <= 0:
		return fmt.Errorf("%w: volume_multiplier must be positive", ErrInvalidParams)
	case p.RSIThreshold < 50 || p.RSIThreshold >= 100:
		return fmt.Errorf("%w: rsi_threshold must be in [50, 100)", ErrInvalidParams)
	case p.TakeProfitR <= 0:
		return fmt.Errorf("%w: take_profit_r must be positive", ErrInvalidParams)
	}
	return nil
}

type SupplyDemandParams struct {
	ZoneLookback    int     `json:"zone_lookback"`
	RiskRewardRatio float64 `json:"risk_reward_ratio"`
}

func DefaultSupplyDemandParams() SupplyDemandParams {
	return SupplyDemandParams{ZoneLookback: 20, RiskRewardRatio: 2.0}
}

func (p SupplyDemandParams) Type() Type              { return TypeSupplyDemand }
func (p SupplyDemandParams) RewardMultiple() float64 { return p.RiskRewardRatio }

func (p SupplyDemandParams) Values() map[string]float64 {
	return map[string]float64{
		"zone_lookback":     float64(p.ZoneLookback),
		"risk_reward_ratio": p.RiskRewardRatio,
	}
}

func (p *SupplyDemandParams) set(name string, v float64) bool {
	switch name {
	case "zone_lookback":
		p.ZoneLookback = int(v)
	case "risk_reward_ratio":
		p.RiskRewardRatio = v
	default:
		return false
	}
	return true
}

func (p SupplyDemandParams) validate() error {
	if p.ZoneLookback < 1 {
		return fmt.Errorf("%w: zone_lookback must be at least 1", ErrInvalidParams)
	}
	if p.RiskRewardRatio <= 0 {
		return fmt.Errorf("%w: risk_reward_ratio must be positive", ErrInvalidParams)
	}
	return nil
}

type FadeORBParams struct {
	ORBMinutes      int     `json:"orb_minutes"`
	RetracePct      float64 `json:"retrace_pct"`
	RiskRewardRatio float64 `json:"risk_reward_ratio"`
}

func DefaultFadeORBParams() FadeORBParams {
	return FadeORBParams{ORBMinutes: 15, RetracePct: 0.5, RiskRewardRatio: 3.0}
}

func (p FadeORBParams) Type() Type              { return TypeFadeORB }
func (p FadeORBParams) RewardMultiple() float64 { return p.RiskRewardRatio }

func (p FadeORBParams) Values() map[string]float64 {
	return map[string]float64{
		"orb_minutes":       float64(p.ORBMinutes),
		"retrace_pct":       p.RetracePct,
		"risk_reward_ratio": p.RiskRewardRatio,
	}
}

func (p *FadeORBParams) set(name string, v float64) bool {
	switch name {
	case "orb_minutes":
		p.ORBMinutes = int(v)
	case "retrace_pct":
		p.RetracePct = v
	case "risk_reward_ratio":
		p.RiskRewardRatio = v
	default:
		return false
	}
	return true
}

func (p FadeORBParams) validate() error {
	switch {
	case p.ORBMinutes <= 0:
		return fmt.Errorf("%w: orb_minutes must be positive", ErrInvalidParams)
	case p.RetracePct <= 0 || p.RetracePct > 1:
		return fmt.Errorf("%w: retrace_pct must be in (0, 1]", ErrInvalidParams)
	case p.RiskRewardRatio <= 0:
		return fmt.Errorf("%w: risk_reward_ratio must be positive", ErrInvalidParams)
	}
	return nil
}

// DefaultParams returns a fresh copy of the defaults for t.
func DefaultParams(t Type) (Params, error) {
	switch t {
	case TypeORB:
		p := DefaultORBParams()
		return &p, nil
	case TypeMomentum:
		p := DefaultMomentumParams()
		return &p, nil
	case TypeSupplyDemand:
		p := DefaultSupplyDemandParams()
		return &p, nil
	case TypeFadeORB:
		p := DefaultFadeORBParams()
		return &p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownStrategyType, t)
}

func paramNames(t Type) []string {
	p, err := DefaultParams(t)
	if err != nil {
		return nil
	}
	names := make([]string, 0, 5)
	for n := range p.Values() {
		names = append(names, n)
	}
	return names
}

// RewardKey names the parameter that sets the target R multiple of t.
func RewardKey(t Type) string {
	switch t {
	case TypeORB, TypeMomentum:
		return "take_profit_r"
	default:
		return "risk_reward_ratio"
	}
}

// FromValues builds the parameter set of t from defaults overlaid with values.
// Unknown names are ignored so stored blobs survive schema additions.
func FromValues(t Type, values map[string]float64) (Params, error) {
	p, err := DefaultParams(t)
	if err != nil {
		return nil, err
	}
	for name, v := range values {
		p.set(name, v)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Resolve merges the parameter layers field by field: user overrides win over the optimizer's
// optimal set, which wins over the defaults. Optimal values that fall outside the current search
// space are ignored; user values outside it are rejected.
func Resolve(t Type, space SearchSpace, optimal, user map[string]float64) (Params, error) {
	if err := space.Check(user); err != nil {
		return nil, err
	}
	merged := map[string]float64{}
	for name, v := range optimal {
		if d, ok := space[name]; ok && !d.Contains(v) {
			continue
		}
		merged[name] = v
	}
	maps.Copy(merged, user)

	p, err := FromValues(t, merged)
	if err != nil {
		return nil, err
	}
	if err := space.Check(p.Values()); err != nil {
		return nil, err
	}
	return p, nil
}
