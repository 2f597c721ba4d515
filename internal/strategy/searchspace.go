package strategy

import (
	"fmt"
	"math"
	"slices"
	"sort"
)

type Kind string

const (
	KindInt   Kind = "int"
	KindFloat Kind = "float"
)

// Dimension bounds one tunable parameter.
type Dimension struct {
	Type Kind    `yaml:"type" json:"type"`
	Low  float64 `yaml:"low" json:"low"`
	High float64 `yaml:"high" json:"high"`
	Step float64 `yaml:"step,omitempty" json:"step,omitempty"`
}

func (d Dimension) Validate() error {
	if d.Type != KindInt && d.Type != KindFloat {
		return fmt.Errorf("unknown dimension type %q", d.Type)
	}
	if d.Low > d.High {
		return fmt.Errorf("low %v above high %v", d.Low, d.High)
	}
	if d.Step < 0 {
		return fmt.Errorf("negative step %v", d.Step)
	}
	return nil
}

// Contains reports whether v is a legal value of the dimension.
func (d Dimension) Contains(v float64) bool {
	if math.IsNaN(v) || v < d.Low || v > d.High {
		return false
	}
	if d.Type == KindInt && v != math.Trunc(v) {
		return false
	}
	return true
}

// Snap clamps v into the dimension and rounds it onto the step grid.
func (d Dimension) Snap(v float64) float64 {
	v = math.Max(d.Low, math.Min(d.High, v))
	step := d.Step
	if d.Type == KindInt && step < 1 {
		step = 1
	}
	if step > 0 {
		v = d.Low + math.Round((v-d.Low)/step)*step
		if v > d.High {
			v -= step
		}
		// drop float noise from the grid arithmetic, e.g. 0.30000000000000004
		v = math.Round(v*1e9) / 1e9
	}
	if d.Type == KindInt {
		v = math.Round(v)
	}
	return v
}

// SearchSpace maps parameter names to their bounds.
type SearchSpace map[string]Dimension

// Names returns the dimension names in a stable order.
func (s SearchSpace) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Check verifies every value that has a dimension lies inside it.
// Values without a dimension are left to the parameter set's own validation.
func (s SearchSpace) Check(values map[string]float64) error {
	for _, name := range s.Names() {
		v, ok := values[name]
		if !ok {
			continue
		}
		d := s[name]
		if !d.Contains(v) {
			return fmt.Errorf("%w: %s=%v outside [%v, %v] (%s)", ErrInvalidParams, name, v, d.Low, d.High, d.Type)
		}
	}
	return nil
}

// SearchSpaces is the persisted optimizer schema, keyed by strategy type.
type SearchSpaces map[Type]SearchSpace

func (ss SearchSpaces) Validate() error {
	for t, space := range ss {
		if !t.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownStrategyType, t)
		}
		for name, d := range space {
			if err := d.Validate(); err != nil {
				return fmt.Errorf("search space %s.%s: %w", t, name, err)
			}
			if !slices.Contains(paramNames(t), name) {
				return fmt.Errorf("search space %s: unknown parameter %q", t, name)
			}
		}
	}
	return nil
}

// Lookup returns the space for t or ErrNoSearchSpace.
func (ss SearchSpaces) Lookup(t Type) (SearchSpace, error) {
	space, ok := ss[t]
	if !ok || len(space) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSearchSpace, t)
	}
	return space, nil
}

func DefaultSearchSpaces() SearchSpaces {
	return SearchSpaces{
		TypeORB: {
			"orb_minutes":       {Type: KindInt, Low: 5, High: 60, Step: 5},
			"min_range_atr_pct": {Type: KindFloat, Low: 0.2, High: 1.5, Step: 0.1},
			"volume_multiplier": {Type: KindFloat, Low: 1.0, High: 3.0, Step: 0.1},
			"take_profit_r":     {Type: KindFloat, Low: 1.0, High: 4.0, Step: 0.25},
		},
		TypeMomentum: {
			"gap_threshold":     {Type: KindFloat, Low: 1, High: 25, Step: 0.5},
			"volume_multiplier": {Type: KindFloat, Low: 1.0, High: 4.0, Step: 0.1},
			"rsi_threshold":     {Type: KindInt, Low: 50, High: 80, Step: 1},
			"take_profit_r":     {Type: KindFloat, Low: 1.0, High: 4.0, Step: 0.25},
		},
		TypeSupplyDemand: {
			"zone_lookback":     {Type: KindInt, Low: 3, High: 30, Step: 1},
			"risk_reward_ratio": {Type: KindFloat, Low: 1.0, High: 4.0, Step: 0.25},
		},
		TypeFadeORB: {
			"orb_minutes":       {Type: KindInt, Low: 5, High: 60, Step: 5},
			"retrace_pct":       {Type: KindFloat, Low: 0.2, High: 0.8, Step: 0.05},
			"risk_reward_ratio": {Type: KindFloat, Low: 1.0, High: 5.0, Step: 0.25},
		},
	}
}
