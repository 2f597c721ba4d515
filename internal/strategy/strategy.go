// Package strategy holds strategy definitions, their versioned parameters and the four signal
// generators, plus the Engine that runs them against market data.
package strategy

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"
)

var (
	ErrNotFound            = errors.New("strategy not found")
	ErrNoDefaultVersion    = errors.New("strategy has no default version")
	ErrUnknownStrategyType = errors.New("unknown strategy type")
	ErrInvalidParams       = errors.New("invalid strategy parameters")
	ErrNoSearchSpace       = errors.New("no search space for strategy type")
)

type Category string

const (
	CategoryDayTrading   Category = "day_trading"
	CategorySwingTrading Category = "swing_trading"
	CategoryPreMarket    Category = "pre_market"
	CategoryRaha         Category = "raha"
)

// Categories lists every category in the order the nightly cycle walks them.
func Categories() []Category {
	return []Category{CategoryDayTrading, CategorySwingTrading, CategoryPreMarket, CategoryRaha}
}

// Type selects a generator implementation.
type Type string

const (
	TypeORB          Type = "orb"
	TypeMomentum     Type = "momentum"
	TypeSupplyDemand Type = "supply_demand"
	TypeFadeORB      Type = "fade_orb"
)

func Types() []Type {
	return []Type{TypeORB, TypeMomentum, TypeSupplyDemand, TypeFadeORB}
}

func (t Type) Valid() bool { return slices.Contains(Types(), t) }

// Strategy is the stable identity of a strategy. Only Enabled changes after creation.
type Strategy struct {
	Slug       string    `json:"slug"`
	Name       string    `json:"name"`
	Category   Category  `json:"category"`
	Timeframes []string  `json:"timeframes"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// Version binds a strategy to a generator and its parameter layers.
type Version struct {
	ID            string                        `json:"id"`
	StrategySlug  string                        `json:"strategy_slug"`
	Version       int                           `json:"version"`
	LogicRef      Type                          `json:"logic_ref"`
	IsDefault     bool                          `json:"is_default"`
	OptimalParams map[string]float64            `json:"optimal_params"`
	UserParams    map[string]map[string]float64 `json:"user_params"` // user id -> overrides
	CreatedAt     time.Time                     `json:"created_at"`
}

// UserOverrides returns the stored overrides of one user, nil when none exist.
func (v Version) UserOverrides(userID string) map[string]float64 {
	if userID == "" || v.UserParams == nil {
		return nil
	}
	return v.UserParams[userID]
}

// MergeOptimal overlays params onto the existing optimal set and returns the merged copy.
// Keys absent from params keep their previous values.
func MergeOptimal(current, params map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(current)+len(params))
	maps.Copy(out, current)
	maps.Copy(out, params)
	return out
}

type Filter struct {
	Category    Category
	EnabledOnly bool
}

// Storage persists strategies and their versions.
type Storage interface {
	SaveStrategy(ctx context.Context, s Strategy) error
	GetStrategy(ctx context.Context, slug string) (*Strategy, error)
	ListStrategies(ctx context.Context, f Filter) ([]Strategy, error)
	SetStrategyEnabled(ctx context.Context, slug string, enabled bool) error

	// SaveVersion stores a version. A default version demotes any previous default.
	SaveVersion(ctx context.Context, v Version) error
	GetDefaultVersion(ctx context.Context, slug string) (*Version, error)
	// MergeOptimalParams atomically merges params into the default version's optimal_params.
	MergeOptimalParams(ctx context.Context, slug string, params map[string]float64) error
}
