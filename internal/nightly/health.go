// Package nightly evaluates every strategy once per cycle and feeds the results back into
// the bandit, the health records and the optimizer.
package nightly

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/adaptive-allocator/internal/backtest"
)

var (
	ErrNotFound     = errors.New("health record not found")
	ErrCycleRunning = errors.New("nightly cycle already running")
)

const (
	DisableAfterFailures = 3
	ReenableAfter        = 30 * 24 * time.Hour
)

// HealthRecord tracks the pass/fail streak of one strategy.
// AutoDisabled implies ConsecutiveFailures >= DisableAfterFailures when it was set.
type HealthRecord struct {
	StrategySlug        string           `json:"strategy_slug"`
	ConsecutivePasses   int              `json:"consecutive_passes"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastBacktestAt      *time.Time       `json:"last_backtest_at,omitempty"`
	LastBacktestPassed  bool             `json:"last_backtest_passed"`
	LastMetrics         backtest.Metrics `json:"last_metrics"`
	AutoDisabled        bool             `json:"auto_disabled"`
	AutoDisabledAt      *time.Time       `json:"auto_disabled_at,omitempty"`
	LastOptimizationAt  *time.Time       `json:"last_optimization_at,omitempty"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Transition reports what a recorded evaluation changed.
type Transition struct {
	Disabled  bool
	Reenabled bool
}

// Record applies one evaluation outcome: streaks, the auto-disable after three straight
// failures, and the re-enable once a strategy has been disabled for 30 days and has been
// re-optimized since.
func (h *HealthRecord) Record(passed bool, m backtest.Metrics, at time.Time) Transition {
	var tr Transition
	h.LastBacktestAt = &at
	h.LastBacktestPassed = passed
	h.LastMetrics = m
	h.UpdatedAt = at
	if passed {
		h.ConsecutivePasses++
		h.ConsecutiveFailures = 0
	} else {
		h.ConsecutiveFailures++
		h.ConsecutivePasses = 0
	}

	if h.ConsecutiveFailures >= DisableAfterFailures && !h.AutoDisabled {
		h.AutoDisabled = true
		h.AutoDisabledAt = &at
		tr.Disabled = true
	}

	if h.AutoDisabled && h.AutoDisabledAt != nil && h.LastOptimizationAt != nil &&
		at.Sub(*h.AutoDisabledAt) >= ReenableAfter {
		h.AutoDisabled = false
		h.AutoDisabledAt = nil
		h.ConsecutiveFailures = 0
		tr.Reenabled = true
	}
	return tr
}

// HealthStorage persists health records. UpdateHealth creates the record when missing and
// serializes writers of one strategy.
type HealthStorage interface {
	GetHealth(ctx context.Context, slug string) (*HealthRecord, error)
	ListHealth(ctx context.Context) ([]HealthRecord, error)
	UpdateHealth(ctx context.Context, slug string, fn func(*HealthRecord) error) (*HealthRecord, error)
}
