// Package optimizer tunes strategy parameters with a bounded Bayesian search and
// persists every run.
package optimizer

import (
	"context"
	"errors"
	"time"

	"github.com/amirphl/adaptive-allocator/internal/strategy"
)

var (
	ErrNotFound = errors.New("optimization run not found")
	// ErrRunFinal is returned when updating a run that already completed or failed.
	ErrRunFinal = errors.New("optimization run is final")
	// ErrInsufficientData fails a run whose strategy has too few recorded outcomes.
	ErrInsufficientData = errors.New("insufficient data")
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Final reports whether a run in this status is immutable.
func (s Status) Final() bool { return s == StatusCompleted || s == StatusFailed }

type Trial struct {
	Number int                `json:"number"`
	Params map[string]float64 `json:"params"`
	Value  float64            `json:"value"`
}

// Run is one optimization execution.
type Run struct {
	ID           string               `json:"id"`
	StrategySlug string               `json:"strategy_slug"`
	StrategyType strategy.Type        `json:"strategy_type"`
	RequestID    string               `json:"request_id,omitempty"`
	SearchSpace  strategy.SearchSpace `json:"search_space"`
	NTrials      int                  `json:"n_trials"`
	Trials       []Trial              `json:"trials"`
	BestParams   map[string]float64   `json:"best_params"`
	BestValue    float64              `json:"best_value"`
	Status       Status               `json:"status"`
	Error        string               `json:"error,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
}

// RunStorage persists runs. UpdateRun must refuse to modify a stored run whose status is
// final, returning ErrRunFinal.
type RunStorage interface {
	CreateRun(ctx context.Context, r Run) error
	UpdateRun(ctx context.Context, r Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	// ListRuns returns the newest runs first. An empty slug lists every strategy.
	ListRuns(ctx context.Context, slug string, limit int) ([]Run, error)
}

// Result is what a caller of Optimize sees. It never carries a panic or raw error across the
// component boundary.
type Result struct {
	RunID      string             `json:"run_id,omitempty"`
	Success    bool               `json:"success"`
	Message    string             `json:"message,omitempty"`
	BestParams map[string]float64 `json:"best_params"`
	BestValue  float64            `json:"best_value"`
	Trials     int                `json:"trials"`
}
