// Package signal defines proposed trades and their realized outcomes.
package signal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("signal not found")
	ErrMissingStop  = errors.New("signal has no stop")
	ErrInvalidRisk  = errors.New("signal reward:risk is not positive")
	ErrInvalidPrice = errors.New("signal price must be positive")
)

type Type string

const (
	EntryLong  Type = "ENTRY_LONG"
	EntryShort Type = "ENTRY_SHORT"
	Exit       Type = "EXIT"
	TakeProfit Type = "TAKE_PROFIT"
	StopLoss   Type = "STOP_LOSS"
)

// IsEntry reports whether the signal opens a position.
func (t Type) IsEntry() bool {
	return t == EntryLong || t == EntryShort
}

// Signal is one proposed trade. It is immutable once created.
type Signal struct {
	ID           string         `json:"id"`
	StrategySlug string         `json:"strategy_slug"`
	Symbol       string         `json:"symbol"`
	Timeframe    string         `json:"timeframe"`
	Type         Type           `json:"signal_type"`
	Price        float64        `json:"price"`
	Stop         float64        `json:"stop_loss"`
	Target       float64        `json:"take_profit"`
	Confidence   float64        `json:"confidence"`
	Metadata     map[string]any `json:"metadata"`
	Time         time.Time      `json:"time"`
	CreatedAt    time.Time      `json:"created_at"`
}

// New stamps an id and creation time on a signal.
func New(s Signal, now time.Time) Signal {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	s.CreatedAt = now
	return s
}

// Risk is the entry-to-stop distance.
func (s Signal) Risk() float64 {
	return math.Abs(s.Price - s.Stop)
}

// RewardRisk is the target distance in units of risk.
func (s Signal) RewardRisk() float64 {
	risk := s.Risk()
	if risk == 0 {
		return 0
	}
	return math.Abs(s.Target-s.Price) / risk
}

// Validate enforces the risk contract shared by every generator: entries carry a stop on the
// losing side of the price and a target on the winning side.
func (s Signal) Validate() error {
	if s.Price <= 0 || math.IsNaN(s.Price) {
		return ErrInvalidPrice
	}
	if !s.Type.IsEntry() {
		return nil
	}
	if s.Stop <= 0 || math.IsNaN(s.Stop) || s.Stop == s.Price {
		return ErrMissingStop
	}
	switch s.Type {
	case EntryLong:
		if !(s.Stop < s.Price && s.Target > s.Price) {
			return fmt.Errorf("%w: long stop=%.4f price=%.4f target=%.4f", ErrInvalidRisk, s.Stop, s.Price, s.Target)
		}
	case EntryShort:
		if !(s.Stop > s.Price && s.Target < s.Price && s.Target > 0) {
			return fmt.Errorf("%w: short stop=%.4f price=%.4f target=%.4f", ErrInvalidRisk, s.Stop, s.Price, s.Target)
		}
	}
	if s.RewardRisk() <= 0 {
		return ErrInvalidRisk
	}
	return nil
}

// Outcome categorizes a closed signal.
type Outcome string

const (
	OutcomeWin       Outcome = "WIN"
	OutcomeLoss      Outcome = "LOSS"
	OutcomeStopHit   Outcome = "STOP_HIT"
	OutcomeTargetHit Outcome = "TARGET_HIT"
)

// Performance is the realized outcome of one signal.
type Performance struct {
	ID           string          `json:"id"`
	SignalID     string          `json:"signal_id"`
	StrategySlug string          `json:"strategy_slug"`
	PnLAmount    decimal.Decimal `json:"pnl_amount"`
	PnLPercent   float64         `json:"pnl_percent"` // fraction, 0.01 == 1%
	Outcome      Outcome         `json:"outcome"`
	EvaluatedAt  time.Time       `json:"evaluated_at"`
}

// IsWin reports a strictly positive return.
func (p Performance) IsWin() bool {
	return p.PnLPercent > 0
}

type Filter struct {
	StrategySlug string
	Symbol       string
	Since        time.Time
	Until        time.Time
	Limit        int
}

// Storage persists signals and their outcomes.
type Storage interface {
	SaveSignal(ctx context.Context, s Signal) error
	GetSignal(ctx context.Context, id string) (*Signal, error)
	ListSignals(ctx context.Context, f Filter) ([]Signal, error)
	SavePerformance(ctx context.Context, p Performance) error
	// ListPerformance returns outcomes ordered by evaluation time ascending.
	ListPerformance(ctx context.Context, f Filter) ([]Performance, error)
}

// Returns extracts pnl fractions from outcomes in order.
func Returns(perfs []Performance) []float64 {
	out := make([]float64, len(perfs))
	for i, p := range perfs {
		out[i] = p.PnLPercent
	}
	return out
}
