// Package bandit allocates between strategies with Thompson sampling over Beta posteriors,
// forgetting old evidence faster when the market regime has recently shifted.
package bandit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("bandit arm not found")
	ErrNoArms        = errors.New("no enabled bandit arms")
	ErrInvalidReward = errors.New("reward must be within [0, 1]")
)

// Posterior is a Beta(alpha, beta) win-rate belief.
type Posterior struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

func UniformPrior() Posterior { return Posterior{Alpha: 1, Beta: 1} }

// Mean is alpha / (alpha + beta).
func (p Posterior) Mean() float64 {
	if p.Alpha+p.Beta == 0 {
		return 0.5
	}
	return p.Alpha / (p.Alpha + p.Beta)
}

func (p *Posterior) observe(reward float64) {
	p.Alpha += reward
	p.Beta += 1 - reward
}

// decay pulls the posterior toward the uniform prior: new = 1 + (old - 1) * rate.
func (p *Posterior) decay(rate float64) {
	p.Alpha = 1 + (p.Alpha-1)*rate
	p.Beta = 1 + (p.Beta-1)*rate
}

type Reward struct {
	Value  float64   `json:"reward"`
	Regime string    `json:"regime,omitempty"`
	At     time.Time `json:"timestamp"`
}

// Arm is the bandit state of one strategy.
type Arm struct {
	StrategySlug string               `json:"strategy_slug"`
	Posterior                         // global
	Contexts     map[string]Posterior `json:"contexts"`
	History      []Reward             `json:"history"`
	DiscountRate float64              `json:"discount_rate"`
	Weight       float64              `json:"weight"`
	Pulls        int                  `json:"pulls"`
	Enabled      bool                 `json:"enabled"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

func NewArm(slug string, discount float64) Arm {
	return Arm{
		StrategySlug: slug,
		Posterior:    UniformPrior(),
		Contexts:     map[string]Posterior{},
		DiscountRate: discount,
		Enabled:      true,
	}
}

// ExpectedWinRate is the global posterior mean.
func (a Arm) ExpectedWinRate() float64 {
	return a.Posterior.Mean()
}

// posteriorFor returns the context posterior when one has been recorded, else the global one.
func (a Arm) posteriorFor(context string) Posterior {
	if context != "" {
		if p, ok := a.Contexts[context]; ok {
			return p
		}
	}
	return a.Posterior
}

func (a *Arm) observe(reward float64, context string, at time.Time, historySize int) {
	a.Posterior.observe(reward)
	if context != "" {
		if a.Contexts == nil {
			a.Contexts = map[string]Posterior{}
		}
		p, ok := a.Contexts[context]
		if !ok {
			p = UniformPrior()
		}
		p.observe(reward)
		a.Contexts[context] = p
	}
	a.History = append(a.History, Reward{Value: reward, Regime: context, At: at})
	if historySize > 0 && len(a.History) > historySize {
		a.History = append([]Reward(nil), a.History[len(a.History)-historySize:]...)
	}
	a.Pulls++
	a.UpdatedAt = at
}

func (a *Arm) decay(rate float64, at time.Time) {
	a.Posterior.decay(rate)
	for k, p := range a.Contexts {
		p.decay(rate)
		a.Contexts[k] = p
	}
	a.UpdatedAt = at
}

// Storage persists arms. UpdateArm must serialize writers of one arm, typically by a row lock
// held across the read-modify-write of fn.
type Storage interface {
	GetOrCreateArm(ctx context.Context, slug string) (*Arm, error)
	ListArms(ctx context.Context) ([]Arm, error)
	UpdateArm(ctx context.Context, slug string, fn func(*Arm) error) (*Arm, error)
}
