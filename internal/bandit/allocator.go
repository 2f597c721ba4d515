package bandit

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/amirphl/adaptive-allocator/internal/lock"
	"github.com/amirphl/adaptive-allocator/internal/metrics"
	"github.com/amirphl/adaptive-allocator/internal/regime"
)

type Config struct {
	BaseRate         float64 `yaml:"base_rate"`
	MinRate          float64 `yaml:"min_rate"`
	HalfLifeDays     float64 `yaml:"halflife_days"`
	BoostWindowDays  float64 `yaml:"boost_window_days"`
	BoostTransitions int     `yaml:"boost_transitions"`
	BoostFactor      float64 `yaml:"boost_factor"`
	QuietWindowDays  float64 `yaml:"quiet_window_days"`
	HistorySize      int     `yaml:"history_size"`
	Adaptive         bool    `yaml:"adaptive"`
	WeightSamples    int     `yaml:"weight_samples"`
	Seed             uint64  `yaml:"seed"`
	// DecaySchedule is the cron spec (with seconds) of the prior decay job.
	DecaySchedule string `yaml:"decay_schedule"`
}

func DefaultConfig() Config {
	return Config{
		BaseRate:         0.995,
		MinRate:          0.90,
		HalfLifeDays:     7,
		BoostWindowDays:  7,
		BoostTransitions: 2,
		BoostFactor:      1.5,
		QuietWindowDays:  14,
		HistorySize:      100,
		Adaptive:         true,
		WeightSamples:    1000,
		Seed:             1,
		DecaySchedule:    "0 30 2 * * *",
	}
}

// AdaptiveDiscount maps regime-change recency to a discount rate. A shift today gives MinRate;
// the rate relaxes back to BaseRate with the configured half-life.
func AdaptiveDiscount(daysSinceShift float64, recentTransitions int, cfg Config) float64 {
	recency := math.Exp(-daysSinceShift / cfg.HalfLifeDays)
	if recentTransitions > cfg.BoostTransitions {
		recency = math.Min(1, recency*cfg.BoostFactor)
	}
	return cfg.BaseRate - (cfg.BaseRate-cfg.MinRate)*recency
}

// DiscountFromEvents computes the adaptive discount from regime change events.
// Without an event in the quiet window the base rate applies.
func DiscountFromEvents(events []regime.Event, now time.Time, cfg Config) float64 {
	const day = 24 * time.Hour
	quiet := now.Add(-time.Duration(cfg.QuietWindowDays * float64(day)))
	boost := now.Add(-time.Duration(cfg.BoostWindowDays * float64(day)))

	var last time.Time
	transitions := 0
	for _, e := range events {
		if e.DetectedAt.Before(quiet) || e.DetectedAt.After(now) {
			continue
		}
		if e.DetectedAt.After(last) {
			last = e.DetectedAt
		}
		if !e.DetectedAt.Before(boost) {
			transitions++
		}
	}
	if last.IsZero() {
		return cfg.BaseRate
	}
	return AdaptiveDiscount(now.Sub(last).Hours()/24, transitions, cfg)
}

// Selection is the outcome of one Thompson draw.
type Selection struct {
	StrategySlug    string  `json:"strategy_slug"`
	Sample          float64 `json:"sample"`
	ExpectedWinRate float64 `json:"expected_win_rate"`
	Pulls           int     `json:"pulls"`
}

// EventSource lists regime change events.
type EventSource interface {
	ListRegimeEvents(ctx context.Context, since time.Time, symbol string) ([]regime.Event, error)
}

type Allocator struct {
	store  Storage
	events EventSource
	locker lock.Locker
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	rngMu sync.Mutex
	src   rand.Source
}

func NewAllocator(store Storage, events EventSource, locker lock.Locker, cfg Config, logger *zap.Logger) *Allocator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Allocator{
		store:  store,
		events: events,
		locker: locker,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		src:    rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15),
	}
}

// SetClock replaces the time source.
func (a *Allocator) SetClock(now func() time.Time) { a.now = now }

func (a *Allocator) sample(p Posterior) float64 {
	a.rngMu.Lock()
	defer a.rngMu.Unlock()
	return distuv.Beta{Alpha: p.Alpha, Beta: p.Beta, Src: a.src}.Rand()
}

// Register makes sure an arm exists for every slug.
func (a *Allocator) Register(ctx context.Context, slugs ...string) error {
	for _, slug := range slugs {
		if _, err := a.store.GetOrCreateArm(ctx, slug); err != nil {
			return fmt.Errorf("registering arm %s: %w", slug, err)
		}
	}
	return nil
}

// Select draws from every enabled arm's posterior, using the context posterior when regimeCtx
// has been recorded for that arm, and returns the arm with the largest draw.
func (a *Allocator) Select(ctx context.Context, regimeCtx string) (Selection, error) {
	arms, err := a.store.ListArms(ctx)
	if err != nil {
		return Selection{}, fmt.Errorf("listing arms: %w", err)
	}
	return a.selectFrom(arms, regimeCtx)
}

func (a *Allocator) selectFrom(arms []Arm, regimeCtx string) (Selection, error) {
	best := Selection{Sample: -1}
	for _, arm := range arms {
		if !arm.Enabled {
			continue
		}
		s := a.sample(arm.posteriorFor(regimeCtx))
		if s > best.Sample {
			best = Selection{
				StrategySlug:    arm.StrategySlug,
				Sample:          s,
				ExpectedWinRate: arm.ExpectedWinRate(),
				Pulls:           arm.Pulls,
			}
		}
	}
	if best.StrategySlug == "" {
		return Selection{}, ErrNoArms
	}
	return best, nil
}

func armKey(slug string) string { return "bandit:arm:" + slug }

// update serializes writers of one arm across goroutines and processes.
func (a *Allocator) update(ctx context.Context, slug string, fn func(*Arm) error) (*Arm, error) {
	unlock, err := a.locker.Lock(ctx, armKey(slug))
	if err != nil {
		return nil, fmt.Errorf("locking arm %s: %w", slug, err)
	}
	defer unlock()
	return a.store.UpdateArm(ctx, slug, fn)
}

// UpdateReward adds reward to alpha and 1-reward to beta, globally and for regimeCtx when given.
func (a *Allocator) UpdateReward(ctx context.Context, slug string, reward float64, regimeCtx string) (*Arm, error) {
	if reward < 0 || reward > 1 || math.IsNaN(reward) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReward, reward)
	}
	if _, err := a.store.GetOrCreateArm(ctx, slug); err != nil {
		return nil, err
	}
	at := a.now()
	arm, err := a.update(ctx, slug, func(arm *Arm) error {
		arm.observe(reward, regimeCtx, at, a.cfg.HistorySize)
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Debug("Bandit | reward applied",
		zap.String("strategy", slug),
		zap.Float64("reward", reward),
		zap.String("regime", regimeCtx),
		zap.Float64("alpha", arm.Alpha),
		zap.Float64("beta", arm.Beta))
	return arm, nil
}

// SetEnabled includes or excludes an arm from selection.
func (a *Allocator) SetEnabled(ctx context.Context, slug string, enabled bool) error {
	if _, err := a.store.GetOrCreateArm(ctx, slug); err != nil {
		return err
	}
	_, err := a.update(ctx, slug, func(arm *Arm) error {
		arm.Enabled = enabled
		return nil
	})
	return err
}

// CurrentDiscount is the discount the next decay step would apply in adaptive mode.
func (a *Allocator) CurrentDiscount(ctx context.Context) (float64, error) {
	if a.events == nil {
		return a.cfg.BaseRate, nil
	}
	now := a.now()
	since := now.Add(-time.Duration(a.cfg.QuietWindowDays * float64(24*time.Hour)))
	events, err := a.events.ListRegimeEvents(ctx, since, "")
	if err != nil {
		return 0, fmt.Errorf("listing regime events: %w", err)
	}
	return DiscountFromEvents(events, now, a.cfg), nil
}

// DecayPriors rescales every arm toward Beta(1,1) by its discount rate. In adaptive mode the
// rate is first recomputed from regime change recency. Regime events are not tied to a strategy,
// so one market-wide rate is computed from the events of every symbol and applied to each arm.
// Without adaptive mode each arm keeps its stored rate.
func (a *Allocator) DecayPriors(ctx context.Context) error {
	rate := 0.0
	if a.cfg.Adaptive {
		var err error
		if rate, err = a.CurrentDiscount(ctx); err != nil {
			return err
		}
	}
	arms, err := a.store.ListArms(ctx)
	if err != nil {
		return fmt.Errorf("listing arms: %w", err)
	}
	at := a.now()
	for _, arm := range arms {
		_, err := a.update(ctx, arm.StrategySlug, func(arm *Arm) error {
			if a.cfg.Adaptive {
				arm.DiscountRate = rate
			}
			if arm.DiscountRate <= 0 || arm.DiscountRate > 1 {
				arm.DiscountRate = a.cfg.BaseRate
			}
			arm.decay(arm.DiscountRate, at)
			return nil
		})
		if err != nil {
			return fmt.Errorf("decaying arm %s: %w", arm.StrategySlug, err)
		}
	}
	fields := []zap.Field{zap.Int("arms", len(arms)), zap.Bool("adaptive", a.cfg.Adaptive)}
	if a.cfg.Adaptive {
		fields = append(fields, zap.Float64("discount", rate))
	}
	a.logger.Info("Bandit | priors decayed", fields...)
	return nil
}

// AllocationWeights estimates each enabled arm's probability of winning a draw by Monte Carlo,
// persists it as the arm's weight and returns the weights by strategy slug.
func (a *Allocator) AllocationWeights(ctx context.Context, samples int) (map[string]float64, error) {
	if samples <= 0 {
		samples = a.cfg.WeightSamples
	}
	arms, err := a.store.ListArms(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing arms: %w", err)
	}

	wins := make(map[string]int, len(arms))
	for i := 0; i < samples; i++ {
		sel, err := a.selectFrom(arms, "")
		if err != nil {
			return map[string]float64{}, nil
		}
		wins[sel.StrategySlug]++
	}

	weights := make(map[string]float64, len(arms))
	for _, arm := range arms {
		w := 0.0
		if arm.Enabled {
			w = float64(wins[arm.StrategySlug]) / float64(samples)
		}
		weights[arm.StrategySlug] = w
		updated, err := a.update(ctx, arm.StrategySlug, func(arm *Arm) error {
			arm.Weight = w
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("persisting weight of %s: %w", arm.StrategySlug, err)
		}
		metrics.SetArm(arm.StrategySlug, w, updated.ExpectedWinRate())
	}
	return weights, nil
}

// ExpectedWinRates returns alpha/(alpha+beta) per arm.
func (a *Allocator) ExpectedWinRates(ctx context.Context) (map[string]float64, error) {
	arms, err := a.store.ListArms(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(arms))
	for _, arm := range arms {
		out[arm.StrategySlug] = arm.ExpectedWinRate()
	}
	return out, nil
}
