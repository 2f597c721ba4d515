package nightly

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amirphl/adaptive-allocator/internal/backtest"
	"github.com/amirphl/adaptive-allocator/internal/bandit"
	"github.com/amirphl/adaptive-allocator/internal/marketdata"
	"github.com/amirphl/adaptive-allocator/internal/metrics"
	"github.com/amirphl/adaptive-allocator/internal/notifier"
	"github.com/amirphl/adaptive-allocator/internal/queue"
	"github.com/amirphl/adaptive-allocator/internal/signal"
	"github.com/amirphl/adaptive-allocator/internal/strategy"
)

type Config struct {
	Schedule     string             `yaml:"schedule"`
	LookbackDays int                `yaml:"lookback_days"`
	Parallelism  int                `yaml:"parallelism"`
	Thresholds   Thresholds         `yaml:"thresholds"`
	Retry        marketdata.Backoff `yaml:"retry"`
}

func DefaultConfig() Config {
	return Config{
		Schedule:     "0 0 2 * * *",
		LookbackDays: 252,
		Parallelism:  4,
		Thresholds:   DefaultThresholds(),
		Retry:        marketdata.DefaultBackoff(),
	}
}

// Bandit receives the nightly rewards.
type Bandit interface {
	UpdateReward(ctx context.Context, slug string, reward float64, regimeCtx string) (*bandit.Arm, error)
	SetEnabled(ctx context.Context, slug string, enabled bool) error
	AllocationWeights(ctx context.Context, samples int) (map[string]float64, error)
}

const (
	ResultPassed  = "passed"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"
	ResultError   = "error"
)

// StrategyResult is the outcome of evaluating one strategy. Err carries a failure that kept
// the strategy from being evaluated; it never aborts the cycle.
type StrategyResult struct {
	StrategySlug string            `json:"strategy_slug"`
	Category     strategy.Category `json:"category"`
	Result       string            `json:"result"`
	Metrics      *backtest.Metrics `json:"metrics,omitempty"`
	Violations   []string          `json:"violations,omitempty"`
	Disabled     bool              `json:"auto_disabled,omitempty"`
	Reenabled    bool              `json:"reenabled,omitempty"`
	Optimization string            `json:"optimization_request,omitempty"`
	Err          string            `json:"error,omitempty"`
}

func (r StrategyResult) Passed() bool { return r.Result == ResultPassed }

type CategoryReport struct {
	Category strategy.Category `json:"category"`
	Count    int               `json:"count"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Results  []StrategyResult  `json:"results"`
}

type CycleReport struct {
	StartedAt      time.Time                             `json:"started_at"`
	Duration       time.Duration                         `json:"duration"`
	Tested         int                                   `json:"strategies_tested"`
	Passed         int                                   `json:"strategies_passed"`
	Failed         int                                   `json:"strategies_failed"`
	PassRate       float64                               `json:"pass_rate"`
	Recommendation string                                `json:"recommendation"`
	Categories     map[strategy.Category]*CategoryReport `json:"categories"`
	Weights        map[string]float64                    `json:"weights,omitempty"`
}

// Recommendation grades a cycle by its pass rate.
func Recommendation(passRate float64) string {
	switch {
	case passRate >= 0.7:
		return "Excellent: most strategies pass the thresholds."
	case passRate >= 0.5:
		return "Moderate: some strategies need improvement, review the failing ones."
	default:
		return "Poor: many strategies fail the thresholds, parameter optimization has been requested."
	}
}

type Evaluator struct {
	strategies strategy.Storage
	signals    signal.Storage
	health     HealthStorage
	bandit     Bandit
	requests   queue.Publisher
	notifier   notifier.Notifier
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time

	// one cycle at a time
	running sync.Mutex
}

func NewEvaluator(strategies strategy.Storage, signals signal.Storage, health HealthStorage, b Bandit,
	requests queue.Publisher, n notifier.Notifier, cfg Config, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if n == nil {
		n = notifier.NewLog(logger)
	}
	return &Evaluator{
		strategies: strategies,
		signals:    signals,
		health:     health,
		bandit:     b,
		requests:   requests,
		notifier:   n,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (e *Evaluator) SetClock(now func() time.Time) { e.now = now }

// IsAutoDisabled reports whether the nightly cycle has taken slug out of rotation.
func (e *Evaluator) IsAutoDisabled(ctx context.Context, slug string) (bool, error) {
	h, err := e.health.GetHealth(ctx, slug)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return h.AutoDisabled, nil
}

// RunNightlyCycle evaluates every enabled strategy of every category, applies the results and
// recomputes the bandit allocation weights.
func (e *Evaluator) RunNightlyCycle(ctx context.Context) (*CycleReport, error) {
	if !e.running.TryLock() {
		return nil, ErrCycleRunning
	}
	defer e.running.Unlock()

	start := e.now()
	e.logger.Info("Nightly | cycle started", zap.Int("lookback_days", e.cfg.LookbackDays))
	report := &CycleReport{StartedAt: start, Categories: map[strategy.Category]*CategoryReport{}}

	for _, cat := range strategy.Categories() {
		cr, err := e.evaluateCategory(ctx, cat)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error("Nightly | category skipped", zap.String("category", string(cat)), zap.Error(err))
			cr = &CategoryReport{Category: cat}
		}
		report.Categories[cat] = cr
		report.Tested += cr.Passed + cr.Failed
		report.Passed += cr.Passed
		report.Failed += cr.Failed
	}
	if report.Tested > 0 {
		report.PassRate = float64(report.Passed) / float64(report.Tested)
	}
	report.Recommendation = Recommendation(report.PassRate)

	weights, err := e.bandit.AllocationWeights(ctx, 0)
	if err != nil {
		e.logger.Error("Nightly | allocation weights", zap.Error(err))
	}
	report.Weights = weights

	report.Duration = e.now().Sub(start)
	metrics.ObserveNightlyCycle(report.Duration)
	e.logger.Info("Nightly | cycle complete",
		zap.Int("tested", report.Tested),
		zap.Int("passed", report.Passed),
		zap.Float64("pass_rate", report.PassRate),
		zap.Duration("duration", report.Duration))
	return report, nil
}

func (e *Evaluator) evaluateCategory(ctx context.Context, cat strategy.Category) (*CategoryReport, error) {
	strategies, err := e.strategies.ListStrategies(ctx, strategy.Filter{Category: cat, EnabledOnly: true})
	if err != nil {
		return nil, fmt.Errorf("listing %s strategies: %w", cat, err)
	}

	results := make([]StrategyResult, len(strategies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, e.cfg.Parallelism))
	for i, s := range strategies {
		g.Go(func() error {
			results[i] = e.EvaluateStrategy(gctx, s)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool { return results[i].StrategySlug < results[j].StrategySlug })
	cr := &CategoryReport{Category: cat, Results: results}
	for _, r := range results {
		switch r.Result {
		case ResultPassed:
			cr.Passed++
		case ResultFailed:
			cr.Failed++
		}
	}
	cr.Count = cr.Passed + cr.Failed
	return cr, nil
}

// EvaluateStrategy measures one strategy over the lookback window and applies the outcome.
// Strategies without any recorded outcome are skipped rather than failed.
func (e *Evaluator) EvaluateStrategy(ctx context.Context, s strategy.Strategy) StrategyResult {
	res := StrategyResult{StrategySlug: s.Slug, Category: s.Category}
	log := e.logger.With(zap.String("strategy", s.Slug), zap.String("category", string(s.Category)))
	now := e.now()

	var perfs []signal.Performance
	err := marketdata.Retry(ctx, e.cfg.Retry, e.logger, "list performance "+s.Slug, func() error {
		var err error
		perfs, err = e.signals.ListPerformance(ctx, signal.Filter{
			StrategySlug: s.Slug,
			Since:        now.AddDate(0, 0, -e.cfg.LookbackDays),
			Until:        now,
		})
		return err
	})
	if err != nil {
		log.Error("Nightly | loading outcomes", zap.Error(err))
		return e.finish(res, ResultError, err)
	}
	if len(perfs) == 0 {
		log.Info("Nightly | no outcomes in window")
		return e.finish(res, ResultSkipped, nil)
	}

	m := backtest.Compute(signal.Returns(perfs))
	res.Metrics = &m
	res.Violations = e.cfg.Thresholds.Violations(m)
	passed := len(res.Violations) == 0
	result := ResultFailed
	if passed {
		result = ResultPassed
	}

	if err := e.adapt(ctx, &res, passed, m, now); err != nil {
		log.Error("Nightly | applying result", zap.Error(err))
		return e.finish(res, ResultError, err)
	}
	log.Info("Nightly | strategy evaluated",
		zap.Bool("passed", passed),
		zap.Int("trades", m.TotalTrades),
		zap.Float64("sharpe", m.SharpeRatio),
		zap.Float64("win_rate", m.WinRate),
		zap.Float64("profit_factor", m.ProfitFactor),
		zap.Float64("max_drawdown", m.MaxDrawdown),
		zap.Strings("violations", res.Violations))
	return e.finish(res, result, nil)
}

func (e *Evaluator) finish(res StrategyResult, result string, err error) StrategyResult {
	res.Result = result
	if err != nil {
		res.Err = err.Error()
	}
	metrics.IncEvaluation(result)
	return res
}

// adapt records the health transition, feeds the reward to the bandit and requests an
// optimization for failures. Health goes first: a failed health write leaves the arm untouched.
func (e *Evaluator) adapt(ctx context.Context, res *StrategyResult, passed bool, m backtest.Metrics, now time.Time) error {
	var tr Transition
	h, err := e.health.UpdateHealth(ctx, res.StrategySlug, func(h *HealthRecord) error {
		tr = h.Record(passed, m, now)
		return nil
	})
	if err != nil {
		return fmt.Errorf("health record: %w", err)
	}

	reward := 0.0
	if passed {
		reward = 1.0
	}
	if _, err := e.bandit.UpdateReward(ctx, res.StrategySlug, reward, ""); err != nil {
		return fmt.Errorf("bandit reward: %w", err)
	}

	if !passed && e.requests != nil {
		req := queue.NewRequest(res.StrategySlug, "nightly: "+strings.Join(res.Violations, "; "), now)
		if err := e.requests.Publish(ctx, req); err != nil {
			e.logger.Warn("Nightly | optimization request not queued", zap.String("strategy", res.StrategySlug), zap.Error(err))
		} else {
			res.Optimization = req.ID
		}
	}

	if tr.Disabled {
		res.Disabled = true
		if err := e.bandit.SetEnabled(ctx, res.StrategySlug, false); err != nil {
			return fmt.Errorf("disabling arm: %w", err)
		}
		e.notify(ctx, fmt.Sprintf("Strategy %s auto-disabled after %d consecutive failed nightly evaluations (%s)",
			res.StrategySlug, h.ConsecutiveFailures, strings.Join(res.Violations, "; ")))
	}
	if tr.Reenabled {
		res.Reenabled = true
		if err := e.bandit.SetEnabled(ctx, res.StrategySlug, true); err != nil {
			return fmt.Errorf("enabling arm: %w", err)
		}
		e.notify(ctx, fmt.Sprintf("Strategy %s re-enabled with optimized parameters", res.StrategySlug))
	}
	return nil
}

func (e *Evaluator) notify(ctx context.Context, msg string) {
	e.logger.Warn("Nightly | " + msg)
	if err := e.notifier.Send(ctx, msg); err != nil {
		e.logger.Warn("Nightly | notification failed", zap.Error(err))
	}
}

// Health lists every health record.
func (e *Evaluator) Health(ctx context.Context) ([]HealthRecord, error) {
	return e.health.ListHealth(ctx)
}
