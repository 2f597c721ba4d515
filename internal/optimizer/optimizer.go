package optimizer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amirphl/adaptive-allocator/internal/lock"
	"github.com/amirphl/adaptive-allocator/internal/marketdata"
	"github.com/amirphl/adaptive-allocator/internal/metrics"
	"github.com/amirphl/adaptive-allocator/internal/nightly"
	"github.com/amirphl/adaptive-allocator/internal/signal"
	"github.com/amirphl/adaptive-allocator/internal/strategy"
)

type Config struct {
	Search       SearchConfig       `yaml:"search"`
	Timeout      time.Duration      `yaml:"timeout"`
	Workers      int                `yaml:"workers"`
	LookbackDays int                `yaml:"lookback_days"`
	MinOutcomes  int                `yaml:"min_outcomes"`
	MinWinRate   float64            `yaml:"min_win_rate"`
	Retry        marketdata.Backoff `yaml:"retry"`
}

func DefaultConfig() Config {
	return Config{
		Search:       DefaultSearchConfig(),
		Timeout:      5 * time.Minute,
		Workers:      2,
		LookbackDays: 90,
		MinOutcomes:  10,
		MinWinRate:   0.45,
		Retry:        marketdata.DefaultBackoff(),
	}
}

type Service struct {
	strategies strategy.Storage
	signals    signal.Storage
	runs       RunStorage
	health     nightly.HealthStorage
	spaces     strategy.SearchSpaces
	running    *lock.Local
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time
}

func NewService(strategies strategy.Storage, signals signal.Storage, runs RunStorage, health nightly.HealthStorage,
	spaces strategy.SearchSpaces, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		strategies: strategies,
		signals:    signals,
		runs:       runs,
		health:     health,
		spaces:     spaces,
		running:    lock.NewLocal(),
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Optimize runs one search for slug. Every outcome, including a failure before the search
// starts, is recorded as a run; only a COMPLETED run touches the strategy's optimal params.
// A second call for a strategy that is already being optimized returns without a run.
func (s *Service) Optimize(ctx context.Context, slug, requestID string) Result {
	return s.optimize(ctx, slug, requestID, 0)
}

// optimize runs Optimize with trials overriding the configured trial count when positive.
func (s *Service) optimize(ctx context.Context, slug, requestID string, trials int) Result {
	search := s.cfg.Search
	if trials > 0 {
		search.Trials = trials
	}

	release, ok := s.running.TryLock(slug)
	if !ok {
		return Result{Message: alreadyRunning(slug)}
	}
	defer release()

	log := s.logger.With(zap.String("strategy", slug))
	run := Run{
		ID:           uuid.NewString(),
		StrategySlug: slug,
		RequestID:    requestID,
		NTrials:      search.Trials,
		Status:       StatusPending,
		CreatedAt:    s.now(),
	}
	log = log.With(zap.String("run_id", run.ID))
	if err := s.runs.CreateRun(ctx, run); err != nil {
		log.Error("Optimizer | creating run", zap.Error(err))
		return Result{Message: fmt.Sprintf("creating run: %v", err)}
	}

	returns, baselineR, err := s.prepare(ctx, &run)
	if err != nil {
		return s.fail(ctx, log, run, err)
	}

	started := s.now()
	run.Status = StatusRunning
	run.StartedAt = &started
	if err := s.runs.UpdateRun(ctx, run); err != nil {
		return s.fail(ctx, log, run, fmt.Errorf("marking run running: %w", err))
	}
	log.Info("Optimizer | search started",
		zap.String("strategy_type", string(run.StrategyType)),
		zap.Int("outcomes", len(returns)),
		zap.Float64("baseline_r", baselineR),
		zap.Int("trials", run.NTrials))

	rewardKey := strategy.RewardKey(run.StrategyType)
	objective := func(p map[string]float64) float64 {
		return Score(returns, baselineR, p[rewardKey], s.cfg.MinWinRate)
	}

	searchCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	done, err := Search(searchCtx, run.SearchSpace, search, objective)
	run.Trials = done
	switch {
	case ctx.Err() != nil:
		return s.fail(ctx, log, run, fmt.Errorf("cancelled after %d trials: %w", len(done), ctx.Err()))
	case err != nil && len(done) == 0:
		return s.fail(ctx, log, run, fmt.Errorf("timed out before the first trial: %w", err))
	case err != nil:
		log.Warn("Optimizer | timeout reached, keeping finished trials", zap.Int("trials", len(done)))
	}

	// The search is over; the status and the merge are written even if ctx is cancelled now.
	// The run is marked COMPLETED before the merge so merged params never sit behind a RUNNING run.
	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancelSave()

	best, _ := Best(done)
	run.BestParams = best.Params
	run.BestValue = best.Value
	run.Status = StatusCompleted
	completed := s.now()
	run.CompletedAt = &completed
	if err := s.runs.UpdateRun(saveCtx, run); err != nil {
		return s.fail(ctx, log, run, fmt.Errorf("marking run completed: %w", err))
	}
	if err := s.strategies.MergeOptimalParams(saveCtx, slug, best.Params); err != nil {
		return s.fail(ctx, log, run, fmt.Errorf("storing optimal params: %w", err))
	}
	if _, err := s.health.UpdateHealth(saveCtx, slug, func(h *nightly.HealthRecord) error {
		h.LastOptimizationAt = &completed
		h.UpdatedAt = completed
		return nil
	}); err != nil {
		log.Error("Optimizer | stamping health record", zap.Error(err))
	}
	metrics.IncOptimizationRun(string(StatusCompleted))
	log.Info("Optimizer | search completed",
		zap.Any("best_params", best.Params),
		zap.Float64("best_value", best.Value),
		zap.Int("trials", len(done)))

	return Result{
		RunID:      run.ID,
		Success:    true,
		BestParams: best.Params,
		BestValue:  best.Value,
		Trials:     len(done),
	}
}

// prepare resolves the strategy's search space and loads the outcomes the objective replays.
func (s *Service) prepare(ctx context.Context, run *Run) ([]float64, float64, error) {
	version, err := s.strategies.GetDefaultVersion(ctx, run.StrategySlug)
	if err != nil {
		return nil, 0, fmt.Errorf("loading default version: %w", err)
	}
	run.StrategyType = version.LogicRef
	space, err := s.spaces.Lookup(version.LogicRef)
	if err != nil {
		return nil, 0, err
	}
	run.SearchSpace = space

	current, err := strategy.Resolve(version.LogicRef, space, version.OptimalParams, nil)
	if err != nil {
		return nil, 0, err
	}

	now := s.now()
	var perfs []signal.Performance
	err = marketdata.Retry(ctx, s.cfg.Retry, s.logger, "list performance "+run.StrategySlug, func() error {
		var err error
		perfs, err = s.signals.ListPerformance(ctx, signal.Filter{
			StrategySlug: run.StrategySlug,
			Since:        now.AddDate(0, 0, -s.cfg.LookbackDays),
			Until:        now,
		})
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("loading outcomes: %w", err)
	}
	if len(perfs) < s.cfg.MinOutcomes {
		return nil, 0, fmt.Errorf("%w: %d outcomes, need %d", ErrInsufficientData, len(perfs), s.cfg.MinOutcomes)
	}
	return signal.Returns(perfs), current.RewardMultiple(), nil
}

// fail records the run as FAILED. It persists on a context detached from cancellation so a
// cancelled run is never left RUNNING.
func (s *Service) fail(ctx context.Context, log *zap.Logger, run Run, cause error) Result {
	done := s.now()
	run.Status = StatusFailed
	run.Error = cause.Error()
	run.CompletedAt = &done
	run.BestParams = map[string]float64{}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.runs.UpdateRun(saveCtx, run); err != nil {
		log.Error("Optimizer | marking run failed", zap.Error(err))
	}
	metrics.IncOptimizationRun(string(StatusFailed))
	log.Warn("Optimizer | run failed", zap.Error(cause))
	return Result{RunID: run.ID, Message: cause.Error(), BestParams: map[string]float64{}, Trials: len(run.Trials)}
}

// Runs lists recent runs of slug, or of every strategy when slug is empty.
func (s *Service) Runs(ctx context.Context, slug string, limit int) ([]Run, error) {
	return s.runs.ListRuns(ctx, slug, limit)
}
