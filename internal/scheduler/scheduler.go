// Package scheduler runs the periodic allocator jobs on cron specs with a seconds field.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/amirphl/adaptive-allocator/internal/nightly"
)

// NightlyRunner is the job the nightly spec triggers.
type NightlyRunner interface {
	RunNightlyCycle(ctx context.Context) (*nightly.CycleReport, error)
}

// PriorDecayer discounts bandit priors once per schedule tick.
type PriorDecayer interface {
	DecayPriors(ctx context.Context) error
}

type Runner struct {
	cron    *cron.Cron
	logger  *zap.Logger
	baseCtx context.Context
}

// New builds a runner whose jobs receive baseCtx. A job still running when its next tick
// fires skips that tick; a panicking job is logged and recovered.
func New(baseCtx context.Context, logger *zap.Logger) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger.Sugar()}
	return &Runner{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add registers job under spec and logs every run with its duration.
func (r *Runner) Add(spec, name string, job func(context.Context) error) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		start := time.Now()
		r.logger.Info("Scheduler | job started", zap.String("job", name))
		if err := job(r.baseCtx); err != nil {
			r.logger.Error("Scheduler | job failed", zap.String("job", name), zap.Error(err))
			return
		}
		r.logger.Info("Scheduler | job finished", zap.String("job", name), zap.Duration("duration", time.Since(start)))
	})
}

func (r *Runner) AddNightly(spec string, n NightlyRunner) (cron.EntryID, error) {
	return r.Add(spec, "nightly", func(ctx context.Context) error {
		report, err := n.RunNightlyCycle(ctx)
		if err != nil {
			return err
		}
		r.logger.Info("Scheduler | nightly report",
			zap.Int("tested", report.Tested),
			zap.Int("passed", report.Passed),
			zap.String("recommendation", report.Recommendation))
		return nil
	})
}

func (r *Runner) AddPriorDecay(spec string, d PriorDecayer) (cron.EntryID, error) {
	return r.Add(spec, "bandit-decay", d.DecayPriors)
}

// Next reports when entry id fires next; zero when it is unknown or the runner is stopped.
func (r *Runner) Next(id cron.EntryID) time.Time {
	return r.cron.Entry(id).Next
}

func (r *Runner) Start() {
	r.logger.Info("Scheduler | started", zap.Int("jobs", len(r.cron.Entries())))
	r.cron.Start()
}

// Stop prevents new runs and waits for running jobs to return.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.logger.Info("Scheduler | stopped")
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw("Scheduler | "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw("Scheduler | "+msg, append(keysAndValues, "err", err)...)
}
