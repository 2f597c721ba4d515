package optimizer

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amirphl/adaptive-allocator/internal/queue"
)

// Pool runs optimization requests from a queue on a fixed number of workers.
type Pool struct {
	queue   queue.Queue
	service *Service
	workers int
	logger  *zap.Logger
}

func NewPool(q queue.Queue, service *Service, workers int, logger *zap.Logger) *Pool {
	return &Pool{queue: q, service: service, workers: max(1, workers), logger: logger}
}

// Run consumes until ctx is done or the queue closes.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Optimizer | workers started", zap.Int("workers", p.workers))
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			err := p.queue.Consume(ctx, p.Handle)
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// Handle runs one request. A run that could not even be recorded is returned as an error so
// the transport redelivers it; failed searches are recorded and not retried.
func (p *Pool) Handle(ctx context.Context, r queue.Request) error {
	log := p.logger.With(zap.String("strategy", r.StrategySlug), zap.String("request_id", r.ID))
	log.Info("Optimizer | request received", zap.String("reason", r.Reason))

	res := p.service.optimize(ctx, r.StrategySlug, r.ID, r.Trials)
	if res.RunID == "" && !res.Success {
		if res.Message == alreadyRunning(r.StrategySlug) {
			log.Info("Optimizer | skipped, run in progress")
			return nil
		}
		return errors.New(res.Message)
	}
	return nil
}

func alreadyRunning(slug string) string {
	return "optimization already running for " + slug
}
