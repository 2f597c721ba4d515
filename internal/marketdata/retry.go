package marketdata

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/amirphl/adaptive-allocator/internal/candle"
)

type Backoff struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

func DefaultBackoff() Backoff {
	return Backoff{Attempts: 3, Delay: 2 * time.Second, MaxDelay: 5 * time.Minute}
}

// Retry runs fn until it succeeds, the attempts run out or ctx is done, doubling the delay
// between attempts up to MaxDelay.
func Retry(ctx context.Context, b Backoff, logger *zap.Logger, name string, fn func() error) error {
	attempts := max(1, b.Attempts)
	delay := b.Delay
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		logger.Warn("MarketData | retry attempt failed",
			zap.String("op", name),
			zap.Int("attempt", i),
			zap.Int("attempts", attempts),
			zap.Duration("backoff", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if b.MaxDelay > 0 && delay > b.MaxDelay {
			delay = b.MaxDelay
		}
	}
	return fmt.Errorf("%s: all %d attempts failed: %w", name, attempts, err)
}

// Retrying wraps a provider so transient fetch failures are retried with backoff.
type Retrying struct {
	next    Provider
	backoff Backoff
	logger  *zap.Logger
}

func NewRetrying(next Provider, b Backoff, logger *zap.Logger) *Retrying {
	return &Retrying{next: next, backoff: b, logger: logger}
}

func (r *Retrying) Name() string { return r.next.Name() }

func (r *Retrying) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	var out []candle.Candle
	err := Retry(ctx, r.backoff, r.logger, "fetch candles "+symbol, func() error {
		var err error
		out, err = r.next.FetchCandles(ctx, symbol, timeframe, start, end)
		return err
	})
	return out, err
}
