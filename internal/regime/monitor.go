package regime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	MinConfidence    = 0.7
	ChangeConfidence = 0.8
)

// Monitor turns a stream of regime observations into change events.
type Monitor struct {
	store  Storage
	logger *zap.Logger
}

func NewMonitor(store Storage, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{store: store, logger: logger}
}

// Observe records a change event when the observation is confident enough and differs from the
// last recorded regime of the symbol. The first confident observation of a symbol always records.
func (m *Monitor) Observe(ctx context.Context, symbol, regime string, confidence float64, at time.Time) (*Event, error) {
	if confidence < MinConfidence {
		return nil, nil
	}
	prev, err := m.store.LatestRegimeEvent(ctx, symbol)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("loading latest regime of %s: %w", symbol, err)
	}

	from := ""
	if prev != nil {
		if prev.To == regime || confidence < ChangeConfidence {
			return nil, nil
		}
		from = prev.To
	}

	e := Event{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		From:       from,
		To:         regime,
		Confidence: confidence,
		Severity:   SeverityOf(confidence),
		DetectedAt: at,
	}
	if err := m.store.AppendRegimeEvent(ctx, e); err != nil {
		return nil, fmt.Errorf("appending regime event: %w", err)
	}
	m.logger.Info("Regime | change detected",
		zap.String("symbol", symbol),
		zap.String("from", from),
		zap.String("to", regime),
		zap.Float64("confidence", confidence))
	return &e, nil
}
