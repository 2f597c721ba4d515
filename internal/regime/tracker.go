package regime

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/amirphl/adaptive-allocator/internal/feature"
	"github.com/amirphl/adaptive-allocator/internal/strategy"
)

// GlobalSymbol keys the change events of the global regime.
const GlobalSymbol = "GLOBAL"

// persistence is the confidence of a label seen on 1, 2, 3 or more consecutive observations.
// Two in a row reach ChangeConfidence.
var persistence = [...]float64{0.65, ChangeConfidence, 0.95}

type streak struct {
	label string
	count int
}

// Tracker feeds engine features into the Integration and records regime changes through the
// Monitor. Features of the benchmark symbol also drive the global regime.
type Tracker struct {
	integration *Integration
	monitor     *Monitor
	market      Market
	benchmark   string
	logger      *zap.Logger

	mu      sync.Mutex
	streaks map[string]streak
}

func NewTracker(i *Integration, m *Monitor, market Market, benchmark string, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{integration: i, monitor: m, market: market, benchmark: benchmark, logger: logger, streaks: make(map[string]streak)}
}

// confidence is the larger of the classifier's own confidence and the persistence of the label
// across consecutive observations of the key.
func (t *Tracker) confidence(key, label string, classifier float64) float64 {
	t.mu.Lock()
	s := t.streaks[key]
	if s.label == label {
		s.count++
	} else {
		s = streak{label: label, count: 1}
	}
	t.streaks[key] = s
	t.mu.Unlock()

	return math.Max(classifier, persistence[min(s.count, len(persistence))-1])
}

func (t *Tracker) ObserveFeatures(ctx context.Context, symbol string, f feature.Features, at time.Time) {
	t.integration.SetLocal(symbol, ClassifyLocal(f))
	label := string(strategy.LabelRegime(f))
	conf := t.confidence(symbol, label, f.Get("regime_confidence", 0.5))
	if _, err := t.monitor.Observe(ctx, symbol, label, conf, at); err != nil {
		t.logger.Warn("Regime | observation dropped", zap.String("symbol", symbol), zap.Error(err))
	}

	if symbol != t.benchmark {
		return
	}
	g, gconf := ClassifyGlobal(t.market, f)
	t.integration.SetGlobal(g)
	gconf = t.confidence(GlobalSymbol, string(g), gconf)
	if _, err := t.monitor.Observe(ctx, GlobalSymbol, string(g), gconf, at); err != nil {
		t.logger.Warn("Regime | global observation dropped", zap.Error(err))
	}
}
