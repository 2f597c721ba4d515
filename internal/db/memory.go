package db

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amirphl/adaptive-allocator/internal/bandit"
	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/nightly"
	"github.com/amirphl/adaptive-allocator/internal/optimizer"
	"github.com/amirphl/adaptive-allocator/internal/regime"
	"github.com/amirphl/adaptive-allocator/internal/signal"
	"github.com/amirphl/adaptive-allocator/internal/strategy"
)

// MemoryStorage keeps everything in process. Values are copied in and out so callers never
// share maps with the store.
type MemoryStorage struct {
	mu sync.RWMutex

	// Candles keyed by symbol|timeframe|timestamp
	candles map[string]candle.Candle

	strategies map[string]strategy.Strategy
	versions   map[string][]strategy.Version // by strategy slug

	signals      map[string]signal.Signal
	performances []signal.Performance
	perfBySignal map[string]struct{}

	arms   map[string]bandit.Arm
	health map[string]nightly.HealthRecord
	runs   map[string]optimizer.Run

	// Regime events (append-only)
	events []regime.Event

	now func() time.Time
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		candles:      make(map[string]candle.Candle),
		strategies:   make(map[string]strategy.Strategy),
		versions:     make(map[string][]strategy.Version),
		signals:      make(map[string]signal.Signal),
		perfBySignal: make(map[string]struct{}),
		arms:         make(map[string]bandit.Arm),
		health:       make(map[string]nightly.HealthRecord),
		runs:         make(map[string]optimizer.Run),
		events:       make([]regime.Event, 0, 64),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// GetDB returns nil for in-memory storage (no SQL database)
func (m *MemoryStorage) GetDB() *sql.DB { return nil }

// -------- candle.Storage --------

func candleKey(symbol, timeframe string, ts time.Time) string {
	return strings.ToUpper(symbol) + "|" + timeframe + "|" + ts.UTC().Format(time.RFC3339Nano)
}

func (m *MemoryStorage) SaveCandles(ctx context.Context, candles []candle.Candle) error {
	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid candle at index %d for %s %s at %s: %w", i, c.Symbol, c.Timeframe, c.Timestamp, err)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candles {
		c.Timestamp = c.Timestamp.UTC()
		m.candles[candleKey(c.Symbol, c.Timeframe, c.Timestamp)] = c
	}
	return nil
}

func (m *MemoryStorage) GetCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []candle.Candle
	for _, c := range m.candles {
		if !strings.EqualFold(c.Symbol, symbol) || c.Timeframe != timeframe {
			continue
		}
		if c.Timestamp.Before(start) || !c.Timestamp.Before(end) {
			continue
		}
		out = append(out, c)
	}
	candle.SortByTime(out)
	return out, nil
}

// -------- strategy.Storage --------

// SaveStrategy inserts s. An existing strategy keeps its stored identity and enabled flag.
func (m *MemoryStorage) SaveStrategy(ctx context.Context, s strategy.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strategies[s.Slug]; ok {
		return nil
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = m.now()
	}
	s.Timeframes = slices.Clone(s.Timeframes)
	m.strategies[s.Slug] = s
	return nil
}

func (m *MemoryStorage) GetStrategy(ctx context.Context, slug string) (*strategy.Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.strategies[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", strategy.ErrNotFound, slug)
	}
	s.Timeframes = slices.Clone(s.Timeframes)
	return &s, nil
}

func (m *MemoryStorage) ListStrategies(ctx context.Context, f strategy.Filter) ([]strategy.Strategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]strategy.Strategy, 0, len(m.strategies))
	for _, s := range m.strategies {
		if f.Category != "" && s.Category != f.Category {
			continue
		}
		if f.EnabledOnly && !s.Enabled {
			continue
		}
		s.Timeframes = slices.Clone(s.Timeframes)
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (m *MemoryStorage) SetStrategyEnabled(ctx context.Context, slug string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.strategies[slug]
	if !ok {
		return fmt.Errorf("%w: %s", strategy.ErrNotFound, slug)
	}
	s.Enabled = enabled
	m.strategies[slug] = s
	return nil
}

func cloneVersion(v strategy.Version) strategy.Version {
	v.OptimalParams = maps.Clone(v.OptimalParams)
	if v.OptimalParams == nil {
		v.OptimalParams = map[string]float64{}
	}
	users := make(map[string]map[string]float64, len(v.UserParams))
	for id, p := range v.UserParams {
		users[id] = maps.Clone(p)
	}
	v.UserParams = users
	return v
}

func (m *MemoryStorage) SaveVersion(ctx context.Context, v strategy.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.strategies[v.StrategySlug]; !ok {
		return fmt.Errorf("%w: %s", strategy.ErrNotFound, v.StrategySlug)
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = m.now()
	}
	v = cloneVersion(v)

	versions := m.versions[v.StrategySlug]
	replaced := false
	for i := range versions {
		if v.IsDefault {
			versions[i].IsDefault = false
		}
		if versions[i].Version == v.Version {
			v.ID = versions[i].ID
			versions[i] = v
			replaced = true
		}
	}
	if !replaced {
		versions = append(versions, v)
	}
	m.versions[v.StrategySlug] = versions
	return nil
}

func (m *MemoryStorage) GetDefaultVersion(ctx context.Context, slug string) (*strategy.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions[slug] {
		if v.IsDefault {
			v = cloneVersion(v)
			return &v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", strategy.ErrNoDefaultVersion, slug)
}

func (m *MemoryStorage) MergeOptimalParams(ctx context.Context, slug string, params map[string]float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.versions[slug]
	for i, v := range versions {
		if v.IsDefault {
			versions[i].OptimalParams = strategy.MergeOptimal(v.OptimalParams, params)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", strategy.ErrNoDefaultVersion, slug)
}

// -------- signal.Storage --------

// SaveSignal stores s once; saving an id again is a no-op.
func (m *MemoryStorage) SaveSignal(ctx context.Context, s signal.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if _, ok := m.signals[s.ID]; ok {
		return nil
	}
	s.Metadata = maps.Clone(s.Metadata)
	m.signals[s.ID] = s
	return nil
}

func (m *MemoryStorage) GetSignal(ctx context.Context, id string) (*signal.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.signals[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", signal.ErrNotFound, id)
	}
	s.Metadata = maps.Clone(s.Metadata)
	return &s, nil
}

func inWindow(t time.Time, f signal.Filter) bool {
	if !f.Since.IsZero() && t.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && t.After(f.Until) {
		return false
	}
	return true
}

// newest keeps the last limit items of an ascending slice.
func newest[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[len(items)-limit:]
	}
	return items
}

func (m *MemoryStorage) ListSignals(ctx context.Context, f signal.Filter) ([]signal.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []signal.Signal
	for _, s := range m.signals {
		if f.StrategySlug != "" && s.StrategySlug != f.StrategySlug {
			continue
		}
		if f.Symbol != "" && s.Symbol != f.Symbol {
			continue
		}
		if !inWindow(s.Time, f) {
			continue
		}
		s.Metadata = maps.Clone(s.Metadata)
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Time.Equal(out[j].Time) {
			return out[i].ID < out[j].ID
		}
		return out[i].Time.Before(out[j].Time)
	})
	return newest(out, f.Limit), nil
}

// SavePerformance records the single outcome of a stored signal; a second outcome for the
// same signal is ignored.
func (m *MemoryStorage) SavePerformance(ctx context.Context, p signal.Performance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.signals[p.SignalID]; !ok {
		return fmt.Errorf("%w: %s", signal.ErrNotFound, p.SignalID)
	}
	if _, ok := m.perfBySignal[p.SignalID]; ok {
		return nil
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	m.performances = append(m.performances, p)
	m.perfBySignal[p.SignalID] = struct{}{}
	return nil
}

func (m *MemoryStorage) ListPerformance(ctx context.Context, f signal.Filter) ([]signal.Performance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []signal.Performance
	for _, p := range m.performances {
		if f.StrategySlug != "" && p.StrategySlug != f.StrategySlug {
			continue
		}
		if f.Symbol != "" && m.signals[p.SignalID].Symbol != f.Symbol {
			continue
		}
		if !inWindow(p.EvaluatedAt, f) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EvaluatedAt.Before(out[j].EvaluatedAt) })
	return newest(out, f.Limit), nil
}

// -------- bandit.Storage --------

func cloneArm(a bandit.Arm) bandit.Arm {
	a.Contexts = maps.Clone(a.Contexts)
	if a.Contexts == nil {
		a.Contexts = map[string]bandit.Posterior{}
	}
	a.History = slices.Clone(a.History)
	return a
}

func (m *MemoryStorage) GetOrCreateArm(ctx context.Context, slug string) (*bandit.Arm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.arms[slug]
	if !ok {
		a = bandit.NewArm(slug, bandit.DefaultConfig().BaseRate)
		a.UpdatedAt = m.now()
		m.arms[slug] = a
	}
	a = cloneArm(a)
	return &a, nil
}

func (m *MemoryStorage) ListArms(ctx context.Context) ([]bandit.Arm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]bandit.Arm, 0, len(m.arms))
	for _, a := range m.arms {
		out = append(out, cloneArm(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategySlug < out[j].StrategySlug })
	return out, nil
}

// UpdateArm runs fn under the store lock; a failing fn leaves the stored arm unchanged.
func (m *MemoryStorage) UpdateArm(ctx context.Context, slug string, fn func(*bandit.Arm) error) (*bandit.Arm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.arms[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", bandit.ErrNotFound, slug)
	}
	a = cloneArm(a)
	if err := fn(&a); err != nil {
		return nil, err
	}
	m.arms[slug] = a
	a = cloneArm(a)
	return &a, nil
}

// -------- nightly.HealthStorage --------

func cloneHealth(h nightly.HealthRecord) nightly.HealthRecord {
	clone := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	h.LastBacktestAt = clone(h.LastBacktestAt)
	h.AutoDisabledAt = clone(h.AutoDisabledAt)
	h.LastOptimizationAt = clone(h.LastOptimizationAt)
	return h
}

func (m *MemoryStorage) GetHealth(ctx context.Context, slug string) (*nightly.HealthRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.health[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", nightly.ErrNotFound, slug)
	}
	h = cloneHealth(h)
	return &h, nil
}

func (m *MemoryStorage) ListHealth(ctx context.Context) ([]nightly.HealthRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]nightly.HealthRecord, 0, len(m.health))
	for _, h := range m.health {
		out = append(out, cloneHealth(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategySlug < out[j].StrategySlug })
	return out, nil
}

func (m *MemoryStorage) UpdateHealth(ctx context.Context, slug string, fn func(*nightly.HealthRecord) error) (*nightly.HealthRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[slug]
	if !ok {
		h = nightly.HealthRecord{StrategySlug: slug, UpdatedAt: m.now()}
	}
	h = cloneHealth(h)
	if err := fn(&h); err != nil {
		return nil, err
	}
	m.health[slug] = h
	h = cloneHealth(h)
	return &h, nil
}

// -------- optimizer.RunStorage --------

func cloneRun(r optimizer.Run) optimizer.Run {
	r.SearchSpace = maps.Clone(r.SearchSpace)
	r.BestParams = maps.Clone(r.BestParams)
	r.Trials = slices.Clone(r.Trials)
	return r
}

func (m *MemoryStorage) CreateRun(ctx context.Context, r optimizer.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, ok := m.runs[r.ID]; ok {
		return fmt.Errorf("optimization run %s already exists", r.ID)
	}
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *MemoryStorage) UpdateRun(ctx context.Context, r optimizer.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.runs[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", optimizer.ErrNotFound, r.ID)
	}
	if stored.Status.Final() {
		return fmt.Errorf("%w: %s is %s", optimizer.ErrRunFinal, r.ID, stored.Status)
	}
	m.runs[r.ID] = cloneRun(r)
	return nil
}

func (m *MemoryStorage) GetRun(ctx context.Context, id string) (*optimizer.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", optimizer.ErrNotFound, id)
	}
	r = cloneRun(r)
	return &r, nil
}

func (m *MemoryStorage) ListRuns(ctx context.Context, slug string, limit int) ([]optimizer.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []optimizer.Run
	for _, r := range m.runs {
		if slug != "" && r.StrategySlug != slug {
			continue
		}
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// -------- regime.Storage --------

func (m *MemoryStorage) AppendRegimeEvent(ctx context.Context, e regime.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryStorage) ListRegimeEvents(ctx context.Context, since time.Time, symbol string) ([]regime.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []regime.Event
	for _, e := range m.events {
		if e.DetectedAt.Before(since) {
			continue
		}
		if symbol != "" && e.Symbol != symbol {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (m *MemoryStorage) LatestRegimeEvent(ctx context.Context, symbol string) (*regime.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *regime.Event
	for i := range m.events {
		e := m.events[i]
		if symbol != "" && e.Symbol != symbol {
			continue
		}
		if latest == nil || !e.DetectedAt.Before(latest.DetectedAt) {
			latest = &e
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: %s", regime.ErrNotFound, symbol)
	}
	return latest, nil
}
