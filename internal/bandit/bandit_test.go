package bandit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/amirphl/adaptive-allocator/internal/lock"
	"github.com/amirphl/adaptive-allocator/internal/regime"
)

type armStore struct {
	mu   sync.Mutex
	arms map[string]Arm
}

func newArmStore() *armStore { return &armStore{arms: map[string]Arm{}} }

func (s *armStore) GetOrCreateArm(_ context.Context, slug string) (*Arm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.arms[slug]
	if !ok {
		a = NewArm(slug, DefaultConfig().BaseRate)
		s.arms[slug] = a
	}
	return &a, nil
}

func (s *armStore) ListArms(context.Context) ([]Arm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Arm, 0, len(s.arms))
	for _, a := range s.arms {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StrategySlug < out[j].StrategySlug })
	return out, nil
}

func (s *armStore) UpdateArm(_ context.Context, slug string, fn func(*Arm) error) (*Arm, error) {
	s.mu.Lock()
	a, ok := s.arms[slug]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	// copy the context map so a failed fn leaves the stored arm untouched
	ctxs := make(map[string]Posterior, len(a.Contexts))
	for k, v := range a.Contexts {
		ctxs[k] = v
	}
	a.Contexts = ctxs
	if err := fn(&a); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.arms[slug] = a
	s.mu.Unlock()
	return &a, nil
}

type events []regime.Event

func (e events) ListRegimeEvents(_ context.Context, since time.Time, _ string) ([]regime.Event, error) {
	var out []regime.Event
	for _, ev := range e {
		if !ev.DetectedAt.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

var now = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

func newTestAllocator(store Storage, ev EventSource) *Allocator {
	a := NewAllocator(store, ev, lock.NewLocal(), DefaultConfig(), nil)
	a.SetClock(func() time.Time { return now })
	return a
}

func TestAdaptiveDiscount(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name        string
		days        float64
		transitions int
		want        float64
	}{
		{"shift today with churn hits min", 0, 3, 0.90},
		{"shift today without churn", 0, 1, 0.90},
		{"one halflife ago", 7, 1, 0.995 - 0.095*0.36787944117144233},
		{"boost is capped", 1, 5, 0.995 - 0.095*1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, AdaptiveDiscount(tt.days, tt.transitions, cfg), 1e-12)
		})
	}

	// exp(-2/7) * 1.5 is still below 1
	boosted := AdaptiveDiscount(2, 3, cfg)
	plain := AdaptiveDiscount(2, 2, cfg)
	assert.Less(t, boosted, plain)
}

func TestDiscountFromEvents(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("no events in quiet window is exactly base rate", func(t *testing.T) {
		old := []regime.Event{{DetectedAt: now.Add(-15 * 24 * time.Hour)}}
		assert.Equal(t, 0.995, DiscountFromEvents(nil, now, cfg))
		assert.Equal(t, 0.995, DiscountFromEvents(old, now, cfg))
	})

	t.Run("three transitions today give min rate", func(t *testing.T) {
		ev := []regime.Event{
			{DetectedAt: now.Add(-3 * time.Hour)},
			{DetectedAt: now.Add(-2 * time.Hour)},
			{DetectedAt: now},
		}
		assert.InDelta(t, 0.90, DiscountFromEvents(ev, now, cfg), 1e-12)
	})

	t.Run("uses the most recent shift", func(t *testing.T) {
		ev := []regime.Event{
			{DetectedAt: now.Add(-7 * 24 * time.Hour)},
			{DetectedAt: now.Add(-10 * 24 * time.Hour)},
		}
		assert.InDelta(t, AdaptiveDiscount(7, 1, cfg), DiscountFromEvents(ev, now, cfg), 1e-12)
	})
}

func TestUpdateRewardConvergence(t *testing.T) {
	store := newArmStore()
	a := newTestAllocator(store, nil)
	ctx := context.Background()

	prev := 0.5
	for i := 0; i < 200; i++ {
		arm, err := a.UpdateReward(ctx, "orb", 1.0, "")
		require.NoError(t, err)
		ewr := arm.ExpectedWinRate()
		assert.GreaterOrEqual(t, ewr, prev)
		prev = ewr
	}
	assert.InDelta(t, 201.0/202.0, prev, 1e-12)

	arm, _ := store.GetOrCreateArm(ctx, "orb")
	assert.Equal(t, 200, arm.Pulls)
	assert.Len(t, arm.History, DefaultConfig().HistorySize)
	assert.Equal(t, 1.0, arm.Beta)
}

func TestUpdateRewardContext(t *testing.T) {
	store := newArmStore()
	a := newTestAllocator(store, nil)
	ctx := context.Background()

	_, err := a.UpdateReward(ctx, "fade", 0.0, "RANGING")
	require.NoError(t, err)
	arm, err := a.UpdateReward(ctx, "fade", 1.0, "")
	require.NoError(t, err)

	assert.Equal(t, Posterior{Alpha: 2, Beta: 2}, arm.Posterior)
	assert.Equal(t, Posterior{Alpha: 1, Beta: 2}, arm.Contexts["RANGING"])
	assert.Equal(t, "RANGING", arm.History[0].Regime)
	assert.Equal(t, now, arm.History[1].At)

	for _, bad := range []float64{-0.1, 1.1} {
		_, err := a.UpdateReward(ctx, "fade", bad, "")
		assert.ErrorIs(t, err, ErrInvalidReward)
	}
}

func TestSelect(t *testing.T) {
	store := newArmStore()
	a := newTestAllocator(store, nil)
	ctx := context.Background()

	_, err := a.Select(ctx, "")
	assert.ErrorIs(t, err, ErrNoArms)

	require.NoError(t, a.Register(ctx, "good", "bad"))
	for i := 0; i < 100; i++ {
		_, err := a.UpdateReward(ctx, "good", 1, "")
		require.NoError(t, err)
		_, err = a.UpdateReward(ctx, "bad", 0, "")
		require.NoError(t, err)
	}

	sel, err := a.Select(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "good", sel.StrategySlug)
	assert.Equal(t, 100, sel.Pulls)
	assert.InDelta(t, 101.0/102.0, sel.ExpectedWinRate, 1e-12)

	require.NoError(t, a.SetEnabled(ctx, "good", false))
	sel, err = a.Select(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "bad", sel.StrategySlug)

	require.NoError(t, a.SetEnabled(ctx, "bad", false))
	_, err = a.Select(ctx, "")
	assert.ErrorIs(t, err, ErrNoArms)
}

func TestSelectUsesContextPosterior(t *testing.T) {
	store := newArmStore()
	a := newTestAllocator(store, nil)
	ctx := context.Background()

	// globally "trend" is better, but in RANGING "revert" dominates
	for i := 0; i < 100; i++ {
		_, _ = a.UpdateReward(ctx, "trend", 1, "TRENDING")
		_, _ = a.UpdateReward(ctx, "trend", 0, "RANGING")
	}
	for i := 0; i < 100; i++ {
		_, _ = a.UpdateReward(ctx, "revert", 1, "RANGING")
		_, _ = a.UpdateReward(ctx, "revert", 0, "")
		_, _ = a.UpdateReward(ctx, "revert", 0, "")
		_, _ = a.UpdateReward(ctx, "revert", 0, "")
	}

	sel, err := a.Select(ctx, "RANGING")
	require.NoError(t, err)
	assert.Equal(t, "revert", sel.StrategySlug)

	sel, err = a.Select(ctx, "unseen")
	require.NoError(t, err)
	assert.Equal(t, "trend", sel.StrategySlug)
}

func TestDecayPriors(t *testing.T) {
	ctx := context.Background()

	t.Run("quiet market decays at base rate", func(t *testing.T) {
		store := newArmStore()
		a := newTestAllocator(store, events{})
		_, err := a.UpdateReward(ctx, "orb", 1, "TRENDING")
		require.NoError(t, err)
		require.NoError(t, a.DecayPriors(ctx))

		arm, _ := store.GetOrCreateArm(ctx, "orb")
		assert.Equal(t, 0.995, arm.DiscountRate)
		assert.InDelta(t, 1+1*0.995, arm.Alpha, 1e-12)
		assert.Equal(t, 1.0, arm.Beta)
		assert.InDelta(t, 1+1*0.995, arm.Contexts["TRENDING"].Alpha, 1e-12)
	})

	t.Run("recent churn decays at min rate", func(t *testing.T) {
		store := newArmStore()
		ev := events{{DetectedAt: now.Add(-2 * time.Hour)}, {DetectedAt: now.Add(-time.Hour)}, {DetectedAt: now}}
		a := newTestAllocator(store, ev)
		for i := 0; i < 10; i++ {
			_, err := a.UpdateReward(ctx, "orb", 0, "")
			require.NoError(t, err)
		}
		require.NoError(t, a.DecayPriors(ctx))

		arm, _ := store.GetOrCreateArm(ctx, "orb")
		assert.InDelta(t, 0.90, arm.DiscountRate, 1e-12)
		assert.InDelta(t, 1+10*0.90, arm.Beta, 1e-9)
		assert.Equal(t, 1.0, arm.Alpha)
	})

	t.Run("non-adaptive arms keep their own rate", func(t *testing.T) {
		store := newArmStore()
		ev := events{{DetectedAt: now.Add(-time.Hour)}, {DetectedAt: now}}
		cfg := DefaultConfig()
		cfg.Adaptive = false
		core, logs := observer.New(zap.InfoLevel)
		a := NewAllocator(store, ev, lock.NewLocal(), cfg, zap.New(core))
		a.SetClock(func() time.Time { return now })
		_, err := a.UpdateReward(ctx, "orb", 1, "")
		require.NoError(t, err)
		require.NoError(t, a.DecayPriors(ctx))

		arm, _ := store.GetOrCreateArm(ctx, "orb")
		assert.Equal(t, cfg.BaseRate, arm.DiscountRate)
		assert.InDelta(t, 1+cfg.BaseRate, arm.Alpha, 1e-12)

		entries := logs.FilterMessage("Bandit | priors decayed").All()
		require.Len(t, entries, 1)
		assert.Equal(t, false, entries[0].ContextMap()["adaptive"])
		assert.NotContains(t, entries[0].ContextMap(), "discount")
	})

	t.Run("repeated decay never goes below the prior", func(t *testing.T) {
		store := newArmStore()
		a := newTestAllocator(store, events{})
		_, _ = a.UpdateReward(ctx, "orb", 1, "")
		for i := 0; i < 500; i++ {
			require.NoError(t, a.DecayPriors(ctx))
		}
		arm, _ := store.GetOrCreateArm(ctx, "orb")
		assert.GreaterOrEqual(t, arm.Alpha, 1.0)
		assert.GreaterOrEqual(t, arm.Beta, 1.0)
	})
}

func TestAllocationWeights(t *testing.T) {
	store := newArmStore()
	a := newTestAllocator(store, nil)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, _ = a.UpdateReward(ctx, "strong", 1, "")
		_, _ = a.UpdateReward(ctx, "weak", 0, "")
	}
	_, _ = a.UpdateReward(ctx, "off", 1, "")
	require.NoError(t, a.SetEnabled(ctx, "off", false))

	w, err := a.AllocationWeights(ctx, 500)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, w["strong"]+w["weak"], 1e-12)
	assert.Greater(t, w["strong"], 0.95)
	assert.Equal(t, 0.0, w["off"])

	arm, _ := store.GetOrCreateArm(ctx, "strong")
	assert.Equal(t, w["strong"], arm.Weight)
}

func TestConcurrentRewardsAreNotLost(t *testing.T) {
	store := newArmStore()
	a := newTestAllocator(store, nil)
	ctx := context.Background()
	require.NoError(t, a.Register(ctx, "orb"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.UpdateReward(ctx, "orb", 1, "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	arm, _ := store.GetOrCreateArm(ctx, "orb")
	assert.Equal(t, 51.0, arm.Alpha)
	assert.Equal(t, 50, arm.Pulls)
}

type regimeLog struct {
	mu     sync.Mutex
	events []regime.Event
}

func (l *regimeLog) AppendRegimeEvent(_ context.Context, e regime.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *regimeLog) ListRegimeEvents(_ context.Context, since time.Time, symbol string) ([]regime.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []regime.Event
	for _, e := range l.events {
		if !e.DetectedAt.Before(since) && (symbol == "" || e.Symbol == symbol) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *regimeLog) LatestRegimeEvent(_ context.Context, symbol string) (*regime.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Symbol == symbol {
			e := l.events[i]
			return &e, nil
		}
	}
	return nil, regime.ErrNotFound
}

func TestTrackedRegimeShiftsLowerDiscount(t *testing.T) {
	ctx := context.Background()
	log := &regimeLog{}
	tracker := regime.NewTracker(regime.NewIntegration(), regime.NewMonitor(log, nil), regime.MarketCrypto, "ETHBTC", nil)
	store := newArmStore()
	a := newTestAllocator(store, log)
	require.NoError(t, a.Register(ctx, "orb-btc"))

	ranging := map[string]float64{"is_range_regime": 1, "regime_confidence": 0.7}
	trending := map[string]float64{"is_trend_regime": 1, "regime_confidence": 0.5}
	volatile := map[string]float64{"is_high_vol_chop": 1, "regime_confidence": 0.3}

	// a settled regime outside the quiet window leaves the base rate
	old := now.Add(-20 * 24 * time.Hour)
	tracker.ObserveFeatures(ctx, "SOLUSDT", ranging, old)
	tracker.ObserveFeatures(ctx, "SOLUSDT", ranging, old.Add(time.Hour))
	rate, err := a.CurrentDiscount(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().BaseRate, rate)

	at := now.Add(-3 * 24 * time.Hour)
	for _, f := range []map[string]float64{trending, trending, volatile, volatile, ranging, ranging} {
		at = at.Add(6 * time.Hour)
		tracker.ObserveFeatures(ctx, "SOLUSDT", f, at)
	}

	var transitions []string
	for _, e := range log.events {
		if e.From != "" {
			transitions = append(transitions, e.From+">"+e.To)
		}
	}
	assert.Equal(t, []string{"RANGING>TRENDING", "TRENDING>VOLATILE", "VOLATILE>RANGING"}, transitions)

	rate, err = a.CurrentDiscount(ctx)
	require.NoError(t, err)
	assert.Less(t, rate, 0.995)
	assert.GreaterOrEqual(t, rate, DefaultConfig().MinRate)

	require.NoError(t, a.DecayPriors(ctx))
	arm, err := store.GetOrCreateArm(ctx, "orb-btc")
	require.NoError(t, err)
	assert.InDelta(t, rate, arm.DiscountRate, 1e-12)
}
