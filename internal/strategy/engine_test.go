package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/adaptive-allocator/internal/feature"
	"github.com/amirphl/adaptive-allocator/internal/marketdata"
	"github.com/amirphl/adaptive-allocator/internal/pattern"
	"github.com/amirphl/adaptive-allocator/internal/signal"
)

type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) SaveStrategy(ctx context.Context, s Strategy) error {
	return m.Called(ctx, s).Error(0)
}

func (m *mockStorage) GetStrategy(ctx context.Context, slug string) (*Strategy, error) {
	args := m.Called(ctx, slug)
	s, _ := args.Get(0).(*Strategy)
	return s, args.Error(1)
}

func (m *mockStorage) ListStrategies(ctx context.Context, f Filter) ([]Strategy, error) {
	args := m.Called(ctx, f)
	return args.Get(0).([]Strategy), args.Error(1)
}

func (m *mockStorage) SetStrategyEnabled(ctx context.Context, slug string, enabled bool) error {
	return m.Called(ctx, slug, enabled).Error(0)
}

func (m *mockStorage) SaveVersion(ctx context.Context, v Version) error {
	return m.Called(ctx, v).Error(0)
}

func (m *mockStorage) GetDefaultVersion(ctx context.Context, slug string) (*Version, error) {
	args := m.Called(ctx, slug)
	v, _ := args.Get(0).(*Version)
	return v, args.Error(1)
}

func (m *mockStorage) MergeOptimalParams(ctx context.Context, slug string, params map[string]float64) error {
	return m.Called(ctx, slug, params).Error(0)
}

type mockSignals struct {
	mock.Mock
	signal.Storage
}

func (m *mockSignals) SaveSignal(ctx context.Context, s signal.Signal) error {
	return m.Called(ctx, s).Error(0)
}

type gate map[string]bool

func (g gate) IsAutoDisabled(_ context.Context, slug string) (bool, error) { return g[slug], nil }

var fixedNow = time.Date(2024, 3, 5, 18, 0, 0, 0, time.UTC)

func newTestEngine(store Storage, provider marketdata.Provider, opts ...EngineOption) *Engine {
	e := NewEngine(store, provider, feature.NewExtractor(pattern.DefaultThresholds(), nil),
		Generators(pattern.DefaultThresholds()), DefaultSearchSpaces(), nil, opts...)
	e.now = func() time.Time { return fixedNow }
	return e
}

func orbStore(version *Version) *mockStorage {
	store := &mockStorage{}
	store.On("ListStrategies", mock.Anything, Filter{Category: CategoryDayTrading, EnabledOnly: true}).Return([]Strategy{
		{Slug: "orb-btc", Category: CategoryDayTrading, Timeframes: []string{"1m"}, Enabled: true},
	}, nil)
	store.On("GetDefaultVersion", mock.Anything, "orb-btc").Return(version, nil)
	return store
}

func TestEngineRunLiveKeepsLatestBarOnly(t *testing.T) {
	store := orbStore(&Version{StrategySlug: "orb-btc", Version: 1, LogicRef: TypeORB, IsDefault: true})
	e := newTestEngine(store, nil)
	req := Request{Symbol: "BTC-USDT", Timeframe: "1m", Category: CategoryDayTrading}

	sigs, err := e.Run(context.Background(), req, orbSeries(21), feature.Features{})
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "orb-btc", sigs[0].StrategySlug)
	assert.NotEmpty(t, sigs[0].ID)
	assert.Equal(t, fixedNow, sigs[0].CreatedAt)
	assert.Equal(t, string(RegimeNeutral), sigs[0].Metadata["market_regime"])
	assert.Equal(t, "orb", sigs[0].Metadata["strategy_type"])

	sigs, err = e.Run(context.Background(), req, orbSeries(40), feature.Features{})
	require.NoError(t, err)
	assert.Empty(t, sigs)

	req.Replay = true
	sigs, err = e.Run(context.Background(), req, orbSeries(40), feature.Features{})
	require.NoError(t, err)
	assert.Len(t, sigs, 1)
}

func TestEngineParameterPrecedence(t *testing.T) {
	version := &Version{
		StrategySlug:  "orb-btc",
		LogicRef:      TypeORB,
		IsDefault:     true,
		OptimalParams: map[string]float64{"take_profit_r": 3},
		UserParams:    map[string]map[string]float64{"u1": {"take_profit_r": 2.5}},
	}
	e := newTestEngine(orbStore(version), nil)
	bars := orbSeries(21)

	tests := []struct {
		name      string
		userID    string
		overrides map[string]map[string]float64
		wantR     float64
	}{
		{"optimal", "", nil, 3},
		{"stored user override", "u1", nil, 2.5},
		{"request override", "u1", map[string]map[string]float64{"orb-btc": {"take_profit_r": 1.5}}, 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := Request{Category: CategoryDayTrading, Timeframe: "1m", UserID: tt.userID, Overrides: tt.overrides}
			sigs, err := e.Run(context.Background(), req, bars, nil)
			require.NoError(t, err)
			require.Len(t, sigs, 1)
			s := sigs[0]
			assert.InDelta(t, s.Price+tt.wantR*(s.Price-s.Stop), s.Target, 1e-9)
		})
	}
}

func TestEngineRegimeMultiplierAndClamp(t *testing.T) {
	store := orbStore(&Version{StrategySlug: "orb-btc", LogicRef: TypeORB, IsDefault: true})
	e := newTestEngine(store, nil)
	req := Request{Category: CategoryDayTrading, Timeframe: "1m"}

	ranging := feature.Features{"is_range_regime": 1}
	sigs, err := e.Run(context.Background(), req, orbSeries(21), ranging)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.InDelta(t, 0.6*0.9, sigs[0].Confidence, 1e-9)
	assert.Equal(t, string(RegimeRanging), sigs[0].Metadata["market_regime"])

	assert.Equal(t, 0.1, clamp(0.01, minConfidence, maxConfidence))
	assert.Equal(t, 0.95, clamp(1.3, minConfidence, maxConfidence))
}

func TestEngineSkipsAutoDisabledAndBrokenStrategies(t *testing.T) {
	store := &mockStorage{}
	store.On("ListStrategies", mock.Anything, mock.Anything).Return([]Strategy{
		{Slug: "orb-a", Enabled: true},
		{Slug: "orb-b", Enabled: true},
		{Slug: "broken", Enabled: true},
	}, nil)
	store.On("GetDefaultVersion", mock.Anything, "orb-b").Return(&Version{LogicRef: TypeORB, IsDefault: true}, nil)
	store.On("GetDefaultVersion", mock.Anything, "broken").Return(nil, ErrNoDefaultVersion)

	e := newTestEngine(store, nil, WithHealthGate(gate{"orb-a": true}))
	sigs, err := e.Run(context.Background(), Request{}, orbSeries(21), nil)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "orb-b", sigs[0].StrategySlug)
	store.AssertNotCalled(t, "GetDefaultVersion", mock.Anything, "orb-a")
}

func TestEngineGenerateFetchesAndPersists(t *testing.T) {
	provider := marketdata.NewStatic()
	bars := orbSeries(21)
	provider.Load(bars)

	signals := &mockSignals{}
	signals.On("SaveSignal", mock.Anything, mock.MatchedBy(func(s signal.Signal) bool {
		return s.StrategySlug == "orb-btc" && s.Type == signal.EntryLong
	})).Return(nil).Once()

	store := orbStore(&Version{StrategySlug: "orb-btc", LogicRef: TypeORB, IsDefault: true})
	e := newTestEngine(store, provider, WithSignalStorage(signals), WithMaxSignals(3))

	sigs, err := e.Generate(context.Background(), Request{
		Symbol:    "BTC-USDT",
		Timeframe: "1m",
		Category:  CategoryDayTrading,
		At:        bars[20].Timestamp,
	})
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	signals.AssertExpectations(t)

	_, err = e.Generate(context.Background(), Request{Symbol: "ETH-USDT", Timeframe: "1m", At: bars[20].Timestamp})
	assert.ErrorIs(t, err, marketdata.ErrNoData)
}

func TestLabelRegime(t *testing.T) {
	tests := []struct {
		f    feature.Features
		want MarketRegime
	}{
		{feature.Features{"is_trend_regime": 1, "is_range_regime": 1}, RegimeTrending},
		{feature.Features{"is_range_regime": 1}, RegimeRanging},
		{feature.Features{"is_high_vol_chop": 1}, RegimeVolatile},
		{feature.Features{"is_vol_expansion": 1}, RegimeVolatile},
		{feature.Defaults(), RegimeNeutral},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			assert.Equal(t, tt.want, LabelRegime(tt.f))
		})
	}
	assert.Equal(t, 1.2, ConfidenceMultiplier(RegimeTrending, TypeMomentum))
	assert.Equal(t, 1.0, ConfidenceMultiplier(RegimeNeutral, TypeFadeORB))
}

type observed struct {
	symbol string
	feats  feature.Features
	at     time.Time
}

type featureRecorder struct {
	calls []observed
}

func (r *featureRecorder) ObserveFeatures(_ context.Context, symbol string, f feature.Features, at time.Time) {
	r.calls = append(r.calls, observed{symbol, f, at})
}

func TestEngineObservesLiveFeatures(t *testing.T) {
	store := orbStore(&Version{StrategySlug: "orb-btc", LogicRef: TypeORB, IsDefault: true})
	rec := &featureRecorder{}
	e := newTestEngine(store, nil, WithFeatureObserver(rec))
	feats := feature.Features{"is_trend_regime": 1}

	req := Request{Symbol: "BTC-USDT", Timeframe: "1m", Category: CategoryDayTrading}
	_, err := e.Run(context.Background(), req, orbSeries(21), feats)
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, observed{"BTC-USDT", feats, fixedNow}, rec.calls[0])

	req.Replay = true
	_, err = e.Run(context.Background(), req, orbSeries(21), feats)
	require.NoError(t, err)
	assert.Len(t, rec.calls, 1, "replays do not move the regime")
}
