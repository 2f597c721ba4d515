package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amirphl/adaptive-allocator/internal/backtest"
	"github.com/amirphl/adaptive-allocator/internal/bandit"
	"github.com/amirphl/adaptive-allocator/internal/config"
	"github.com/amirphl/adaptive-allocator/internal/db"
	"github.com/amirphl/adaptive-allocator/internal/nightly"
	"github.com/amirphl/adaptive-allocator/internal/optimizer"
	"github.com/amirphl/adaptive-allocator/internal/queue"
	"github.com/amirphl/adaptive-allocator/internal/regime"
	"github.com/amirphl/adaptive-allocator/internal/signal"
	"github.com/amirphl/adaptive-allocator/internal/strategy"
)

func init() { gin.SetMode(gin.TestMode) }

type mockNightly struct{ mock.Mock }

func (m *mockNightly) RunNightlyCycle(ctx context.Context) (*nightly.CycleReport, error) {
	args := m.Called(ctx)
	r, _ := args.Get(0).(*nightly.CycleReport)
	return r, args.Error(1)
}

func (m *mockNightly) EvaluateStrategy(ctx context.Context, s strategy.Strategy) nightly.StrategyResult {
	return m.Called(ctx, s).Get(0).(nightly.StrategyResult)
}

func (m *mockNightly) Health(ctx context.Context) ([]nightly.HealthRecord, error) {
	args := m.Called(ctx)
	h, _ := args.Get(0).([]nightly.HealthRecord)
	return h, args.Error(1)
}

type mockAllocator struct{ mock.Mock }

func (m *mockAllocator) AllocationWeights(ctx context.Context, samples int) (map[string]float64, error) {
	args := m.Called(ctx, samples)
	w, _ := args.Get(0).(map[string]float64)
	return w, args.Error(1)
}

func (m *mockAllocator) ExpectedWinRates(ctx context.Context) (map[string]float64, error) {
	args := m.Called(ctx)
	w, _ := args.Get(0).(map[string]float64)
	return w, args.Error(1)
}

func (m *mockAllocator) Select(ctx context.Context, regimeCtx string) (bandit.Selection, error) {
	args := m.Called(ctx, regimeCtx)
	return args.Get(0).(bandit.Selection), args.Error(1)
}

type generatorFunc func(ctx context.Context, req strategy.Request) ([]signal.Signal, error)

func (f generatorFunc) Generate(ctx context.Context, req strategy.Request) ([]signal.Signal, error) {
	return f(ctx, req)
}

type backtesterFunc func(ctx context.Context, req backtest.Request) (*backtest.Report, error)

func (f backtesterFunc) Run(ctx context.Context, req backtest.Request) (*backtest.Report, error) {
	return f(ctx, req)
}

type fixture struct {
	store     *db.MemoryStorage
	nightly   *mockNightly
	allocator *mockAllocator
	queue     *queue.Channel
	handler   http.Handler
}

func newFixture(t *testing.T, deps Deps) *fixture {
	t.Helper()
	f := &fixture{
		store:     db.NewMemory(),
		nightly:   &mockNightly{},
		allocator: &mockAllocator{},
		queue:     queue.NewChannel(4, zap.NewNop()),
	}
	ctx := context.Background()
	require.NoError(t, f.store.SaveStrategy(ctx, strategy.Strategy{
		Slug: "orb-btc", Name: "ORB BTC", Category: strategy.CategoryDayTrading, Timeframes: []string{"5m"}, Enabled: true,
	}))
	require.NoError(t, f.store.SaveVersion(ctx, strategy.Version{
		StrategySlug: "orb-btc", Version: 1, LogicRef: strategy.TypeORB, IsDefault: true,
	}))

	deps.Strategies = f.store
	deps.Signals = f.store
	deps.Runs = f.store
	deps.Nightly = f.nightly
	deps.Allocator = f.allocator
	deps.Requests = f.queue
	f.handler = New(deps, config.Default().HTTP, zap.NewNop()).Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var resp apiResponse
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestProbes(t *testing.T) {
	f := newFixture(t, Deps{})
	rec, _ := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStrategies(t *testing.T) {
	f := newFixture(t, Deps{})

	rec, resp := f.do(t, http.MethodGet, "/api/v1/strategies?category=day_trading", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, resp.Meta["count"])

	rec, _ = f.do(t, http.MethodPatch, "/api/v1/strategies/orb-btc", map[string]any{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	st, err := f.store.GetStrategy(context.Background(), "orb-btc")
	require.NoError(t, err)
	assert.False(t, st.Enabled)

	rec, _ = f.do(t, http.MethodPatch, "/api/v1/strategies/orb-btc", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPatch, "/api/v1/strategies/missing", map[string]any{"enabled": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEvaluateStrategy(t *testing.T) {
	f := newFixture(t, Deps{})
	f.nightly.On("EvaluateStrategy", mock.Anything, mock.MatchedBy(func(s strategy.Strategy) bool { return s.Slug == "orb-btc" })).
		Return(nightly.StrategyResult{StrategySlug: "orb-btc", Result: nightly.ResultSkipped})

	rec, resp := f.do(t, http.MethodPost, "/api/v1/strategies/orb-btc/evaluate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "skipped", resp.Data.(map[string]any)["result"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/strategies/missing/evaluate", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	f.nightly.AssertExpectations(t)
}

func TestRequestOptimization(t *testing.T) {
	f := newFixture(t, Deps{})

	rec, resp := f.do(t, http.MethodPost, "/api/v1/strategies/orb-btc/optimize", map[string]any{"trials": 20})
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := resp.Data.(map[string]any)["id"].(string)

	got := make(chan queue.Request, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = f.queue.Consume(ctx, func(_ context.Context, r queue.Request) error {
			got <- r
			return nil
		})
	}()
	select {
	case r := <-got:
		assert.Equal(t, id, r.ID)
		assert.Equal(t, "orb-btc", r.StrategySlug)
		assert.Equal(t, 20, r.Trials)
		assert.Equal(t, "api request", r.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("request was not queued")
	}

	rec, _ = f.do(t, http.MethodPost, "/api/v1/strategies/missing/optimize", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = f.do(t, http.MethodPost, "/api/v1/strategies/orb-btc/optimize", map[string]any{"trials": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNightlyEndpoints(t *testing.T) {
	f := newFixture(t, Deps{})
	f.nightly.On("RunNightlyCycle", mock.Anything).Return(&nightly.CycleReport{
		Tested: 4, Passed: 3, PassRate: 0.75, Recommendation: nightly.Recommendation(0.75),
	}, nil).Once()
	f.nightly.On("RunNightlyCycle", mock.Anything).Return(nil, nightly.ErrCycleRunning).Once()
	f.nightly.On("Health", mock.Anything).Return([]nightly.HealthRecord{{StrategySlug: "orb-btc", AutoDisabled: true}}, nil)

	rec, resp := f.do(t, http.MethodPost, "/api/v1/nightly/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0.75, resp.Data.(map[string]any)["pass_rate"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/nightly/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, resp = f.do(t, http.MethodGet, "/api/v1/nightly/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, resp.Meta["count"])
}

func TestAllocationEndpoints(t *testing.T) {
	f := newFixture(t, Deps{})
	f.allocator.On("AllocationWeights", mock.Anything, 500).Return(map[string]float64{"orb-btc": 0.7, "fade-eth": 0.3}, nil)
	f.allocator.On("ExpectedWinRates", mock.Anything).Return(map[string]float64{"orb-btc": 0.6}, nil)
	f.allocator.On("Select", mock.Anything, "TRENDING").Return(bandit.Selection{StrategySlug: "orb-btc", Sample: 0.8}, nil)
	f.allocator.On("Select", mock.Anything, "").Return(bandit.Selection{}, bandit.ErrNoArms)

	rec, resp := f.do(t, http.MethodGet, "/api/v1/allocation/weights?samples=500", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0.7, resp.Data.(map[string]any)["orb-btc"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/allocation/win-rates", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp = f.do(t, http.MethodGet, "/api/v1/allocation/select?regime=TRENDING", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "orb-btc", resp.Data.(map[string]any)["strategy_slug"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/allocation/select", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	f.allocator.AssertExpectations(t)
}

func TestGenerateSignals(t *testing.T) {
	integration := regime.NewIntegration()
	integration.SetGlobal(regime.CryptoAltSeason)
	var got strategy.Request
	engine := generatorFunc(func(_ context.Context, req strategy.Request) ([]signal.Signal, error) {
		got = req
		return []signal.Signal{{
			ID: "s1", StrategySlug: "orb-btc", Symbol: req.Symbol, Timeframe: req.Timeframe, Type: signal.EntryLong,
			Price: 100, Stop: 99, Target: 102, Confidence: 0.7, Metadata: map[string]any{"strategy_type": "orb"},
		}}, nil
	})
	f := newFixture(t, Deps{Engine: engine, Sizer: integration})

	rec, resp := f.do(t, http.MethodPost, "/api/v1/signals/generate", map[string]any{
		"symbol": "BTCUSDT", "timeframe": "5m", "strategies": []string{"orb-btc"},
		"overrides": map[string]any{"orb-btc": map[string]float64{"take_profit_r": 3}},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"orb-btc"}, got.Slugs)
	assert.Equal(t, 3.0, got.Overrides["orb-btc"]["take_profit_r"])

	items := resp.Data.([]any)
	require.Len(t, items, 1)
	sig := items[0].(map[string]any)
	assert.Equal(t, "s1", sig["id"])
	assert.InDelta(t, 1.1, sig["position_multiplier"], 1e-9)
	controls := resp.Meta["risk_controls"].(map[string]any)
	assert.InDelta(t, 0.9, controls["stop_tightness"], 1e-9)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/signals/generate", map[string]any{"symbol": "BTCUSDT"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListSignals(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()
	at := time.Date(2024, 6, 10, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.store.SaveSignal(ctx, signal.Signal{
			ID: string(rune('a' + i)), StrategySlug: "orb-btc", Symbol: "BTCUSDT", Timeframe: "5m",
			Type: signal.EntryLong, Price: 100, Stop: 99, Target: 102, Time: at.Add(time.Duration(i) * time.Hour),
		}))
	}

	rec, resp := f.do(t, http.MethodGet, "/api/v1/signals?strategy=orb-btc&limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := resp.Data.([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].(map[string]any)["id"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/signals?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBacktest(t *testing.T) {
	var got backtest.Request
	bt := backtesterFunc(func(_ context.Context, req backtest.Request) (*backtest.Report, error) {
		got = req
		return &backtest.Report{Symbol: req.Symbol, Timeframe: req.Timeframe, Bars: 100}, nil
	})
	f := newFixture(t, Deps{Backtester: bt})

	body := map[string]any{
		"symbol": "BTCUSDT", "timeframe": "5m", "strategies": []string{"orb-btc"},
		"from": "2024-05-01T00:00:00Z", "to": "2024-06-01T00:00:00Z", "persist": true,
	}
	rec, resp := f.do(t, http.MethodPost, "/api/v1/backtest", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, got.Persist)
	assert.EqualValues(t, 100, resp.Data.(map[string]any)["bars"])

	body["to"] = "2024-04-01T00:00:00Z"
	rec, _ = f.do(t, http.MethodPost, "/api/v1/backtest", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOptimizationRuns(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()
	created := time.Date(2024, 6, 10, 2, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2"} {
		require.NoError(t, f.store.CreateRun(ctx, optimizer.Run{
			ID: id, StrategySlug: "orb-btc", Status: optimizer.StatusPending, CreatedAt: created.Add(time.Duration(i) * time.Minute),
		}))
	}

	rec, resp := f.do(t, http.MethodGet, "/api/v1/optimization/runs?strategy=orb-btc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	items := resp.Data.([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "r2", items[0].(map[string]any)["id"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/optimization/runs/r1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/v1/optimization/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
