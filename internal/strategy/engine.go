package strategy

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/feature"
	"github.com/amirphl/adaptive-allocator/internal/marketdata"
	"github.com/amirphl/adaptive-allocator/internal/metrics"
	"github.com/amirphl/adaptive-allocator/internal/signal"
)

const (
	DefaultMaxSignals = 5
	DefaultLookback   = 390
	featureBars1m     = 390

	minConfidence = 0.1
)

// MarketRegime is the coarse label the engine derives from features to weight strategy types.
type MarketRegime string

const (
	RegimeTrending MarketRegime = "TRENDING"
	RegimeRanging  MarketRegime = "RANGING"
	RegimeVolatile MarketRegime = "VOLATILE"
	RegimeNeutral  MarketRegime = "NEUTRAL"
)

var confidenceMultipliers = map[MarketRegime]map[Type]float64{
	RegimeTrending: {TypeMomentum: 1.2, TypeORB: 1.0, TypeSupplyDemand: 0.9, TypeFadeORB: 0.7},
	RegimeRanging:  {TypeMomentum: 0.8, TypeORB: 0.9, TypeSupplyDemand: 1.1, TypeFadeORB: 1.2},
	RegimeVolatile: {TypeMomentum: 1.1, TypeORB: 1.0, TypeSupplyDemand: 0.9, TypeFadeORB: 0.8},
}

// LabelRegime classifies the feature map into a MarketRegime.
func LabelRegime(f feature.Features) MarketRegime {
	switch {
	case f.Flag("is_trend_regime"):
		return RegimeTrending
	case f.Flag("is_range_regime"):
		return RegimeRanging
	case f.Flag("is_high_vol_chop"), f.Flag("is_vol_expansion"):
		return RegimeVolatile
	}
	return RegimeNeutral
}

// ConfidenceMultiplier weights a strategy type under a regime label.
func ConfidenceMultiplier(r MarketRegime, t Type) float64 {
	if m, ok := confidenceMultipliers[r][t]; ok {
		return m
	}
	return 1.0
}

// HealthGate reports strategies the nightly evaluator has switched off.
type HealthGate interface {
	IsAutoDisabled(ctx context.Context, slug string) (bool, error)
}

// FeatureObserver receives the features of every live request, e.g. to track regime changes.
type FeatureObserver interface {
	ObserveFeatures(ctx context.Context, symbol string, f feature.Features, at time.Time)
}

type Request struct {
	Symbol    string
	Timeframe string
	Lookback  int      // bars of Timeframe to fetch
	Slugs     []string // empty selects every enabled strategy
	Category  Category
	UserID    string
	Overrides map[string]map[string]float64 // strategy slug -> parameter overrides
	Replay    bool                          // keep signals on every bar, not only the latest
	At        time.Time
}

type Engine struct {
	strategies Storage
	signals    signal.Storage
	provider   marketdata.Provider
	extractor  *feature.Extractor
	generators map[Type]Generator
	spaces     SearchSpaces
	gate       HealthGate
	observer   FeatureObserver
	maxSignals int
	lookback   int
	logger     *zap.Logger
	now        func() time.Time
}

type EngineOption func(*Engine)

// WithSignalStorage persists every signal returned by a live request.
func WithSignalStorage(s signal.Storage) EngineOption {
	return func(e *Engine) { e.signals = s }
}

func WithHealthGate(g HealthGate) EngineOption {
	return func(e *Engine) { e.gate = g }
}

func WithFeatureObserver(o FeatureObserver) EngineOption {
	return func(e *Engine) { e.observer = o }
}

func WithMaxSignals(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxSignals = n
		}
	}
}

// WithLookback sets the bar count fetched when a request names none.
func WithLookback(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.lookback = n
		}
	}
}

func NewEngine(strategies Storage, provider marketdata.Provider, extractor *feature.Extractor,
	generators map[Type]Generator, spaces SearchSpaces, logger *zap.Logger, opts ...EngineOption,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		strategies: strategies,
		provider:   provider,
		extractor:  extractor,
		generators: generators,
		spaces:     spaces,
		maxSignals: DefaultMaxSignals,
		lookback:   DefaultLookback,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Generate fetches history once, extracts features and runs every selected strategy over it.
func (e *Engine) Generate(ctx context.Context, req Request) ([]signal.Signal, error) {
	if req.At.IsZero() {
		req.At = e.now()
	}
	lookback := req.Lookback
	if lookback <= 0 {
		lookback = e.lookback
	}
	bars, err := marketdata.FetchLatest(ctx, e.provider, req.Symbol, req.Timeframe, lookback, req.At)
	if err != nil {
		return nil, fmt.Errorf("fetching %s %s: %w", req.Symbol, req.Timeframe, err)
	}
	bars1m := bars
	if req.Timeframe != "1m" {
		bars1m, err = marketdata.FetchLatest(ctx, e.provider, req.Symbol, "1m", featureBars1m, req.At)
		if err != nil {
			e.logger.Warn("Engine | no 1m history for features", zap.String("symbol", req.Symbol), zap.Error(err))
			bars1m = nil
		}
	}
	return e.Run(ctx, req, bars, e.Features(req.Symbol, bars1m, req.At))
}

// Features extracts the feature map from a 1m series, aggregating it to 5m for the coarse inputs.
func (e *Engine) Features(symbol string, bars1m []candle.Candle, at time.Time) feature.Features {
	bars5m, err := candle.Aggregate(bars1m, "5m")
	if err != nil {
		bars5m = nil
	}
	return e.extractor.Extract(feature.Input{Symbol: symbol, Bars1m: bars1m, Bars5m: bars5m, At: at})
}

// Run evaluates the selected strategies over preloaded bars. It performs no market data I/O.
func (e *Engine) Run(ctx context.Context, req Request, bars []candle.Candle, feats feature.Features) ([]signal.Signal, error) {
	if len(bars) == 0 {
		return nil, nil
	}
	strategies, err := e.selectStrategies(ctx, req)
	if err != nil {
		return nil, err
	}
	label := LabelRegime(feats)
	last := bars[len(bars)-1].Timestamp
	if e.observer != nil && !req.Replay {
		at := req.At
		if at.IsZero() {
			at = e.now()
		}
		e.observer.ObserveFeatures(ctx, req.Symbol, feats, at)
	}

	var out []signal.Signal
	for _, s := range strategies {
		sigs, err := e.runStrategy(ctx, s, req, bars)
		if err != nil {
			e.logger.Warn("Engine | strategy skipped", zap.String("strategy", s.Slug), zap.Error(err))
			continue
		}
		for _, sig := range sigs {
			if !req.Replay && !sig.Time.Equal(last) {
				continue
			}
			typ, _ := sig.Metadata["strategy_type"].(string)
			sig.Confidence = clamp(sig.Confidence*ConfidenceMultiplier(label, Type(typ)), minConfidence, maxConfidence)
			sig.Metadata["market_regime"] = string(label)
			out = append(out, signal.New(sig, e.now()))
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	if !req.Replay && len(out) > e.maxSignals {
		out = out[:e.maxSignals]
	}

	if !req.Replay {
		for _, sig := range out {
			metrics.AddSignals(sig.StrategySlug, 1)
			if e.signals == nil {
				continue
			}
			if err := e.signals.SaveSignal(ctx, sig); err != nil {
				e.logger.Error("Engine | saving signal", zap.String("strategy", sig.StrategySlug), zap.Error(err))
			}
		}
	}
	return out, nil
}

func (e *Engine) selectStrategies(ctx context.Context, req Request) ([]Strategy, error) {
	all, err := e.strategies.ListStrategies(ctx, Filter{Category: req.Category, EnabledOnly: true})
	if err != nil {
		return nil, fmt.Errorf("listing strategies: %w", err)
	}
	var out []Strategy
	for _, s := range all {
		if len(req.Slugs) > 0 && !slices.Contains(req.Slugs, s.Slug) {
			continue
		}
		if len(s.Timeframes) > 0 && req.Timeframe != "" && !slices.Contains(s.Timeframes, req.Timeframe) {
			continue
		}
		if e.gate != nil {
			disabled, err := e.gate.IsAutoDisabled(ctx, s.Slug)
			if err != nil {
				e.logger.Warn("Engine | health lookup failed", zap.String("strategy", s.Slug), zap.Error(err))
			} else if disabled {
				continue
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// ResolveParams loads the default version of slug and resolves its effective parameters.
func (e *Engine) ResolveParams(ctx context.Context, slug, userID string, overrides map[string]float64) (*Version, Params, error) {
	v, err := e.strategies.GetDefaultVersion(ctx, slug)
	if err != nil {
		return nil, nil, err
	}
	user := MergeOptimal(v.UserOverrides(userID), overrides)
	p, err := Resolve(v.LogicRef, e.spaces[v.LogicRef], v.OptimalParams, user)
	if err != nil {
		return v, nil, err
	}
	return v, p, nil
}

func (e *Engine) runStrategy(ctx context.Context, s Strategy, req Request, bars []candle.Candle) ([]signal.Signal, error) {
	v, p, err := e.ResolveParams(ctx, s.Slug, req.UserID, req.Overrides[s.Slug])
	if err != nil {
		return nil, err
	}
	gen, ok := e.generators[v.LogicRef]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategyType, v.LogicRef)
	}
	sigs := gen.Generate(bars, p)
	for i := range sigs {
		sigs[i].StrategySlug = s.Slug
		if sigs[i].Symbol == "" {
			sigs[i].Symbol = req.Symbol
		}
		if sigs[i].Timeframe == "" {
			sigs[i].Timeframe = req.Timeframe
		}
		if sigs[i].Metadata == nil {
			sigs[i].Metadata = map[string]any{}
		}
		sigs[i].Metadata["strategy_type"] = string(v.LogicRef)
		sigs[i].Metadata["strategy_version"] = v.Version
	}
	return sigs, nil
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
