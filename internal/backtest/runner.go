package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/feature"
	"github.com/amirphl/adaptive-allocator/internal/marketdata"
	"github.com/amirphl/adaptive-allocator/internal/signal"
	"github.com/amirphl/adaptive-allocator/internal/strategy"
)

// Replayer runs strategies over preloaded bars.
type Replayer interface {
	Run(ctx context.Context, req strategy.Request, bars []candle.Candle, feats feature.Features) ([]signal.Signal, error)
	Features(symbol string, bars1m []candle.Candle, at time.Time) feature.Features
}

type Request struct {
	Symbol    string    `json:"symbol" binding:"required"`
	Timeframe string    `json:"timeframe" binding:"required"`
	Slugs     []string  `json:"strategies"`
	From      time.Time `json:"from" binding:"required"`
	To        time.Time `json:"to" binding:"required"`
	// Persist stores replayed signals and outcomes so the nightly evaluation can use them.
	Persist bool `json:"persist"`
}

type StrategyReport struct {
	Metrics      Metrics              `json:"metrics"`
	Signals      []signal.Signal      `json:"-"`
	Performances []signal.Performance `json:"-"`
}

type Report struct {
	Symbol     string                     `json:"symbol"`
	Timeframe  string                     `json:"timeframe"`
	Bars       int                        `json:"bars"`
	Strategies map[string]*StrategyReport `json:"strategies"`
}

type Runner struct {
	replayer Replayer
	provider marketdata.Provider
	signals  signal.Storage
	cfg      SimConfig
	logger   *zap.Logger
}

func NewRunner(replayer Replayer, provider marketdata.Provider, signals signal.Storage, cfg SimConfig, logger *zap.Logger) *Runner {
	return &Runner{replayer: replayer, provider: provider, signals: signals, cfg: cfg, logger: logger}
}

// Run replays the requested strategies over [From, To) and closes every signal they emit.
func (r *Runner) Run(ctx context.Context, req Request) (*Report, error) {
	if !req.From.Before(req.To) {
		return nil, fmt.Errorf("backtest window %s..%s is empty", req.From.Format(time.RFC3339), req.To.Format(time.RFC3339))
	}
	bars, err := r.provider.FetchCandles(ctx, req.Symbol, req.Timeframe, req.From, req.To.Add(-time.Nanosecond))
	if err != nil {
		return nil, fmt.Errorf("loading bars: %w", err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%w: %s %s", marketdata.ErrNoData, req.Symbol, req.Timeframe)
	}
	r.logger.Info("Backtest | loaded bars",
		zap.String("symbol", req.Symbol),
		zap.String("timeframe", req.Timeframe),
		zap.Int("bars", len(bars)))

	var feats feature.Features
	if req.Timeframe == "1m" {
		feats = r.replayer.Features(req.Symbol, bars, req.To)
	} else {
		feats = r.replayer.Features(req.Symbol, nil, req.To)
	}

	sigs, err := r.replayer.Run(ctx, strategy.Request{
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Slugs:     req.Slugs,
		Replay:    true,
		At:        req.To,
	}, bars, feats)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Symbol:     req.Symbol,
		Timeframe:  req.Timeframe,
		Bars:       len(bars),
		Strategies: map[string]*StrategyReport{},
	}
	bySlug := map[string][]signal.Signal{}
	for _, s := range sigs {
		bySlug[s.StrategySlug] = append(bySlug[s.StrategySlug], s)
	}
	for slug, ss := range bySlug {
		sort.SliceStable(ss, func(i, j int) bool { return ss[i].Time.Before(ss[j].Time) })
		perfs := Simulate(ss, bars, r.cfg)
		report.Strategies[slug] = &StrategyReport{
			Metrics:      Compute(signal.Returns(perfs)),
			Signals:      ss,
			Performances: perfs,
		}
		if req.Persist {
			if err := r.persist(ctx, ss, perfs); err != nil {
				return nil, err
			}
		}
	}
	for slug, sr := range report.Strategies {
		m := sr.Metrics
		r.logger.Info("Backtest | strategy result",
			zap.String("strategy", slug),
			zap.Int("trades", m.TotalTrades),
			zap.Float64("win_rate", m.WinRate),
			zap.Float64("profit_factor", m.ProfitFactor),
			zap.Float64("sharpe", m.SharpeRatio),
			zap.Float64("max_drawdown", m.MaxDrawdown))
	}
	return report, nil
}

func (r *Runner) persist(ctx context.Context, sigs []signal.Signal, perfs []signal.Performance) error {
	if r.signals == nil {
		return nil
	}
	for _, s := range sigs {
		if err := r.signals.SaveSignal(ctx, s); err != nil {
			return fmt.Errorf("saving signal %s: %w", s.ID, err)
		}
	}
	for _, p := range perfs {
		if err := r.signals.SavePerformance(ctx, p); err != nil {
			return fmt.Errorf("saving performance of %s: %w", p.SignalID, err)
		}
	}
	return nil
}
