package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/amirphl/adaptive-allocator/internal/backtest"
	"github.com/amirphl/adaptive-allocator/internal/bandit"
	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/config"
	"github.com/amirphl/adaptive-allocator/internal/db"
	"github.com/amirphl/adaptive-allocator/internal/db/conf"
	"github.com/amirphl/adaptive-allocator/internal/feature"
	"github.com/amirphl/adaptive-allocator/internal/lock"
	"github.com/amirphl/adaptive-allocator/internal/logger"
	"github.com/amirphl/adaptive-allocator/internal/marketdata"
	"github.com/amirphl/adaptive-allocator/internal/nightly"
	"github.com/amirphl/adaptive-allocator/internal/notifier"
	"github.com/amirphl/adaptive-allocator/internal/optimizer"
	"github.com/amirphl/adaptive-allocator/internal/queue"
	"github.com/amirphl/adaptive-allocator/internal/regime"
	"github.com/amirphl/adaptive-allocator/internal/scheduler"
	"github.com/amirphl/adaptive-allocator/internal/server"
	"github.com/amirphl/adaptive-allocator/internal/strategy"
)

// app holds the wired services of one process.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	store     db.Storage
	queue     queue.Queue
	allocator *bandit.Allocator
	evaluator *nightly.Evaluator
	engine    *strategy.Engine
	backtest  *backtest.Runner
	optimizer *optimizer.Service
	integ     *regime.Integration
	closers   []func() error
}

func main() {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := config.Load(flags.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting adaptive allocator", zap.String("mode", flags.Mode))
	if err := run(ctx, flags, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Exited with error", zap.String("mode", flags.Mode), zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
	log.Info("Shutdown complete")
}

func run(ctx context.Context, flags config.Flags, cfg config.Config, log *zap.Logger) error {
	if flags.Mode == config.ModeMigrate {
		return runMigrate(ctx, cfg, flags.Down, log)
	}
	if flags.Trials > 0 {
		cfg.Optimizer.Search.Trials = flags.Trials
	}

	a, err := build(ctx, cfg, flags.Mode, log)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.seedStrategies(ctx); err != nil {
		return err
	}

	switch flags.Mode {
	case config.ModeServe:
		return a.serve(ctx)
	case config.ModeNightly:
		return a.runNightly(ctx)
	case config.ModeOptimize:
		return a.runOptimize(ctx, flags.Strategy)
	case config.ModeBacktest:
		return a.runBacktest(ctx, flags)
	}
	return fmt.Errorf("unsupported mode %q", flags.Mode)
}

func runMigrate(ctx context.Context, cfg config.Config, down bool, log *zap.Logger) error {
	if cfg.DB.ConnStr == "" {
		return errors.New("migrate mode needs db.conn_str")
	}
	if err := db.EnsureDatabase(ctx, cfg.DB.ConnStr, log); err != nil {
		return err
	}
	dbCfg, err := conf.NewConfig(cfg.DB.ConnStr, 1, 1)
	if err != nil {
		return err
	}
	defer dbCfg.DB.Close()
	if down {
		return db.Rollback(dbCfg.DB, log)
	}
	return db.Migrate(dbCfg.DB, log)
}

func build(ctx context.Context, cfg config.Config, mode string, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	if err := a.openStorage(ctx); err != nil {
		return nil, err
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		locker = lock.NewRedis(client, cfg.Redis.Lock, log)
		log.Info("Using redis arm lock", zap.String("addr", cfg.Redis.Addr))
	}

	switch {
	case cfg.RabbitMQ.URL != "":
		rq, err := queue.DialRabbit(ctx, cfg.RabbitMQ, log)
		if err != nil {
			return nil, err
		}
		a.queue = rq
		a.closers = append(a.closers, rq.Close)
	case mode == config.ModeNightly:
		// No worker runs in this mode; requests are drained after the cycle.
		a.queue = &pending{}
	default:
		ch := queue.NewChannel(0, log)
		a.queue = ch
		a.closers = append(a.closers, ch.Close)
	}

	notes := notifier.Multi{notifier.NewLog(log)}
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != "" {
		notes = append(notes, notifier.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID))
	}

	var provider marketdata.Provider = marketdata.NewRetrying(marketdata.NewWallex(cfg.Wallex.APIKey, log), cfg.Wallex.Retry, log)
	if cfg.Wallex.Cache {
		provider = marketdata.NewCached(a.store, provider, log)
	}

	a.allocator = bandit.NewAllocator(a.store, a.store, locker, cfg.Bandit, log)
	a.evaluator = nightly.NewEvaluator(a.store, a.store, a.store, a.allocator, a.queue, notes, cfg.Nightly, log)
	a.integ = regime.NewIntegration()
	tracker := regime.NewTracker(a.integ, regime.NewMonitor(a.store, log), cfg.Regime.Market, cfg.Regime.Benchmark, log)

	a.engine = strategy.NewEngine(a.store, provider, feature.NewExtractor(cfg.Engine.Patterns, log),
		strategy.Generators(cfg.Engine.Patterns), cfg.SearchSpaces, log,
		strategy.WithSignalStorage(a.store),
		strategy.WithHealthGate(a.evaluator),
		strategy.WithFeatureObserver(tracker),
		strategy.WithMaxSignals(cfg.Engine.MaxSignals),
		strategy.WithLookback(cfg.Engine.Lookback),
	)
	a.backtest = backtest.NewRunner(a.engine, provider, a.store, backtest.DefaultSimConfig(), log)
	a.optimizer = optimizer.NewService(a.store, a.store, a.store, a.store, cfg.SearchSpaces, cfg.Optimizer, log)

	ok = true
	return a, nil
}

// openStorage connects to postgres, or falls back to process memory when no connection
// string is configured.
func (a *app) openStorage(ctx context.Context) error {
	if a.cfg.DB.ConnStr == "" {
		a.logger.Warn("No db.conn_str configured, state lives in memory only")
		a.store = db.NewMemory()
		return nil
	}
	if a.cfg.DB.Migrate {
		if err := db.EnsureDatabase(ctx, a.cfg.DB.ConnStr, a.logger); err != nil {
			return err
		}
	}
	dbCfg, err := conf.NewConfig(a.cfg.DB.ConnStr, a.cfg.DB.MaxOpen, a.cfg.DB.MaxIdle)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, dbCfg.DB.Close)
	if a.cfg.DB.Migrate {
		if err := db.Migrate(dbCfg.DB, a.logger); err != nil {
			return err
		}
	}
	store, err := db.New(*dbCfg)
	if err != nil {
		return err
	}
	a.store = store
	a.logger.Info("Connected to Postgres")
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Close failed", zap.Error(err))
		}
	}
	a.closers = nil
}

// seedStrategies creates configured strategies that do not exist yet, gives each a default
// version and a bandit arm. Existing strategies and versions are left as they are.
func (a *app) seedStrategies(ctx context.Context) error {
	var slugs []string
	for _, s := range a.cfg.Strategies {
		err := a.store.SaveStrategy(ctx, strategy.Strategy{
			Slug:       s.Slug,
			Name:       s.Name,
			Category:   s.Category,
			Timeframes: s.Timeframes,
			Enabled:    !s.Disabled,
		})
		if err != nil {
			return fmt.Errorf("failed to seed strategy %s: %w", s.Slug, err)
		}
		_, err = a.store.GetDefaultVersion(ctx, s.Slug)
		switch {
		case errors.Is(err, strategy.ErrNoDefaultVersion):
			v := strategy.Version{StrategySlug: s.Slug, Version: 1, LogicRef: s.Type, IsDefault: true, OptimalParams: s.Params}
			if err := a.store.SaveVersion(ctx, v); err != nil {
				return fmt.Errorf("failed to seed version of %s: %w", s.Slug, err)
			}
		case err != nil:
			return err
		}
		slugs = append(slugs, s.Slug)
	}
	if len(slugs) == 0 {
		return nil
	}
	if err := a.allocator.Register(ctx, slugs...); err != nil {
		return err
	}
	a.logger.Info("Strategies seeded", zap.Int("count", len(slugs)))
	return nil
}

func (a *app) serve(ctx context.Context) error {
	sched := scheduler.New(ctx, a.logger)
	if _, err := sched.AddNightly(a.cfg.Nightly.Schedule, a.evaluator); err != nil {
		return err
	}
	if _, err := sched.AddPriorDecay(a.cfg.Bandit.DecaySchedule, a.allocator); err != nil {
		return err
	}

	srv := server.New(server.Deps{
		DB:         a.store.GetDB(),
		Strategies: a.store,
		Signals:    a.store,
		Runs:       a.store,
		Nightly:    a.evaluator,
		Allocator:  a.allocator,
		Engine:     a.engine,
		Backtester: a.backtest,
		Requests:   a.queue,
		Sizer:      a.integ,
	}, a.cfg.HTTP, a.logger)
	pool := optimizer.NewPool(a.queue, a.optimizer, a.cfg.Optimizer.Workers, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		sched.Start()
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	return g.Wait()
}

func (a *app) runNightly(ctx context.Context) error {
	report, err := a.evaluator.RunNightlyCycle(ctx)
	if err != nil {
		return err
	}
	a.logger.Info("Nightly cycle finished",
		zap.Int("tested", report.Tested),
		zap.Int("passed", report.Passed),
		zap.Float64("pass_rate", report.PassRate),
		zap.String("recommendation", report.Recommendation))

	p, ok := a.queue.(*pending)
	if !ok {
		return nil
	}
	for _, r := range p.drain() {
		res := a.optimizer.Optimize(ctx, r.StrategySlug, r.ID)
		a.logger.Info("Optimization finished",
			zap.String("strategy", r.StrategySlug),
			zap.Bool("success", res.Success),
			zap.String("message", res.Message))
	}
	return nil
}

func (a *app) runOptimize(ctx context.Context, slug string) error {
	res := a.optimizer.Optimize(ctx, slug, "")
	a.logger.Info("Optimization finished",
		zap.String("strategy", slug),
		zap.String("run_id", res.RunID),
		zap.Bool("success", res.Success),
		zap.Float64("best_value", res.BestValue),
		zap.Any("best_params", res.BestParams),
		zap.Int("trials", res.Trials))
	if !res.Success {
		return errors.New(res.Message)
	}
	return nil
}

func (a *app) runBacktest(ctx context.Context, flags config.Flags) error {
	runner := a.backtest
	if flags.CandlesFile != "" {
		candles, err := loadCandles(flags.CandlesFile, flags.Symbol, flags.Timeframe)
		if err != nil {
			return err
		}
		static := marketdata.NewStatic()
		static.Load(candles)
		runner = backtest.NewRunner(a.engine, static, a.store, backtest.DefaultSimConfig(), a.logger)
		a.logger.Info("Backtest replaying local candles", zap.String("file", flags.CandlesFile), zap.Int("candles", len(candles)))
	}
	report, err := runner.Run(ctx, backtest.Request{
		Symbol:    flags.Symbol,
		Timeframe: flags.Timeframe,
		Slugs:     []string{flags.Strategy},
		From:      flags.From,
		To:        flags.To,
	})
	if err != nil {
		return err
	}
	for slug, sr := range report.Strategies {
		m := sr.Metrics
		a.logger.Info("Backtest result",
			zap.String("strategy", slug),
			zap.Int("bars", report.Bars),
			zap.Int("trades", m.TotalTrades),
			zap.Float64("win_rate", m.WinRate),
			zap.Float64("sharpe", m.SharpeRatio),
			zap.Float64("max_drawdown", m.MaxDrawdown),
			zap.Float64("total_return", m.TotalReturn))
	}
	name := fmt.Sprintf("backtest_%s_%s_%s.csv", flags.Strategy, flags.Symbol, flags.Timeframe)
	if err := saveCSV(name, report); err != nil {
		return err
	}
	a.logger.Info("Backtest results saved", zap.String("file", name))
	return nil
}

func saveCSV(filename string, report *backtest.Report) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filename, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	_ = w.Write([]string{"strategy", "trades", "wins", "losses", "win_rate", "avg_win", "avg_loss",
		"profit_factor", "sharpe", "max_drawdown", "total_return"})
	slugs := make([]string, 0, len(report.Strategies))
	for slug := range report.Strategies {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	for _, slug := range slugs {
		m := report.Strategies[slug].Metrics
		_ = w.Write([]string{
			slug,
			strconv.Itoa(m.TotalTrades),
			strconv.Itoa(m.WinningTrades),
			strconv.Itoa(m.LosingTrades),
			ftoa(m.WinRate),
			ftoa(m.AvgWin),
			ftoa(m.AvgLoss),
			ftoa(m.ProfitFactor),
			ftoa(m.SharpeRatio),
			ftoa(m.MaxDrawdown),
			ftoa(m.TotalReturn),
		})
	}
	w.Flush()
	return w.Error()
}

// loadCandles reads rows of timestamp (RFC3339 or unix seconds), open, high, low, close, volume.
// A header row is skipped.
func loadCandles(filename, symbol, timeframe string) ([]candle.Candle, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filename, err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	out := make([]candle.Candle, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("%s:%d: expected 6 columns, got %d", filename, i+1, len(row))
		}
		ts, err := parseTimestamp(row[0])
		if err != nil {
			if i == 0 {
				continue
			}
			return nil, fmt.Errorf("%s:%d: %w", filename, i+1, err)
		}
		var v [5]float64
		for j := range v {
			if v[j], err = strconv.ParseFloat(row[j+1], 64); err != nil {
				return nil, fmt.Errorf("%s:%d: column %d: %w", filename, i+1, j+2, err)
			}
		}
		c := candle.Candle{
			Timestamp: ts, Open: v[0], High: v[1], Low: v[2], Close: v[3], Volume: v[4],
			Symbol: symbol, Timeframe: timeframe, Source: "csv",
		}
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", filename, i+1, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', 6, 64) }

// pending collects requests published during a one-shot nightly run.
type pending struct {
	mu   sync.Mutex
	reqs []queue.Request
}

func (p *pending) Publish(_ context.Context, r queue.Request) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, r)
	return nil
}

func (p *pending) Consume(ctx context.Context, _ queue.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (p *pending) Close() error { return nil }

func (p *pending) drain() []queue.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.reqs
	p.reqs = nil
	return out
}
