// Package server exposes the allocator over HTTP: liveness, prometheus metrics, the nightly
// trigger, allocation weights, signal generation, backtests and optimization runs.
package server

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/amirphl/adaptive-allocator/internal/backtest"
	"github.com/amirphl/adaptive-allocator/internal/bandit"
	"github.com/amirphl/adaptive-allocator/internal/config"
	"github.com/amirphl/adaptive-allocator/internal/metrics"
	"github.com/amirphl/adaptive-allocator/internal/nightly"
	"github.com/amirphl/adaptive-allocator/internal/optimizer"
	"github.com/amirphl/adaptive-allocator/internal/queue"
	"github.com/amirphl/adaptive-allocator/internal/regime"
	"github.com/amirphl/adaptive-allocator/internal/signal"
	"github.com/amirphl/adaptive-allocator/internal/strategy"
)

type Nightly interface {
	RunNightlyCycle(ctx context.Context) (*nightly.CycleReport, error)
	EvaluateStrategy(ctx context.Context, s strategy.Strategy) nightly.StrategyResult
	Health(ctx context.Context) ([]nightly.HealthRecord, error)
}

type Allocator interface {
	AllocationWeights(ctx context.Context, samples int) (map[string]float64, error)
	ExpectedWinRates(ctx context.Context) (map[string]float64, error)
	Select(ctx context.Context, regimeCtx string) (bandit.Selection, error)
}

type Generator interface {
	Generate(ctx context.Context, req strategy.Request) ([]signal.Signal, error)
}

type Backtester interface {
	Run(ctx context.Context, req backtest.Request) (*backtest.Report, error)
}

// Sizer maps signals onto position multipliers and risk controls.
type Sizer interface {
	PositionMultiplier(s signal.Signal) float64
	RiskControls(symbol string) regime.RiskControls
}

// Deps are the services the handlers call. DB may be nil; readiness then only reports ok.
type Deps struct {
	DB         *sql.DB
	Strategies strategy.Storage
	Signals    signal.Storage
	Runs       optimizer.RunStorage
	Nightly    Nightly
	Allocator  Allocator
	Engine     Generator
	Backtester Backtester
	Requests   queue.Publisher
	Sizer      Sizer
}

type Server struct {
	deps   Deps
	cfg    config.HTTPConfig
	engine *gin.Engine
	logger *zap.Logger
}

func New(deps Deps, cfg config.HTTPConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	s.routes(r)
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", s.healthz)
	r.GET("/readyz", s.readyz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api/v1")
	api.GET("/strategies", s.listStrategies)
	api.PATCH("/strategies/:slug", s.setStrategyEnabled)
	api.POST("/strategies/:slug/evaluate", s.evaluateStrategy)
	api.POST("/strategies/:slug/optimize", s.requestOptimization)

	api.GET("/signals", s.listSignals)
	api.POST("/signals/generate", s.generateSignals)
	api.POST("/backtest", s.backtest)

	api.POST("/nightly/run", s.runNightly)
	api.GET("/nightly/health", s.nightlyHealth)

	api.GET("/allocation/weights", s.allocationWeights)
	api.GET("/allocation/win-rates", s.winRates)
	api.GET("/allocation/select", s.selectArm)

	api.GET("/optimization/runs", s.listRuns)
	api.GET("/optimization/runs/:id", s.getRun)
}

// Run serves until ctx is done, then shuts down within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Server | listening", zap.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("Server | stopped")
	return nil
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/healthz" {
			return
		}
		s.logger.Info("Server | request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readyz(c *gin.Context) {
	if s.deps.DB != nil {
		if err := s.deps.DB.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
