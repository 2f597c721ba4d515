package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/amirphl/adaptive-allocator/internal/backtest"
	"github.com/amirphl/adaptive-allocator/internal/bandit"
	"github.com/amirphl/adaptive-allocator/internal/marketdata"
	"github.com/amirphl/adaptive-allocator/internal/nightly"
	"github.com/amirphl/adaptive-allocator/internal/optimizer"
	"github.com/amirphl/adaptive-allocator/internal/queue"
	"github.com/amirphl/adaptive-allocator/internal/regime"
	"github.com/amirphl/adaptive-allocator/internal/signal"
	"github.com/amirphl/adaptive-allocator/internal/strategy"
)

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func ok(c *gin.Context, status int, data any, meta map[string]any) {
	c.JSON(status, apiResponse{Code: 0, Message: "ok", Data: data, Meta: meta})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, apiResponse{Code: status, Message: message})
}

// failErr maps err onto a status code and logs server-side failures.
func (s *Server) failErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, strategy.ErrNotFound), errors.Is(err, strategy.ErrNoDefaultVersion),
		errors.Is(err, optimizer.ErrNotFound), errors.Is(err, bandit.ErrNotFound), errors.Is(err, bandit.ErrNoArms), errors.Is(err, signal.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, nightly.ErrCycleRunning):
		status = http.StatusConflict
	case errors.Is(err, strategy.ErrInvalidParams), errors.Is(err, strategy.ErrUnknownStrategyType),
		errors.Is(err, strategy.ErrNoSearchSpace), errors.Is(err, marketdata.ErrNoData):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Server | request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	fail(c, status, err.Error())
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}

func timeQuery(c *gin.Context, key string) (time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func (s *Server) listStrategies(c *gin.Context) {
	f := strategy.Filter{
		Category:    strategy.Category(c.Query("category")),
		EnabledOnly: c.Query("enabled") == "true",
	}
	items, err := s.deps.Strategies.ListStrategies(c.Request.Context(), f)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, items, map[string]any{"count": len(items)})
}

type enabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) setStrategyEnabled(c *gin.Context) {
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	slug := c.Param("slug")
	if err := s.deps.Strategies.SetStrategyEnabled(c.Request.Context(), slug, *req.Enabled); err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"strategy_slug": slug, "enabled": *req.Enabled}, nil)
}

func (s *Server) evaluateStrategy(c *gin.Context) {
	st, err := s.deps.Strategies.GetStrategy(c.Request.Context(), c.Param("slug"))
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, s.deps.Nightly.EvaluateStrategy(c.Request.Context(), *st), nil)
}

type optimizeRequest struct {
	Trials int    `json:"trials"`
	Reason string `json:"reason"`
}

// requestOptimization queues a run; the worker pool picks it up.
func (s *Server) requestOptimization(c *gin.Context) {
	var body optimizeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
	}
	if body.Trials < 0 {
		fail(c, http.StatusBadRequest, "trials must not be negative")
		return
	}
	slug := c.Param("slug")
	if _, err := s.deps.Strategies.GetDefaultVersion(c.Request.Context(), slug); err != nil {
		s.failErr(c, err)
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = "api request"
	}
	req := queue.NewRequest(slug, reason, time.Now().UTC())
	req.Trials = body.Trials
	if err := s.deps.Requests.Publish(c.Request.Context(), req); err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, http.StatusAccepted, req, nil)
}

func (s *Server) listSignals(c *gin.Context) {
	since, err := timeQuery(c, "since")
	if err != nil {
		fail(c, http.StatusBadRequest, "since must be RFC3339")
		return
	}
	until, err := timeQuery(c, "until")
	if err != nil {
		fail(c, http.StatusBadRequest, "until must be RFC3339")
		return
	}
	items, err := s.deps.Signals.ListSignals(c.Request.Context(), signal.Filter{
		StrategySlug: c.Query("strategy"),
		Symbol:       c.Query("symbol"),
		Since:        since,
		Until:        until,
		Limit:        intQuery(c, "limit", 100),
	})
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, items, map[string]any{"count": len(items)})
}

type generateRequest struct {
	Symbol     string                        `json:"symbol" binding:"required"`
	Timeframe  string                        `json:"timeframe" binding:"required"`
	Lookback   int                           `json:"lookback"`
	Strategies []string                      `json:"strategies"`
	Category   strategy.Category             `json:"category"`
	UserID     string                        `json:"user_id"`
	Overrides  map[string]map[string]float64 `json:"overrides"`
}

type sizedSignal struct {
	signal.Signal
	PositionMultiplier float64 `json:"position_multiplier"`
}

func (s *Server) generateSignals(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	sigs, err := s.deps.Engine.Generate(c.Request.Context(), strategy.Request{
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Lookback:  req.Lookback,
		Slugs:     req.Strategies,
		Category:  req.Category,
		UserID:    req.UserID,
		Overrides: req.Overrides,
	})
	if err != nil {
		s.failErr(c, err)
		return
	}

	out := make([]sizedSignal, len(sigs))
	controls := regime.ControlsFor(regime.Neutral)
	for i, sig := range sigs {
		out[i] = sizedSignal{Signal: sig, PositionMultiplier: 1}
		if s.deps.Sizer != nil {
			out[i].PositionMultiplier = s.deps.Sizer.PositionMultiplier(sig)
		}
	}
	if s.deps.Sizer != nil {
		controls = s.deps.Sizer.RiskControls(req.Symbol)
	}
	ok(c, http.StatusOK, out, map[string]any{"count": len(out), "risk_controls": controls})
}

func (s *Server) backtest(c *gin.Context) {
	var req backtest.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if !req.To.After(req.From) {
		fail(c, http.StatusBadRequest, "to must be after from")
		return
	}
	report, err := s.deps.Backtester.Run(c.Request.Context(), req)
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, report, nil)
}

func (s *Server) runNightly(c *gin.Context) {
	report, err := s.deps.Nightly.RunNightlyCycle(c.Request.Context())
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, report, nil)
}

func (s *Server) nightlyHealth(c *gin.Context) {
	items, err := s.deps.Nightly.Health(c.Request.Context())
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, items, map[string]any{"count": len(items)})
}

func (s *Server) allocationWeights(c *gin.Context) {
	weights, err := s.deps.Allocator.AllocationWeights(c.Request.Context(), intQuery(c, "samples", 0))
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, weights, nil)
}

func (s *Server) winRates(c *gin.Context) {
	rates, err := s.deps.Allocator.ExpectedWinRates(c.Request.Context())
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, rates, nil)
}

func (s *Server) selectArm(c *gin.Context) {
	sel, err := s.deps.Allocator.Select(c.Request.Context(), c.Query("regime"))
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, sel, nil)
}

func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.deps.Runs.ListRuns(c.Request.Context(), c.Query("strategy"), intQuery(c, "limit", 20))
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, runs, map[string]any{"count": len(runs)})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.deps.Runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.failErr(c, err)
		return
	}
	ok(c, http.StatusOK, run, nil)
}
