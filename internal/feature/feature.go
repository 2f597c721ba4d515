// Package feature turns OHLCV windows into a flat, fixed-key numeric feature map.
package feature

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/amirphl/adaptive-allocator/internal/candle"
	"github.com/amirphl/adaptive-allocator/internal/pattern"
)

const (
	maxBars1m  = 390 // one regular session of 1m bars
	maxBars5m  = 78
	minBars    = 20
	defaultATR = 0.02
)

// Features is the flat feature map. Every key in Keys() is always present.
type Features map[string]float64

// Get returns the value for key or fallback when absent.
func (f Features) Get(key string, fallback float64) float64 {
	if v, ok := f[key]; ok {
		return v
	}
	return fallback
}

// Flag reports whether a 0/1 flag feature is set.
func (f Features) Flag(key string) bool {
	return f[key] >= 0.5
}

// Sentiment is the optional social/news sentiment payload.
type Sentiment struct {
	Score        float64 `json:"score"` // -1..1
	MessageCount float64 `json:"message_count"`
	BullCount    float64 `json:"bull_count"`
	BearCount    float64 `json:"bear_count"`
	NeutralCount float64 `json:"neutral_count"`
	PriceTrend   float64 `json:"price_trend"`
}

type Input struct {
	Symbol    string
	Bars1m    []candle.Candle
	Bars5m    []candle.Candle
	Sentiment *Sentiment
	At        time.Time
}

type Extractor struct {
	patterns map[string]pattern.Pattern
	logger   *zap.Logger
}

func NewExtractor(th pattern.Thresholds, logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{patterns: pattern.All(th), logger: logger}
}

// Extract computes every feature group. With fewer than 20 bars in either series it returns
// the neutral defaults, still stamped with the time-of-day group.
func (e *Extractor) Extract(in Input) Features {
	at := in.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	out := Defaults()
	merge(out, timeFeatures(at))
	if in.Sentiment != nil {
		merge(out, sentimentFeatures(*in.Sentiment))
	}

	if len(in.Bars1m) < minBars || len(in.Bars5m) < minBars {
		e.logger.Debug("Feature | insufficient data, using defaults",
			zap.String("symbol", in.Symbol),
			zap.Int("bars_1m", len(in.Bars1m)),
			zap.Int("bars_5m", len(in.Bars5m)))
		return out
	}

	bars1m := candle.Tail(in.Bars1m, maxBars1m)
	bars5m := candle.Tail(in.Bars5m, maxBars5m)

	merge(out, candlestickFeatures(bars5m, e.patterns))
	merge(out, technicalFeatures(bars5m))
	merge(out, volatilityFeatures(bars5m))
	merge(out, regimeFeatures(bars5m))
	merge(out, momentumFeatures(bars1m, bars5m))
	merge(out, vwapFeatures(bars5m))
	merge(out, liquidityFeatures(bars5m))
	merge(out, riskFeatures(bars5m))
	return out
}

func merge(dst, src Features) {
	for k, v := range src {
		dst[k] = v
	}
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Keys lists every feature key in sorted order.
func Keys() []string {
	d := Defaults()
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Defaults is the neutral feature map used when history is insufficient.
func Defaults() Features {
	return Features{
		// candlestick
		"body_pct": 0, "upper_wick_pct": 0, "lower_wick_pct": 0, "range_pct": 0,
		"gap_up_pct": 0, "gap_down_pct": 0,
		"is_hammer": 0, "is_shooting_star": 0, "is_doji": 0,
		"is_engulfing_bull": 0, "is_engulfing_bear": 0, "is_marubozu": 0,
		"is_spinning_top": 0, "is_hanging_man": 0, "is_inverted_hammer": 0,
		"is_three_white_soldiers": 0, "is_three_black_crows": 0,

		// technical
		"sma_5": 0, "sma_10": 0, "sma_20": 0, "sma_50": 0,
		"ema_12": 0, "ema_26": 0,
		"macd": 0, "macd_signal": 0, "macd_hist": 0, "rsi_14": 50,
		"bb_upper": 0, "bb_middle": 0, "bb_lower": 0, "bb_width": 0, "bb_position": 0.5,
		"stoch_k": 50, "stoch_d": 50,
		"atr_14": 0, "volume_ratio": 1, "volume_zscore": 0,
		"price_above_sma20": 0, "price_above_sma50": 0, "sma20_above_sma50": 0,
		"rsi_overbought": 0, "rsi_oversold": 0,
		"price_at_bb_upper": 0, "price_at_bb_lower": 0,

		// volatility
		"realized_vol_20": 0.2, "realized_vol_10": 0.2,
		"atr_14_pct": defaultATR, "atr_5_pct": defaultATR, "true_range_pct": 0,
		"breakout_pct": 0, "breakdown_pct": 0, "range_compression": 1,
		"is_vol_expansion": 0, "is_breakout": 0, "is_breakdown": 0,

		// regime
		"trend_strength": 0, "is_trend_regime": 0, "is_range_regime": 0, "is_high_vol_chop": 0,
		"is_trend_up": 0, "is_trend_down": 0,
		"regime_confidence": 0.5,

		// time of day
		"dow": 0, "dom": 0, "hour_of_day": 0,
		"dow_sin": 0, "dow_cos": 1, "hour_sin": 0, "hour_cos": 1,
		"is_opening_hour": 0, "is_closing_hour": 0, "is_midday": 0,
		"is_pre_market": 0, "is_after_hours": 0,
		"is_month_start": 0, "is_month_end": 0, "is_week_start": 0, "is_week_end": 0,

		// sentiment
		"sentiment_score": 0, "sentiment_volume": 0,
		"bull_ratio": 0.5, "bear_ratio": 0.5,
		"extreme_sentiment_flag": 0, "extreme_bullish": 0, "extreme_bearish": 0,
		"sentiment_divergence": 0,

		// momentum
		"momentum_1m": 0, "momentum_5m": 0, "momentum_15m": 0, "roc_10": 0,

		// vwap
		"vwap": 0, "vwap_dist": 0, "vwap_dist_pct": 0, "vwap_dist_20": 0, "vwap_dist_pct_20": 0,

		// liquidity
		"spread_bps": 5, "liquidity_score": 0.5,

		// risk
		"atr_5m": 0, "atr_5m_pct": 0.01, "risk_per_trade_pct": 0.005,
		"vol_norm_size": 1, "risk_reward_ratio": 2,
	}
}
