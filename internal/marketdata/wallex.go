package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	wallex "github.com/wallexchange/wallex-go"
	"go.uber.org/zap"

	"github.com/amirphl/adaptive-allocator/internal/candle"
)

type Wallex struct {
	client *wallex.Client
	logger *zap.Logger
}

func NewWallex(apiKey string, logger *zap.Logger) *Wallex {
	return &Wallex{
		client: wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		logger: logger,
	}
}

func (w *Wallex) Name() string {
	return "wallex"
}

func (w *Wallex) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	if !candle.IsValidTimeframe(timeframe) {
		return nil, fmt.Errorf("%w: %s", candle.ErrUnsupportedTimeframe, timeframe)
	}
	if err := ctx.Err(); err != nil {
		w.logger.Warn("MarketData | wallex fetch cancelled", zap.String("symbol", symbol))
		return nil, err
	}

	raw, err := w.client.Candles(NormalizeSymbol(symbol), Resolution(timeframe), start, end)
	if err != nil {
		return nil, fmt.Errorf("fetching wallex candles: %w", err)
	}

	candles := make([]candle.Candle, 0, len(raw))
	for _, wc := range raw {
		c := candle.Candle{
			Timestamp: wc.Timestamp.UTC().Truncate(time.Minute),
			Open:      parseNumber(wc.Open),
			High:      parseNumber(wc.High),
			Low:       parseNumber(wc.Low),
			Close:     parseNumber(wc.Close),
			Volume:    parseNumber(wc.Volume),
			Symbol:    symbol,
			Timeframe: timeframe,
			Source:    w.Name(),
		}
		if err := c.Validate(); err != nil {
			w.logger.Debug("MarketData | skipping invalid candle", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		candles = append(candles, c)
	}
	candle.SortByTime(candles)
	return candles, nil
}

func parseNumber(n wallex.Number) float64 {
	v, _ := strconv.ParseFloat(string(n), 64)
	return v
}

// NormalizeSymbol converts e.g. btc-usdt to BTCUSDT for the Wallex API.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

// Resolution maps a timeframe to the Wallex resolution: minutes for intraday, "1D" for daily.
func Resolution(timeframe string) string {
	minutes := candle.TimeframeMinutes(timeframe)
	if minutes >= 24*60 {
		return "1D"
	}
	if minutes <= 0 {
		return strings.TrimSuffix(timeframe, "m")
	}
	return strconv.Itoa(minutes)
}
