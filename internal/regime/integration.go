package regime

import (
	"sync"

	"github.com/amirphl/adaptive-allocator/internal/feature"
	"github.com/amirphl/adaptive-allocator/internal/signal"
	"github.com/amirphl/adaptive-allocator/internal/strategy"
)

const (
	minPositionMultiplier = 0.5
	maxPositionMultiplier = 1.4
	breakoutBoost         = 1.1
	chopPenalty           = 0.9
	breakoutVolumeRatio   = 1.5
)

var positionMultipliers = map[Global]map[strategy.Type]float64{
	EquityRiskOn:       {strategy.TypeMomentum: 1.3, strategy.TypeORB: 1.2, strategy.TypeSupplyDemand: 0.9, strategy.TypeFadeORB: 0.8},
	EquityRiskOff:      {strategy.TypeMomentum: 0.6, strategy.TypeORB: 0.7, strategy.TypeSupplyDemand: 1.0, strategy.TypeFadeORB: 1.1},
	CryptoAltSeason:    {strategy.TypeMomentum: 1.2, strategy.TypeORB: 1.1, strategy.TypeSupplyDemand: 0.8, strategy.TypeFadeORB: 0.7},
	CryptoBTCDominance: {strategy.TypeMomentum: 0.8, strategy.TypeORB: 0.9, strategy.TypeSupplyDemand: 1.0, strategy.TypeFadeORB: 1.0},
}

// RiskControls scale a strategy's stop distance, take-profit distance and trade budget.
type RiskControls struct {
	StopTightness            float64 `json:"stop_tightness"`
	TakeProfitAggressiveness float64 `json:"take_profit_aggressiveness"`
	MaxTrades                float64 `json:"max_trades_multiplier"`
}

var riskControls = map[Global]RiskControls{
	EquityRiskOn:       {StopTightness: 0.8, TakeProfitAggressiveness: 1.25, MaxTrades: 1.2},
	EquityRiskOff:      {StopTightness: 1.3, TakeProfitAggressiveness: 0.75, MaxTrades: 0.6},
	CryptoAltSeason:    {StopTightness: 0.9, TakeProfitAggressiveness: 1.15, MaxTrades: 1.1},
	CryptoBTCDominance: {StopTightness: 1.1, TakeProfitAggressiveness: 0.9, MaxTrades: 0.8},
}

// PositionMultiplier maps a strategy type under a global regime and local context to a size multiplier.
func PositionMultiplier(t strategy.Type, g Global, l Local) float64 {
	m := 1.0
	if v, ok := positionMultipliers[g][t]; ok {
		m = v
	}
	switch l {
	case IdiosyncraticBreakout:
		m *= breakoutBoost
	case ChoppyMeanRevert:
		m *= chopPenalty
	}
	return max(minPositionMultiplier, min(maxPositionMultiplier, m))
}

func ControlsFor(g Global) RiskControls {
	if rc, ok := riskControls[g]; ok {
		return rc
	}
	return RiskControls{StopTightness: 1, TakeProfitAggressiveness: 1, MaxTrades: 1}
}

type Market string

const (
	MarketEquity Market = "equity"
	MarketCrypto Market = "crypto"
)

// ClassifyGlobal reads the global regime from benchmark features. For equities the benchmark is an
// index; for crypto it is an alt/BTC ratio pair, so a rising ratio marks alt season.
func ClassifyGlobal(m Market, benchmark feature.Features) (Global, float64) {
	conf := benchmark.Get("regime_confidence", 0.5)
	up, down := benchmark.Flag("is_trend_up"), benchmark.Flag("is_trend_down")
	trending := benchmark.Flag("is_trend_regime")
	chop := benchmark.Flag("is_high_vol_chop")

	switch m {
	case MarketEquity:
		switch {
		case up && trending:
			return EquityRiskOn, conf
		case down && (trending || chop):
			return EquityRiskOff, conf
		}
	case MarketCrypto:
		switch {
		case up && trending:
			return CryptoAltSeason, conf
		case down && trending:
			return CryptoBTCDominance, conf
		}
	}
	return Neutral, conf
}

// ClassifyLocal reads the symbol's own context from its features.
func ClassifyLocal(f feature.Features) Local {
	switch {
	case (f.Flag("is_breakout") || f.Flag("is_breakdown")) && f.Get("volume_ratio", 1) >= breakoutVolumeRatio:
		return IdiosyncraticBreakout
	case f.Flag("is_high_vol_chop"), f.Flag("is_range_regime") && (f.Flag("rsi_overbought") || f.Flag("rsi_oversold")):
		return ChoppyMeanRevert
	}
	return Normal
}

// Integration holds the latest global regime and per-symbol local contexts.
// Readers never block each other.
type Integration struct {
	mu     sync.RWMutex
	global Global
	local  map[string]Local
}

func NewIntegration() *Integration {
	return &Integration{global: Neutral, local: make(map[string]Local)}
}

func (i *Integration) SetGlobal(g Global) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.global = g
}

func (i *Integration) SetLocal(symbol string, l Local) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.local[symbol] = l
}

// Snapshot returns the global regime and the local context of symbol.
func (i *Integration) Snapshot(symbol string) (Global, Local) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	l, ok := i.local[symbol]
	if !ok {
		l = Normal
	}
	return i.global, l
}

// PositionMultiplier sizes a signal by its strategy type and the regime of its symbol.
func (i *Integration) PositionMultiplier(s signal.Signal) float64 {
	g, l := i.Snapshot(s.Symbol)
	typ, _ := s.Metadata["strategy_type"].(string)
	return PositionMultiplier(strategy.Type(typ), g, l)
}

func (i *Integration) RiskControls(symbol string) RiskControls {
	g, _ := i.Snapshot(symbol)
	return ControlsFor(g)
}
