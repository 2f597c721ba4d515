// Package regime tracks market regime transitions and maps the current regime onto position
// sizing and risk controls.
package regime

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("regime event not found")

// Global is the market-wide regime read from benchmark instruments.
type Global string

const (
	EquityRiskOn       Global = "EQUITY_RISK_ON"
	EquityRiskOff      Global = "EQUITY_RISK_OFF"
	CryptoAltSeason    Global = "CRYPTO_ALT_SEASON"
	CryptoBTCDominance Global = "CRYPTO_BTC_DOMINANCE"
	Neutral            Global = "NEUTRAL"
)

// Local is the symbol-specific context layered on top of the global regime.
type Local string

const (
	IdiosyncraticBreakout Local = "IDIOSYNCRATIC_BREAKOUT"
	ChoppyMeanRevert      Local = "CHOPPY_MEAN_REVERT"
	Normal                Local = "NORMAL"
)

type Severity string

const (
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeverityMajor    Severity = "major"
	SeverityCritical Severity = "critical"
)

func SeverityOf(confidence float64) Severity {
	switch {
	case confidence >= 0.95:
		return SeverityCritical
	case confidence >= 0.85:
		return SeverityMajor
	case confidence >= 0.75:
		return SeverityModerate
	}
	return SeverityMinor
}

// Event is an append-only record of a regime transition.
type Event struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	From       string    `json:"old_regime"`
	To         string    `json:"new_regime"`
	Confidence float64   `json:"confidence"`
	Severity   Severity  `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`
}

type Storage interface {
	AppendRegimeEvent(ctx context.Context, e Event) error
	// ListRegimeEvents returns events detected at or after since, oldest first.
	// An empty symbol matches every symbol.
	ListRegimeEvents(ctx context.Context, since time.Time, symbol string) ([]Event, error)
	LatestRegimeEvent(ctx context.Context, symbol string) (*Event, error)
}
