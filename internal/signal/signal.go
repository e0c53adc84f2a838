// Package signal defines the typed signal model and the classifier that
// turns raw alert payloads into signals.
package signal

import (
	"time"
)

// Direction is the proposed trade direction.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// Category classifies what a signal asks the engine to do.
type Category string

const (
	CategoryEntry Category = "entry"
	CategoryExit  Category = "exit"
	CategoryInfo  Category = "info"
	CategoryBonus Category = "bonus"
)

// Family identifies the strategy family that owns a signal type.
type Family string

const (
	FamilyCombined    Family = "combined"
	FamilyPriceAction Family = "price_action"
)

// Timeframe is the chart timeframe in minutes.
type Timeframe int

const (
	TF5   Timeframe = 5
	TF15  Timeframe = 15
	TF60  Timeframe = 60
	TF240 Timeframe = 240
)

// Type is the named signal variant emitted by the alert source.
type Type string

const (
	// Entry signals
	TypeInstitutionalLaunchpad Type = "Institutional_Launchpad"
	TypeLiquidityTrap          Type = "Liquidity_Trap"
	TypeMomentumBreakout       Type = "Momentum_Breakout"
	TypeMitigationTest         Type = "Mitigation_Test"
	TypeGoldenPocketFlip       Type = "Golden_Pocket_Flip"
	TypeScreenerFullBullish    Type = "Screener_Full_Bullish"
	TypeScreenerFullBearish    Type = "Screener_Full_Bearish"

	// Exit signals
	TypeBullishExit Type = "Bullish_Exit"
	TypeBearishExit Type = "Bearish_Exit"

	// Info signals
	TypeVolatilitySqueeze Type = "Volatility_Squeeze"
	TypeTrendPulse        Type = "Trend_Pulse"

	// Bonus entry
	TypeSidewaysBreakout Type = "Sideways_Breakout"
)

// Signal is an immutable classified alert. It is discarded once the engine
// has acted on it.
type Signal struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	Category   Category  `json:"category"`
	Family     Family    `json:"family"`
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Timeframe  Timeframe `json:"timeframe"`
	RawPrice   float64   `json:"raw_price"`
	Consensus  int       `json:"consensus"` // 0-10 alert consensus score
	ReceivedAt time.Time `json:"received_at"`
}

// IsEntry reports whether the signal proposes opening a position.
// Bonus signals enter like regular entries.
func (s Signal) IsEntry() bool {
	return s.Category == CategoryEntry || s.Category == CategoryBonus
}

// IsReversal reports whether an entry signal should first close
// opposite-direction positions before entering.
func (s Signal) IsReversal() bool {
	switch s.Type {
	case TypeLiquidityTrap, TypeGoldenPocketFlip, TypeScreenerFullBullish, TypeScreenerFullBearish:
		return true
	}
	return s.Consensus >= 7
}

// ValidTimeframes returns the timeframes the engine understands.
func ValidTimeframes() []Timeframe {
	return []Timeframe{TF5, TF15, TF60, TF240}
}

// IsValidTimeframe checks a timeframe against the known set.
func IsValidTimeframe(tf Timeframe) bool {
	switch tf {
	case TF5, TF15, TF60, TF240:
		return true
	default:
		return false
	}
}
