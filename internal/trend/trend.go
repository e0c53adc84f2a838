// Package trend defines the trend/indicator capability and the multi-pillar
// alignment gate that approves or vetoes entry directions.
package trend

import (
	"context"

	"signal-engine/internal/signal"
)

// Direction is the indicator-reported trend direction.
type Direction string

const (
	DirectionBullish  Direction = "bullish"
	DirectionBearish  Direction = "bearish"
	DirectionSideways Direction = "sideways"
)

// Snapshot is the per-symbol, per-timeframe indicator state supplied by
// the trend service.
type Snapshot struct {
	Direction  Direction `json:"direction"`
	Oscillator float64   `json:"oscillator"` // 0-100, >50 favors longs
	Momentum   float64   `json:"momentum"`   // Signed secondary momentum
	VolumeOK   bool      `json:"volume_ok"`  // Participation confirmation
}

// Service is the external trend/indicator capability.
type Service interface {
	GetTrend(ctx context.Context, symbol string, tf signal.Timeframe) (Snapshot, error)
}

// PulseUpdater is implemented by trend services that accept pulse state
// pushed from info signals.
type PulseUpdater interface {
	UpdatePulse(symbol string, tf signal.Timeframe, direction Direction)
}
