package trend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"signal-engine/config"
	"signal-engine/internal/signal"
)

func TestPulseServiceRoundTrip(t *testing.T) {
	svc := NewPulseService(config.TrendConfig{CacheTTL: time.Minute}, zerolog.Nop())

	if _, err := svc.GetTrend(context.Background(), "EURUSD", signal.TF15); !errors.Is(err, ErrNoTrendData) {
		t.Fatalf("empty service error = %v, want ErrNoTrendData", err)
	}

	snap := Snapshot{Direction: DirectionBullish, Oscillator: 61, Momentum: 0.8, VolumeOK: true}
	svc.SetSnapshot("EURUSD", signal.TF15, snap)

	got, err := svc.GetTrend(context.Background(), "EURUSD", signal.TF15)
	if err != nil {
		t.Fatalf("GetTrend: %v", err)
	}
	if got != snap {
		t.Fatalf("snapshot = %+v, want %+v", got, snap)
	}

	// Other timeframes for the same symbol stay independent.
	if _, err := svc.GetTrend(context.Background(), "EURUSD", signal.TF60); !errors.Is(err, ErrNoTrendData) {
		t.Fatalf("TF60 error = %v, want ErrNoTrendData", err)
	}
}

func TestPulseOverridesDirectionOnly(t *testing.T) {
	svc := NewPulseService(config.TrendConfig{CacheTTL: time.Minute}, zerolog.Nop())
	svc.SetSnapshot("EURUSD", signal.TF60, Snapshot{Direction: DirectionBullish, Oscillator: 70, Momentum: 1.2, VolumeOK: true})

	svc.UpdatePulse("EURUSD", signal.TF60, DirectionBearish)

	got, err := svc.GetTrend(context.Background(), "EURUSD", signal.TF60)
	if err != nil {
		t.Fatalf("GetTrend: %v", err)
	}
	if got.Direction != DirectionBearish {
		t.Fatalf("direction = %s, want bearish", got.Direction)
	}
	if got.Oscillator != 70 || !got.VolumeOK {
		t.Fatalf("pulse clobbered other pillars: %+v", got)
	}
}

func TestPulseOnUnseenPairSeedsNeutralSnapshot(t *testing.T) {
	svc := NewPulseService(config.TrendConfig{CacheTTL: time.Minute}, zerolog.Nop())
	svc.UpdatePulse("GBPUSD", signal.TF15, DirectionBullish)

	got, err := svc.GetTrend(context.Background(), "GBPUSD", signal.TF15)
	if err != nil {
		t.Fatalf("GetTrend: %v", err)
	}
	if got.Direction != DirectionBullish {
		t.Fatalf("direction = %s, want bullish", got.Direction)
	}
	if got.Oscillator != 50 || got.VolumeOK || got.Momentum != 0 {
		t.Fatalf("seeded snapshot not neutral: %+v", got)
	}
}

func TestStaleSnapshotReadsAsMissing(t *testing.T) {
	svc := NewPulseService(config.TrendConfig{CacheTTL: 10 * time.Millisecond}, zerolog.Nop())
	svc.SetSnapshot("EURUSD", signal.TF15, Snapshot{Direction: DirectionBullish})

	time.Sleep(25 * time.Millisecond)

	if _, err := svc.GetTrend(context.Background(), "EURUSD", signal.TF15); !errors.Is(err, ErrNoTrendData) {
		t.Fatalf("stale read error = %v, want ErrNoTrendData", err)
	}
}
