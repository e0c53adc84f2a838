package trend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-engine/config"
	"signal-engine/internal/signal"
)

// ErrNoTrendData is returned when no fresh snapshot exists for the pair.
var ErrNoTrendData = errors.New("no trend data")

type pulseKey struct {
	symbol string
	tf     signal.Timeframe
}

type pulseEntry struct {
	snap      Snapshot
	updatedAt time.Time
}

// PulseService is an in-memory trend service fed from two sides: full
// snapshots pushed by an indicator feed, and direction pulses pushed by
// info signals. Entries older than the configured TTL read as missing,
// which hands the decision to the gate's fail-open policy.
type PulseService struct {
	ttl    time.Duration
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[pulseKey]pulseEntry
}

func NewPulseService(cfg config.TrendConfig, logger zerolog.Logger) *PulseService {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &PulseService{
		ttl:     ttl,
		logger:  logger,
		entries: make(map[pulseKey]pulseEntry),
	}
}

// GetTrend returns the freshest snapshot for (symbol, tf).
func (p *PulseService) GetTrend(_ context.Context, symbol string, tf signal.Timeframe) (Snapshot, error) {
	p.mu.RLock()
	e, ok := p.entries[pulseKey{symbol, tf}]
	p.mu.RUnlock()

	if !ok {
		return Snapshot{}, fmt.Errorf("%w for %s/%d", ErrNoTrendData, symbol, tf)
	}
	if time.Since(e.updatedAt) > p.ttl {
		return Snapshot{}, fmt.Errorf("%w for %s/%d: stale since %s", ErrNoTrendData, symbol, tf, e.updatedAt.Format(time.RFC3339))
	}
	return e.snap, nil
}

// SetSnapshot stores a full indicator snapshot.
func (p *PulseService) SetSnapshot(symbol string, tf signal.Timeframe, snap Snapshot) {
	p.mu.Lock()
	p.entries[pulseKey{symbol, tf}] = pulseEntry{snap: snap, updatedAt: time.Now()}
	p.mu.Unlock()
}

// UpdatePulse overrides the stored direction for (symbol, tf), keeping the
// other pillars. A pulse for an unseen pair seeds a neutral snapshot so the
// direction pillar alone cannot clear the gate quorum.
func (p *PulseService) UpdatePulse(symbol string, tf signal.Timeframe, direction Direction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := pulseKey{symbol, tf}
	e, ok := p.entries[key]
	if !ok {
		e.snap = Snapshot{Oscillator: 50}
	}
	e.snap.Direction = direction
	e.updatedAt = time.Now()
	p.entries[key] = e

	p.logger.Debug().Str("symbol", symbol).Int("tf", int(tf)).
		Str("direction", string(direction)).Msg("trend pulse updated")
}
