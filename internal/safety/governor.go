// Package safety enforces process-wide trading limits: daily and lifetime
// loss caps, concurrent exposure, and the Reverse Shield lockout.
package safety

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-engine/config"
	"signal-engine/internal/events"
)

// DeniedError explains why the governor refused a placement. Callers treat
// it as a terminal skip for that attempt; denials are never retried.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("placement denied: %s", e.Reason)
}

// State is the process-wide safety ledger. Every field is guarded by the
// governor's single mutex; there is no other legal mutation path.
type State struct {
	DayRealizedPnL      float64   `json:"day_realized_pnl"`
	DayPeakPnL          float64   `json:"day_peak_pnl"`
	DayTradeCount       int       `json:"day_trade_count"`
	ConcurrentOpenCount int       `json:"concurrent_open_count"`
	LifetimeRealizedPnL float64   `json:"lifetime_realized_pnl"`
	LockoutUntil        time.Time `json:"lockout_until"`
	DayStart            time.Time `json:"day_start"`
}

// Governor gates every order placement. One instance per process.
type Governor struct {
	mu      sync.Mutex
	cfg     config.SafetyConfig
	state   State
	pending int // Slots reserved by Check but not yet opened or released
	bus     *events.Bus
	logger  zerolog.Logger
	now     func() time.Time
}

func NewGovernor(cfg config.SafetyConfig, bus *events.Bus, logger zerolog.Logger) *Governor {
	g := &Governor{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
	g.state.DayStart = g.dayBoundary(g.now())
	return g
}

// dayBoundary returns the reset boundary at or before t.
func (g *Governor) dayBoundary(t time.Time) time.Time {
	u := t.UTC()
	boundary := time.Date(u.Year(), u.Month(), u.Day(), g.cfg.ResetHourUTC, 0, 0, 0, time.UTC)
	if boundary.After(u) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}

func (g *Governor) rolloverLocked() {
	boundary := g.dayBoundary(g.now())
	if boundary.After(g.state.DayStart) {
		g.state.DayRealizedPnL = 0
		g.state.DayPeakPnL = 0
		g.state.DayTradeCount = 0
		g.state.DayStart = boundary
		g.logger.Info().Time("boundary", boundary).Msg("safety state daily reset")
	}
}

// Check decides whether a new placement is allowed for the family. A nil
// return means allowed and reserves a concurrent slot until the caller
// settles it with RecordOpen or Release; otherwise the *DeniedError names
// the limit hit. Reservations keep the concurrent cap honest while the
// broker call is in flight.
func (g *Governor) Check(family string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()

	inFlight := g.state.ConcurrentOpenCount + g.pending
	var reason string
	switch {
	case g.now().Before(g.state.LockoutUntil):
		reason = fmt.Sprintf("reverse shield lockout until %s", g.state.LockoutUntil.UTC().Format(time.RFC3339))
	case g.cfg.DailyLossCapUSD > 0 && g.state.DayRealizedPnL <= -g.cfg.DailyLossCapUSD:
		reason = fmt.Sprintf("daily loss cap reached (%.2f <= -%.2f)", g.state.DayRealizedPnL, g.cfg.DailyLossCapUSD)
	case g.cfg.LifetimeLossCapUSD > 0 && g.state.LifetimeRealizedPnL <= -g.cfg.LifetimeLossCapUSD:
		reason = fmt.Sprintf("lifetime loss cap reached (%.2f)", g.state.LifetimeRealizedPnL)
	case g.cfg.MaxConcurrentOrders > 0 && inFlight >= g.cfg.MaxConcurrentOrders:
		reason = fmt.Sprintf("max concurrent orders reached (%d/%d)", inFlight, g.cfg.MaxConcurrentOrders)
	case g.cfg.MaxDailyTrades > 0 && g.state.DayTradeCount >= g.cfg.MaxDailyTrades:
		reason = fmt.Sprintf("max daily trades reached (%d)", g.state.DayTradeCount)
	}

	if reason == "" {
		g.pending++
		return nil
	}

	g.logger.Warn().Str("family", family).Str("reason", reason).Msg("safety governor denied placement")
	if g.bus != nil {
		g.bus.PublishSafetyDenied(family, reason)
	}
	return &DeniedError{Reason: reason}
}

// RecordOpen registers a successful placement, converting the slot
// reserved by Check into an open position.
func (g *Governor) RecordOpen() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()

	if g.pending > 0 {
		g.pending--
	}
	g.state.ConcurrentOpenCount++
	g.state.DayTradeCount++
}

// Release frees a slot reserved by Check when the placement did not open:
// broker rejection, transport error, or a timeout awaiting reconciliation.
// A later reconcile that finds the order open calls RecordOpen as usual.
func (g *Governor) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending > 0 {
		g.pending--
	}
}

// RecordClose registers a terminal close and evaluates the Reverse Shield:
// a day that hits the loss cap, or gives back the configured fraction of
// its peak profit, starts the cooling-off lockout.
func (g *Governor) RecordClose(pnl float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()

	if g.state.ConcurrentOpenCount > 0 {
		g.state.ConcurrentOpenCount--
	}
	g.state.DayRealizedPnL += pnl
	g.state.LifetimeRealizedPnL += pnl
	if g.state.DayRealizedPnL > g.state.DayPeakPnL {
		g.state.DayPeakPnL = g.state.DayRealizedPnL
	}

	g.maybeLockLocked()
}

func (g *Governor) maybeLockLocked() {
	if g.cfg.LockoutDuration <= 0 || g.now().Before(g.state.LockoutUntil) {
		return
	}

	var cause string
	if g.cfg.DailyLossCapUSD > 0 && g.state.DayRealizedPnL <= -g.cfg.DailyLossCapUSD {
		cause = "daily loss cap"
	} else if g.cfg.ProfitRetraceFrac > 0 && g.state.DayPeakPnL > 0 {
		floor := g.state.DayPeakPnL * (1 - g.cfg.ProfitRetraceFrac)
		if g.state.DayRealizedPnL <= floor {
			cause = fmt.Sprintf("profit retrace below %.2f (peak %.2f)", floor, g.state.DayPeakPnL)
		}
	}
	if cause == "" {
		return
	}

	g.state.LockoutUntil = g.now().Add(g.cfg.LockoutDuration)
	g.logger.Warn().Str("cause", cause).Time("until", g.state.LockoutUntil).
		Msg("reverse shield lockout engaged")
	if g.bus != nil {
		g.bus.Publish(events.Event{
			Type: events.EventSafetyLockout,
			Data: map[string]interface{}{
				"cause": cause,
				"until": g.state.LockoutUntil,
			},
		})
	}
}

// Snapshot returns a copy of the current state for persistence.
func (g *Governor) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rolloverLocked()
	return g.state
}

// Restore loads persisted state, typically at startup. Stale day state is
// discarded at the next rollover check.
func (g *Governor) Restore(s State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = s
	if g.state.DayStart.IsZero() {
		g.state.DayStart = g.dayBoundary(g.now())
	}
	g.rolloverLocked()
}
