package lifecycle

import (
	"context"
	"math"

	"signal-engine/internal/broker"
	"signal-engine/internal/events"
	"signal-engine/internal/signal"
)

// OnQuote feeds a price into the progressive trailing logic. Role A
// orders arm once price has moved TrailActivateFrac of the initial risk
// distance in their favor, then tighten the stop one TrailStepFrac
// increment per further step of favorable movement. Stops only ever
// tighten.
func (m *Manager) OnQuote(ctx context.Context, q broker.Quote) {
	for _, mo := range m.tracked() {
		mo.mu.Lock()
		if mo.order.State == StateOpen && mo.order.Trailing && mo.order.Symbol == q.Symbol {
			m.trailLocked(ctx, mo, q.Mid())
		}
		mo.mu.Unlock()
	}
}

func (m *Manager) trailLocked(ctx context.Context, mo *managedOrder, price float64) {
	o := mo.order
	fav := o.favorableMove(price)
	if fav > mo.highWater {
		mo.highWater = fav
	}

	activate := m.cfg.TrailActivateFrac * o.RiskDistance
	step := m.cfg.TrailStepFrac * o.RiskDistance
	if step <= 0 || mo.highWater < activate {
		return
	}

	steps := 1 + math.Floor((mo.highWater-activate)/step)
	candidate := o.EntryPrice - o.RiskDistance + steps*step
	tightens := candidate > o.SLPrice
	if o.Direction == signal.DirectionSell {
		candidate = o.EntryPrice + o.RiskDistance - steps*step
		tightens = candidate < o.SLPrice
	}
	if !tightens {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()
	if err := m.broker.ModifyStop(callCtx, o.BrokerID, candidate); err != nil {
		m.logger.Warn().Str("order_id", o.ID).Err(err).Msg("stop modify failed")
		return
	}

	prev := o.SLPrice
	o.SLPrice = candidate
	m.persist(ctx, o)
	m.bus.Publish(events.Event{Type: events.EventStopTrailed, Data: map[string]interface{}{
		"order_id": o.ID,
		"symbol":   o.Symbol,
		"from":     prev,
		"to":       candidate,
	}})
	m.logger.Debug().Str("order_id", o.ID).Float64("from", prev).Float64("to", candidate).Msg("stop trailed")
}
