// Package metrics exposes Prometheus counters for the engine's decision
// and order flow, fed from the event bus and served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"signal-engine/internal/events"
)

var (
	signalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_signals_total",
			Help: "Signals received, by outcome",
		},
		[]string{"outcome"}, // received|rejected|skipped
	)

	ordersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Orders placed, by role",
		},
		[]string{"role"},
	)

	closesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_order_closes_total",
			Help: "Order closes, by reason",
		},
		[]string{"reason"},
	)

	gateVetoes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_gate_vetoes_total",
			Help: "Entries vetoed by the trend alignment gate",
		},
	)

	safetyDenials = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_safety_denials_total",
			Help: "Placements denied by the safety governor",
		},
	)

	recoveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_recoveries_total",
			Help: "SL Hunt recovery orders placed",
		},
	)

	escalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_pyramid_escalations_total",
			Help: "Profit pyramid level escalations",
		},
	)

	openOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_open_orders",
			Help: "Currently open orders",
		},
	)
)

func init() {
	prometheus.MustRegister(
		signalsTotal,
		ordersTotal,
		closesTotal,
		gateVetoes,
		safetyDenials,
		recoveries,
		escalations,
		openOrders,
	)
}

// Bind subscribes the metric updaters to the event bus.
func Bind(bus *events.Bus) {
	bus.Subscribe(events.EventSignalReceived, func(events.Event) { signalsTotal.WithLabelValues("received").Inc() })
	bus.Subscribe(events.EventSignalRejected, func(events.Event) { signalsTotal.WithLabelValues("rejected").Inc() })
	bus.Subscribe(events.EventSignalSkipped, func(events.Event) { signalsTotal.WithLabelValues("skipped").Inc() })
	bus.Subscribe(events.EventGateVeto, func(events.Event) { gateVetoes.Inc() })
	bus.Subscribe(events.EventSafetyDenied, func(events.Event) { safetyDenials.Inc() })
	bus.Subscribe(events.EventRecoveryStarted, func(events.Event) { recoveries.Inc() })
	bus.Subscribe(events.EventPyramidEscalated, func(events.Event) { escalations.Inc() })

	bus.Subscribe(events.EventEntryPlaced, func(e events.Event) {
		role, _ := e.Data["role"].(string)
		ordersTotal.WithLabelValues(role).Inc()
		openOrders.Inc()
	})
	bus.Subscribe(events.EventOrderClosed, func(e events.Event) {
		reason, _ := e.Data["reason"].(string)
		closesTotal.WithLabelValues(reason).Inc()
		openOrders.Dec()
	})
}
