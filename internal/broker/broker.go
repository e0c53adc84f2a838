// Package broker defines the market/broker capability the engine consumes
// and ships two implementations: an in-memory paper broker for dry runs
// and tests, and a websocket quote stream client for live prices.
package broker

import (
	"context"
	"errors"
	"time"

	"signal-engine/internal/signal"
)

var (
	// ErrRejected means the broker refused the placement (margin, halt, ...).
	// Terminal for that attempt; never retried automatically.
	ErrRejected = errors.New("broker rejected order")

	// ErrTimeout means the call did not complete in time. The order state is
	// unknown until a reconciliation query answers.
	ErrTimeout = errors.New("broker call timed out")

	ErrOrderNotFound = errors.New("order not found at broker")
)

// FillState is the broker-reported terminal/open state of a ticket.
type FillState string

const (
	FillPending  FillState = "pending"
	FillOpen     FillState = "open"
	FillClosedTP FillState = "closed_tp"
	FillClosedSL FillState = "closed_sl"
	FillClosed   FillState = "closed" // closed for another reason
	FillUnknown  FillState = "unknown"
)

// Closed reports whether the fill state is any of the closed variants.
func (s FillState) Closed() bool {
	switch s {
	case FillClosedTP, FillClosedSL, FillClosed:
		return true
	}
	return false
}

// OrderSpec is everything the broker needs to open a position.
type OrderSpec struct {
	Symbol    string
	Direction signal.Direction
	LotSize   float64
	SLPrice   float64
	TPPrice   float64 // 0 means no take profit
	Comment   string
}

// Ticket is the broker's handle for a placed order.
type Ticket struct {
	BrokerID   string
	EntryPrice float64
	PlacedAt   time.Time
}

// Fill reports the current broker-side status of a ticket.
type Fill struct {
	State       FillState
	ClosePrice  float64
	RealizedPnL float64
	ClosedAt    time.Time
}

// Quote is a point-in-time price.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	At     time.Time
}

// Mid returns the quote midpoint.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Broker is the execution capability. Every call must honor the context
// deadline; a deadline hit surfaces as ErrTimeout.
type Broker interface {
	PlaceOrder(ctx context.Context, spec OrderSpec) (Ticket, error)
	ClosePosition(ctx context.Context, brokerID string) (Fill, error)
	ModifyStop(ctx context.Context, brokerID string, slPrice float64) error
	GetFillStatus(ctx context.Context, brokerID string) (Fill, error)
	GetPrice(ctx context.Context, symbol string) (Quote, error)
}

// LotSizer is the external risk/lot-sizing capability. Lot policy stays
// centralized there; the engine never computes lots itself.
type LotSizer interface {
	CalculateLot(ctx context.Context, symbol string, slDistance, entryPrice float64) (float64, error)
}
