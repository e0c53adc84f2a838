// Package lifecycle owns the per-order state machine, stop/target
// computation, and progressive trailing for role A orders.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"signal-engine/internal/signal"
)

// Role distinguishes the two placement roles of the dual-order policy.
type Role string

const (
	// RoleA is the primary order: structural stop, trailing, fixed
	// reward-ratio target.
	RoleA Role = "A"

	// RoleB is the secondary order: fixed-dollar risk, no target, closed
	// by profit booking.
	RoleB Role = "B"
)

// State is the order lifecycle state.
type State string

const (
	StatePending      State = "pending"
	StateOpen         State = "open"
	StateRejected     State = "rejected" // Terminal; never retried
	StateUnknown      State = "unknown"  // Timed-out placement or close awaiting reconciliation
	StateClosedTP     State = "closed_tp"
	StateClosedSL     State = "closed_sl"
	StateClosedManual State = "closed_manual"
)

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateRejected, StateClosedTP, StateClosedSL, StateClosedManual:
		return true
	}
	return false
}

// IsClosed reports whether the order reached any closed state.
func (s State) IsClosed() bool {
	switch s {
	case StateClosedTP, StateClosedSL, StateClosedManual:
		return true
	}
	return false
}

// legalTransitions is the only mutation path for order state.
var legalTransitions = map[State][]State{
	StatePending: {StateOpen, StateRejected, StateUnknown},
	StateUnknown: {StateOpen, StateRejected, StateClosedTP, StateClosedSL, StateClosedManual},
	StateOpen:    {StateUnknown, StateClosedTP, StateClosedSL, StateClosedManual},
}

var ErrIllegalTransition = errors.New("illegal order state transition")

// Order is a placed (or attempted) broker order. It is owned exclusively
// by the Manager while open and becomes immutable history once terminal.
type Order struct {
	ID           string           `json:"id"`
	BrokerID     string           `json:"broker_id"`
	ChainID      string           `json:"chain_id,omitempty"` // Owning recovery/profit chain, if any
	Role         Role             `json:"role"`
	Symbol       string           `json:"symbol"`
	Direction    signal.Direction `json:"direction"`
	Family       signal.Family    `json:"family"`
	LotSize      float64          `json:"lot_size"`
	EntryPrice   float64          `json:"entry_price"`
	SLPrice      float64          `json:"sl_price"`
	TPPrice      float64          `json:"tp_price,omitempty"`
	RiskDistance float64          `json:"risk_distance"` // Initial |entry - sl|
	Trailing     bool             `json:"trailing"`
	State        State            `json:"state"`
	OpenedAt     time.Time        `json:"opened_at,omitempty"`
	ClosedAt     time.Time        `json:"closed_at,omitempty"`
	CloseReason  string           `json:"close_reason,omitempty"`
	RealizedPnL  float64          `json:"realized_pnl"`
	CreatedAt    time.Time        `json:"created_at"`
}

// transition moves the order to next, enforcing the legal transition table.
func (o *Order) transition(next State) error {
	for _, allowed := range legalTransitions[o.State] {
		if allowed == next {
			o.State = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.State, next)
}

// favorableMove returns how far price has moved in the order's favor.
func (o *Order) favorableMove(price float64) float64 {
	if o.Direction == signal.DirectionBuy {
		return price - o.EntryPrice
	}
	return o.EntryPrice - price
}
