// Package profitbook manages leveled compounding pyramids over role-B
// orders: fixed per-order profit targets, doubling escalation, local
// branch pruning.
package profitbook

import (
	"errors"
	"time"

	"signal-engine/internal/signal"
)

var ErrChainNotFound = errors.New("profit chain not found")

// Status is the pyramid lifecycle status.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusAborted   Status = "ABORTED"
)

// Outcome is the terminal result of one pyramid order.
type Outcome string

const (
	OutcomePending  Outcome = "PENDING"
	OutcomeAtTarget Outcome = "AT_TARGET"
	OutcomePruned   Outcome = "PRUNED"
)

// Level is one rung of the pyramid: the orders spawned at that level and
// their outcomes. Kept as a flat record so restart-time reload is a key
// lookup, not graph reconstruction.
type Level struct {
	Index    int                `json:"index"`
	Orders   []string           `json:"orders"`
	Outcomes map[string]Outcome `json:"outcomes"`
}

// Complete reports whether every order at the level is terminal.
func (l *Level) Complete() bool {
	for _, id := range l.Orders {
		if l.Outcomes[id] == OutcomePending {
			return false
		}
	}
	return len(l.Orders) > 0
}

// Survivors counts orders that closed at-or-above target.
func (l *Level) Survivors() int {
	n := 0
	for _, out := range l.Outcomes {
		if out == OutcomeAtTarget {
			n++
		}
	}
	return n
}

// Chain is one profit pyramid rooted at a role-B order.
type Chain struct {
	ID           string           `json:"id"`
	RootOrderID  string           `json:"root_order_id"`
	Symbol       string           `json:"symbol"`
	Direction    signal.Direction `json:"direction"`
	Family       signal.Family    `json:"family"`
	SeedRisk     float64          `json:"seed_risk"` // Structural risk distance for child sizing
	Target       float64          `json:"target"`    // Per-order dollar profit target
	Levels       []*Level         `json:"levels"`
	TotalOrders  int              `json:"total_orders"`
	Status       Status           `json:"status"`
	StatusReason string           `json:"status_reason,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// CurrentLevel returns the highest rung, or nil before the root is tracked.
func (c *Chain) CurrentLevel() *Level {
	if len(c.Levels) == 0 {
		return nil
	}
	return c.Levels[len(c.Levels)-1]
}

func (c *Chain) levelOf(orderID string) *Level {
	for _, l := range c.Levels {
		if _, ok := l.Outcomes[orderID]; ok {
			return l
		}
	}
	return nil
}

func (c *Chain) finish(status Status, reason string) {
	c.Status = status
	c.StatusReason = reason
	c.UpdatedAt = time.Now()
}

// maxOrdersFor is the hard order cap for a pyramid: 2^(maxLevel+1) - 1.
func maxOrdersFor(maxLevel int) int {
	return (1 << (maxLevel + 1)) - 1
}
