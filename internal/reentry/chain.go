// Package reentry runs bounded recovery chains after stop-loss closes
// ("SL Hunt") and registers continuation intents after profitable or
// exit-signal closes.
package reentry

import (
	"errors"
	"time"

	"signal-engine/internal/signal"
)

var (
	ErrChainNotFound = errors.New("chain not found")
	ErrChainInactive = errors.New("chain is not active")
)

// TriggerType says what kind of close started the chain.
type TriggerType string

const (
	TriggerSLHunt     TriggerType = "SL_HUNT"
	TriggerTPContinue TriggerType = "TP_CONTINUE"
)

// Status is the chain lifecycle status.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusAborted   Status = "ABORTED"
)

// Chain is one recovery sequence rooted at a closed order. Level counts
// recovery orders placed so far; the chain never exceeds the configured
// level cap.
type Chain struct {
	ID           string           `json:"id"`
	RootOrderID  string           `json:"root_order_id"`
	Symbol       string           `json:"symbol"`
	Direction    signal.Direction `json:"direction"`
	Family       signal.Family    `json:"family"`
	Level        int              `json:"level"`
	Trigger      TriggerType      `json:"trigger"`
	Status       Status           `json:"status"`
	LastRisk     float64          `json:"last_risk"` // Risk distance of the most recent order
	ActiveOrder  string           `json:"active_order,omitempty"`
	StatusReason string           `json:"status_reason,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// IsActive reports whether the chain can still place recovery orders.
func (c *Chain) IsActive() bool {
	return c.Status == StatusActive
}

func (c *Chain) finish(status Status, reason string) {
	c.Status = status
	c.StatusReason = reason
	c.ActiveOrder = ""
	c.UpdatedAt = time.Now()
}
