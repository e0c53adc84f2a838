// Package registry maps classified signals to their owning strategy handles.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"signal-engine/internal/signal"
)

var (
	ErrNoHandler            = errors.New("no handler registered for signal")
	ErrDuplicateOwner       = errors.New("signal type already owned by another handle")
	ErrUnsupportedTimeframe = errors.New("timeframe not supported by strategy family")
)

// Capabilities tags what a strategy handle is allowed to do. Behavior is
// selected off these flags rather than handler subtypes.
type Capabilities struct {
	Reentry       bool `json:"reentry"`
	DualOrder     bool `json:"dual_order"`
	ProfitBooking bool `json:"profit_booking"`
	Autonomous    bool `json:"autonomous"`
}

// Handle is a registered strategy: one family, the signal types it owns,
// and the timeframes it accepts.
type Handle struct {
	Family       signal.Family      `json:"family"`
	SignalTypes  []signal.Type      `json:"signal_types"`
	Timeframes   []signal.Timeframe `json:"timeframes"`
	Capabilities Capabilities       `json:"capabilities"`
}

// SupportsTimeframe checks a timeframe against the handle's declared set.
func (h *Handle) SupportsTimeframe(tf signal.Timeframe) bool {
	for _, t := range h.Timeframes {
		if t == tf {
			return true
		}
	}
	return false
}

type ownerKey struct {
	family  signal.Family
	sigType signal.Type
}

// Registry holds strategy handles. Registration happens once at startup;
// lookups are concurrent and read-mostly.
type Registry struct {
	mu     sync.RWMutex
	owners map[ownerKey]*Handle
}

func New() *Registry {
	return &Registry{
		owners: make(map[ownerKey]*Handle),
	}
}

// Register adds a handle, claiming ownership of every (family, signal type)
// pair it declares. A pair may have at most one owner.
func (r *Registry) Register(h *Handle) error {
	if h.Family == "" {
		return errors.New("handle family cannot be empty")
	}
	if len(h.SignalTypes) == 0 {
		return errors.New("handle must declare at least one signal type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Validate the whole claim before committing any of it
	for _, st := range h.SignalTypes {
		key := ownerKey{family: h.Family, sigType: st}
		if _, taken := r.owners[key]; taken {
			return fmt.Errorf("%w: (%s, %s)", ErrDuplicateOwner, h.Family, st)
		}
	}
	for _, st := range h.SignalTypes {
		r.owners[ownerKey{family: h.Family, sigType: st}] = h
	}
	return nil
}

// Route returns the handle owning the signal's (family, type) pair.
// Unknown pairs fail with ErrNoHandler; a known pair on an undeclared
// timeframe fails with ErrUnsupportedTimeframe. Either way the caller
// skips the signal; nothing is queued or retried.
func (r *Registry) Route(sig signal.Signal) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.owners[ownerKey{family: sig.Family, sigType: sig.Type}]
	if !ok {
		return nil, fmt.Errorf("%w: (%s, %s)", ErrNoHandler, sig.Family, sig.Type)
	}
	if !h.SupportsTimeframe(sig.Timeframe) {
		return nil, fmt.Errorf("%w: %s does not declare tf %d", ErrUnsupportedTimeframe, sig.Family, sig.Timeframe)
	}
	return h, nil
}

// ForFamily returns any handle registered under the family. Chain
// managers use it to read capability flags without a full signal.
func (r *Registry) ForFamily(f signal.Family) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for key, h := range r.owners {
		if key.family == f {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoHandler, f)
}

// Handles returns the distinct registered handles.
func (r *Registry) Handles() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[*Handle]bool)
	var out []*Handle
	for _, h := range r.owners {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}
