// Package routing holds the static execution routing matrix: which order
// roles a strategy family may place on a given timeframe, and the lot
// multiplier for that route. Pure lookups, no side effects.
package routing

import (
	"signal-engine/internal/registry"
	"signal-engine/internal/signal"
)

// RoleSet is the set of order roles a route permits.
type RoleSet int

const (
	RolesNone RoleSet = iota
	RolesA
	RolesB
	RolesAB
)

func (r RoleSet) HasA() bool { return r == RolesA || r == RolesAB }
func (r RoleSet) HasB() bool { return r == RolesB || r == RolesAB }

func (r RoleSet) String() string {
	switch r {
	case RolesA:
		return "A"
	case RolesB:
		return "B"
	case RolesAB:
		return "A+B"
	default:
		return "none"
	}
}

// Route is the matrix output for one (family, timeframe) cell.
type Route struct {
	Roles         RoleSet `json:"roles"`
	LotMultiplier float64 `json:"lot_multiplier"`
}

type cellKey struct {
	family signal.Family
	tf     signal.Timeframe
}

// Timeframe overrides for dual-order families. The fastest timeframe is
// restricted to role B (avoids over-trading the primary), the slowest to
// role A (avoids unmanaged compounding on slow charts).
var dualOrderOverrides = map[cellKey]RoleSet{
	{signal.FamilyCombined, signal.TF5}:   RolesB,
	{signal.FamilyCombined, signal.TF240}: RolesA,
}

// Lot multipliers per timeframe tier, matching the source system's
// fast/default/slow logic routes.
var lotMultipliers = map[signal.Timeframe]float64{
	signal.TF5:   1.25,
	signal.TF15:  1.0,
	signal.TF60:  1.0,
	signal.TF240: 0.625,
}

// Resolve returns the permitted role set and lot multiplier for a handle on
// a timeframe. Identical inputs always yield identical routes.
func Resolve(h *registry.Handle, tf signal.Timeframe) Route {
	mult, ok := lotMultipliers[tf]
	if !ok {
		mult = 1.0
	}

	if !h.Capabilities.DualOrder {
		return Route{Roles: RolesA, LotMultiplier: mult}
	}

	if override, ok := dualOrderOverrides[cellKey{h.Family, tf}]; ok {
		return Route{Roles: override, LotMultiplier: mult}
	}
	return Route{Roles: RolesAB, LotMultiplier: mult}
}
