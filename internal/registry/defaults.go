package registry

import "signal-engine/internal/signal"

// CombinedHandle is the default handle for the combined strategy family:
// dual orders, recovery chains, and profit booking across all timeframes.
func CombinedHandle() *Handle {
	return &Handle{
		Family: signal.FamilyCombined,
		SignalTypes: []signal.Type{
			signal.TypeInstitutionalLaunchpad,
			signal.TypeLiquidityTrap,
			signal.TypeMomentumBreakout,
			signal.TypeMitigationTest,
			signal.TypeGoldenPocketFlip,
			signal.TypeScreenerFullBullish,
			signal.TypeScreenerFullBearish,
			signal.TypeBullishExit,
			signal.TypeBearishExit,
			signal.TypeVolatilitySqueeze,
			signal.TypeTrendPulse,
			signal.TypeSidewaysBreakout,
		},
		Timeframes: []signal.Timeframe{signal.TF5, signal.TF15, signal.TF60, signal.TF240},
		Capabilities: Capabilities{
			Reentry:       true,
			DualOrder:     true,
			ProfitBooking: true,
		},
	}
}

// PriceActionHandle is the single-order price action family, 15m only.
func PriceActionHandle() *Handle {
	return &Handle{
		Family: signal.FamilyPriceAction,
		SignalTypes: []signal.Type{
			signal.TypeMomentumBreakout,
			signal.TypeLiquidityTrap,
			signal.TypeMitigationTest,
			signal.TypeBullishExit,
			signal.TypeBearishExit,
		},
		Timeframes: []signal.Timeframe{signal.TF15},
		Capabilities: Capabilities{
			Reentry: true,
		},
	}
}
