package signal

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RawAlert is the unvalidated payload received from the alert source.
type RawAlert struct {
	SignalType string  `json:"signal_type"`
	Symbol     string  `json:"symbol"`
	Direction  string  `json:"direction"`
	Timeframe  string  `json:"tf"`
	Price      float64 `json:"price"`
	Consensus  int     `json:"consensus_score"`
	Strategy   string  `json:"strategy"`
}

// RejectError describes why an alert could not be classified. Callers log
// and drop; classification never panics.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("signal rejected: %s", e.Reason)
}

var typeCategories = map[Type]Category{
	TypeInstitutionalLaunchpad: CategoryEntry,
	TypeLiquidityTrap:          CategoryEntry,
	TypeMomentumBreakout:       CategoryEntry,
	TypeMitigationTest:         CategoryEntry,
	TypeGoldenPocketFlip:       CategoryEntry,
	TypeScreenerFullBullish:    CategoryEntry,
	TypeScreenerFullBearish:    CategoryEntry,
	TypeBullishExit:            CategoryExit,
	TypeBearishExit:            CategoryExit,
	TypeVolatilitySqueeze:      CategoryInfo,
	TypeTrendPulse:             CategoryInfo,
	TypeSidewaysBreakout:       CategoryBonus,
}

// typeFamilies routes each signal type to the strategy family that owns it.
// Screener signals belong to the combined family; everything else defaults
// to the family named in the alert, falling back to combined.
var typeFamilies = map[Type]Family{
	TypeScreenerFullBullish: FamilyCombined,
	TypeScreenerFullBearish: FamilyCombined,
}

// Classify validates a raw alert and produces an immutable Signal.
// A *RejectError is returned for incomplete or unrecognized alerts.
func Classify(raw RawAlert) (Signal, error) {
	if raw.Symbol == "" {
		return Signal{}, &RejectError{Reason: "missing symbol"}
	}
	if raw.SignalType == "" {
		return Signal{}, &RejectError{Reason: "missing signal_type"}
	}

	sigType := Type(raw.SignalType)
	category, ok := typeCategories[sigType]
	if !ok {
		return Signal{}, &RejectError{Reason: fmt.Sprintf("unknown signal_type %q", raw.SignalType)}
	}

	direction, err := parseDirection(sigType, raw.Direction)
	if err != nil {
		return Signal{}, err
	}

	tf, err := parseTimeframe(raw.Timeframe, category)
	if err != nil {
		return Signal{}, err
	}

	return Signal{
		ID:         uuid.New().String(),
		Type:       sigType,
		Category:   category,
		Family:     familyFor(sigType, raw.Strategy),
		Symbol:     strings.ToUpper(raw.Symbol),
		Direction:  direction,
		Timeframe:  tf,
		RawPrice:   raw.Price,
		Consensus:  raw.Consensus,
		ReceivedAt: time.Now(),
	}, nil
}

func familyFor(t Type, strategy string) Family {
	if fam, ok := typeFamilies[t]; ok {
		return fam
	}
	switch strings.ToLower(strategy) {
	case "price_action", "price_action_15m":
		return FamilyPriceAction
	default:
		return FamilyCombined
	}
}

// parseDirection resolves the trade direction. Exit and screener signals
// imply their own direction; info signals carry one only when provided.
func parseDirection(t Type, raw string) (Direction, error) {
	switch t {
	case TypeBullishExit, TypeScreenerFullBullish:
		return DirectionBuy, nil
	case TypeBearishExit, TypeScreenerFullBearish:
		return DirectionSell, nil
	case TypeVolatilitySqueeze, TypeTrendPulse:
		// Pulse updates carry a direction when the source provides one
		switch strings.ToUpper(raw) {
		case "BUY", "LONG":
			return DirectionBuy, nil
		case "SELL", "SHORT":
			return DirectionSell, nil
		}
		return "", nil
	}

	switch strings.ToUpper(raw) {
	case "BUY", "LONG":
		return DirectionBuy, nil
	case "SELL", "SHORT":
		return DirectionSell, nil
	case "":
		return "", &RejectError{Reason: "missing direction"}
	default:
		return "", &RejectError{Reason: fmt.Sprintf("unrecognized direction %q", raw)}
	}
}

func parseTimeframe(raw string, category Category) (Timeframe, error) {
	if raw == "" {
		// Info signals often arrive without a timeframe
		if category == CategoryInfo {
			return TF15, nil
		}
		return 0, &RejectError{Reason: "missing timeframe"}
	}

	normalized := strings.TrimSuffix(strings.ToLower(raw), "m")
	if normalized == "1h" {
		normalized = "60"
	}
	if normalized == "4h" {
		normalized = "240"
	}

	minutes, err := strconv.Atoi(normalized)
	if err != nil {
		return 0, &RejectError{Reason: fmt.Sprintf("unrecognized timeframe %q", raw)}
	}

	tf := Timeframe(minutes)
	if !IsValidTimeframe(tf) {
		return 0, &RejectError{Reason: fmt.Sprintf("unsupported timeframe %d", minutes)}
	}
	return tf, nil
}
