package reentry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"signal-engine/config"
	"signal-engine/internal/broker"
	"signal-engine/internal/events"
	"signal-engine/internal/lifecycle"
	"signal-engine/internal/safety"
	"signal-engine/internal/signal"
)

type stubPlacer struct {
	calls []lifecycle.PlacementRequest
	err   error
}

func (s *stubPlacer) PlaceRoleA(_ context.Context, req lifecycle.PlacementRequest) (*lifecycle.Order, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		state := lifecycle.StateRejected
		if errors.Is(s.err, broker.ErrTimeout) {
			state = lifecycle.StateUnknown
		}
		return &lifecycle.Order{
			ID:      fmt.Sprintf("rec-%d", len(s.calls)),
			ChainID: req.ChainID,
			Role:    lifecycle.RoleA,
			Symbol:  req.Symbol,
			State:   state,
		}, s.err
	}
	return &lifecycle.Order{
		ID:           fmt.Sprintf("rec-%d", len(s.calls)),
		ChainID:      req.ChainID,
		Role:         lifecycle.RoleA,
		Symbol:       req.Symbol,
		Direction:    req.Direction,
		Family:       req.Family,
		RiskDistance: req.RiskOverride,
		State:        lifecycle.StateOpen,
	}, nil
}

func testReentryConfig() config.ReentryConfig {
	return config.ReentryConfig{
		SLHuntEnabled:           true,
		MaxChainLevels:          3,
		RiskReductionFactor:     0.5,
		TPContinuationEnabled:   true,
		ExitContinuationEnabled: true,
		ContinuationWindow:      time.Minute,
	}
}

func newTestManager(cfg config.ReentryConfig, placer Placer, allowed func(signal.Family) bool) (*Manager, *broker.PaperBroker) {
	pb := broker.NewPaperBroker()
	pb.SetPrice("EURUSD", 100)
	intents := NewIntents(nil, cfg.ContinuationWindow, zerolog.Nop())
	m := NewManager(cfg, placer, pb, intents, nil, events.NewBus(), zerolog.Nop(), allowed)
	return m, pb
}

func rootSLClose() lifecycle.Order {
	return lifecycle.Order{
		ID:           "root-1",
		Role:         lifecycle.RoleA,
		Symbol:       "EURUSD",
		Direction:    signal.DirectionBuy,
		Family:       signal.FamilyCombined,
		RiskDistance: 5,
		State:        lifecycle.StateClosedSL,
		RealizedPnL:  -50,
	}
}

func TestSLHuntPlacesRecoveryAtReducedRisk(t *testing.T) {
	placer := &stubPlacer{}
	m, _ := newTestManager(testReentryConfig(), placer, nil)

	m.HandleClose(context.Background(), rootSLClose())

	if len(placer.calls) != 1 {
		t.Fatalf("recovery placements = %d, want 1", len(placer.calls))
	}
	req := placer.calls[0]
	if req.Direction != signal.DirectionBuy {
		t.Errorf("recovery direction = %s, want same as root", req.Direction)
	}
	if req.RiskOverride != 2.5 {
		t.Errorf("recovery risk = %v, want 2.5 (50%% of 5)", req.RiskOverride)
	}
	if req.ChainID == "" {
		t.Fatal("recovery order must belong to a chain")
	}

	chain, err := m.Get(req.ChainID)
	if err != nil {
		t.Fatalf("Get chain: %v", err)
	}
	if chain.Level != 1 || chain.Status != StatusActive {
		t.Errorf("chain = level %d/%s, want 1/ACTIVE", chain.Level, chain.Status)
	}
}

func TestChainNeverExceedsLevelCap(t *testing.T) {
	placer := &stubPlacer{}
	m, _ := newTestManager(testReentryConfig(), placer, nil)
	ctx := context.Background()

	m.HandleClose(ctx, rootSLClose())
	// Each recovery order stops out in turn
	for i := 0; i < 5; i++ {
		if len(placer.calls) == 0 {
			break
		}
		last := placer.calls[len(placer.calls)-1]
		m.HandleClose(ctx, lifecycle.Order{
			ID:           fmt.Sprintf("rec-%d", len(placer.calls)),
			ChainID:      last.ChainID,
			Role:         lifecycle.RoleA,
			Symbol:       "EURUSD",
			Direction:    signal.DirectionBuy,
			Family:       signal.FamilyCombined,
			RiskDistance: last.RiskOverride,
			State:        lifecycle.StateClosedSL,
		})
	}

	if len(placer.calls) != 3 {
		t.Fatalf("recovery placements = %d, want exactly max_chain_levels (3)", len(placer.calls))
	}
	chain, err := m.Get(placer.calls[0].ChainID)
	if err != nil {
		t.Fatalf("Get chain: %v", err)
	}
	if chain.Status != StatusCompleted || chain.Level != 3 {
		t.Errorf("chain = level %d/%s, want 3/COMPLETED", chain.Level, chain.Status)
	}
	// Risk halves each level: 2.5, 1.25, 0.625
	for i, want := range []float64{2.5, 1.25, 0.625} {
		if placer.calls[i].RiskOverride != want {
			t.Errorf("level %d risk = %v, want %v", i+1, placer.calls[i].RiskOverride, want)
		}
	}
}

func TestTimedOutRecoverySpendsLevel(t *testing.T) {
	placer := &stubPlacer{err: fmt.Errorf("place EURUSD: %w", broker.ErrTimeout)}
	m, _ := newTestManager(testReentryConfig(), placer, nil)
	ctx := context.Background()

	m.HandleClose(ctx, rootSLClose())

	chain, err := m.Get(placer.calls[0].ChainID)
	if err != nil {
		t.Fatalf("Get chain: %v", err)
	}
	if chain.Level != 1 || chain.ActiveOrder != "rec-1" {
		t.Fatalf("chain = level %d active %q, want 1/rec-1", chain.Level, chain.ActiveOrder)
	}
	if chain.LastRisk != 2.5 {
		t.Errorf("last risk = %v, want 2.5", chain.LastRisk)
	}

	// Every recovery placement times out, reconciles to open and later
	// stops out: the level cap must hold across the cycles
	for i := 0; i < 5; i++ {
		last := placer.calls[len(placer.calls)-1]
		m.HandleClose(ctx, lifecycle.Order{
			ID:           fmt.Sprintf("rec-%d", len(placer.calls)),
			ChainID:      last.ChainID,
			Role:         lifecycle.RoleA,
			Symbol:       "EURUSD",
			Direction:    signal.DirectionBuy,
			Family:       signal.FamilyCombined,
			RiskDistance: last.RiskOverride,
			State:        lifecycle.StateClosedSL,
		})
	}

	if len(placer.calls) != 3 {
		t.Fatalf("recovery placements = %d, want 3 across timeout-reconcile cycles", len(placer.calls))
	}
	chain, _ = m.Get(placer.calls[0].ChainID)
	if chain.Status != StatusCompleted || chain.Level != 3 {
		t.Errorf("chain = level %d/%s, want 3/COMPLETED", chain.Level, chain.Status)
	}
}

func TestNeverPlacedRecoveryAbortsChain(t *testing.T) {
	placer := &stubPlacer{err: fmt.Errorf("place EURUSD: %w", broker.ErrTimeout)}
	m, _ := newTestManager(testReentryConfig(), placer, nil)
	ctx := context.Background()

	m.HandleClose(ctx, rootSLClose())
	chainID := placer.calls[0].ChainID

	// Reconciliation finds the broker never booked the recovery order
	m.HandleClose(ctx, lifecycle.Order{
		ID:      "rec-1",
		ChainID: chainID,
		Role:    lifecycle.RoleA,
		Symbol:  "EURUSD",
		State:   lifecycle.StateRejected,
	})

	chain, _ := m.Get(chainID)
	if chain.Status != StatusAborted {
		t.Fatalf("chain status = %s, want ABORTED", chain.Status)
	}
	if n := len(m.ActiveChains()); n != 0 {
		t.Errorf("active chains = %d, want 0", n)
	}
}

func TestBrokerRejectionAbortsChain(t *testing.T) {
	placer := &stubPlacer{err: fmt.Errorf("place EURUSD: %w", broker.ErrRejected)}
	m, _ := newTestManager(testReentryConfig(), placer, nil)

	m.HandleClose(context.Background(), rootSLClose())

	if len(placer.calls) != 1 {
		t.Fatalf("placements = %d, want 1 (no retry)", len(placer.calls))
	}
	if n := len(m.ActiveChains()); n != 0 {
		t.Fatalf("active chains = %d, want 0", n)
	}
	chain, _ := m.Get(placer.calls[0].ChainID)
	if chain.Status != StatusAborted {
		t.Errorf("chain status = %s, want ABORTED", chain.Status)
	}
}

func TestSafetyDenialCompletesChain(t *testing.T) {
	placer := &stubPlacer{err: &safety.DeniedError{Reason: "daily loss cap reached"}}
	m, _ := newTestManager(testReentryConfig(), placer, nil)

	m.HandleClose(context.Background(), rootSLClose())

	chain, _ := m.Get(placer.calls[0].ChainID)
	if chain.Status != StatusCompleted {
		t.Errorf("chain status = %s, want COMPLETED (denial is not a failure)", chain.Status)
	}
}

func TestProfitableRecoveryCompletesChain(t *testing.T) {
	placer := &stubPlacer{}
	m, _ := newTestManager(testReentryConfig(), placer, nil)
	ctx := context.Background()

	m.HandleClose(ctx, rootSLClose())
	req := placer.calls[0]

	m.HandleClose(ctx, lifecycle.Order{
		ID:          "rec-1",
		ChainID:     req.ChainID,
		Role:        lifecycle.RoleA,
		Symbol:      "EURUSD",
		Direction:   signal.DirectionBuy,
		Family:      signal.FamilyCombined,
		State:       lifecycle.StateClosedTP,
		RealizedPnL: 40,
	})

	chain, _ := m.Get(req.ChainID)
	if chain.Status != StatusCompleted {
		t.Errorf("chain status = %s, want COMPLETED after profitable close", chain.Status)
	}
	if len(placer.calls) != 1 {
		t.Errorf("placements = %d, want 1", len(placer.calls))
	}
}

func TestTPCloseArmsContinuationWindow(t *testing.T) {
	m, _ := newTestManager(testReentryConfig(), &stubPlacer{}, nil)
	ctx := context.Background()

	m.HandleClose(ctx, lifecycle.Order{
		ID:        "tp-1",
		Role:      lifecycle.RoleA,
		Symbol:    "EURUSD",
		Direction: signal.DirectionSell,
		Family:    signal.FamilyCombined,
		State:     lifecycle.StateClosedTP,
	})

	in, ok := m.ConsumeIntent(ctx, "EURUSD", signal.DirectionSell)
	if !ok {
		t.Fatal("expected continuation intent for closed direction")
	}
	if in.Trigger != TriggerTPContinue {
		t.Errorf("trigger = %s, want TP_CONTINUE", in.Trigger)
	}
	// One-shot: a second consume finds nothing
	if _, ok := m.ConsumeIntent(ctx, "EURUSD", signal.DirectionSell); ok {
		t.Error("intent consumed twice")
	}
}

func TestContinuationIntentExpires(t *testing.T) {
	intents := NewIntents(nil, 10*time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	intents.Register(ctx, Intent{Symbol: "EURUSD", Direction: signal.DirectionBuy, Family: signal.FamilyCombined})
	time.Sleep(25 * time.Millisecond)

	if _, ok := intents.Consume(ctx, "EURUSD", signal.DirectionBuy); ok {
		t.Fatal("expired intent was consumed")
	}
}

func TestExitContinuation(t *testing.T) {
	m, _ := newTestManager(testReentryConfig(), &stubPlacer{}, nil)
	ctx := context.Background()

	m.RegisterExitContinuation(ctx, "GBPUSD", signal.FamilyCombined, signal.DirectionBuy)

	if _, ok := m.ConsumeIntent(ctx, "GBPUSD", signal.DirectionSell); ok {
		t.Error("intent matched the wrong direction")
	}
	if _, ok := m.ConsumeIntent(ctx, "GBPUSD", signal.DirectionBuy); !ok {
		t.Error("expected intent for the flattened direction")
	}
}

func TestSLHuntRespectsConfigAndCapability(t *testing.T) {
	disabled := testReentryConfig()
	disabled.SLHuntEnabled = false
	placer := &stubPlacer{}
	m, _ := newTestManager(disabled, placer, nil)
	m.HandleClose(context.Background(), rootSLClose())
	if len(placer.calls) != 0 {
		t.Errorf("placements with sl_hunt disabled = %d, want 0", len(placer.calls))
	}

	placer = &stubPlacer{}
	m, _ = newTestManager(testReentryConfig(), placer, func(signal.Family) bool { return false })
	m.HandleClose(context.Background(), rootSLClose())
	if len(placer.calls) != 0 {
		t.Errorf("placements without reentry capability = %d, want 0", len(placer.calls))
	}
}

func TestRoleBClosesIgnored(t *testing.T) {
	placer := &stubPlacer{}
	m, _ := newTestManager(testReentryConfig(), placer, nil)

	m.HandleClose(context.Background(), lifecycle.Order{
		ID:     "b-1",
		Role:   lifecycle.RoleB,
		Symbol: "EURUSD",
		State:  lifecycle.StateClosedSL,
	})

	if len(placer.calls) != 0 {
		t.Errorf("role B close triggered %d recoveries, want 0", len(placer.calls))
	}
}
