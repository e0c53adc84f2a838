package profitbook

import (
	"context"
	"errors"
	"fmt"
	"testing"

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
	seq   int
}

func (s *stubPlacer) PlaceRoleB(_ context.Context, req lifecycle.PlacementRequest) (*lifecycle.Order, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		if errors.Is(s.err, broker.ErrTimeout) {
			s.seq++
			return &lifecycle.Order{
				ID:      fmt.Sprintf("child-%d", s.seq),
				ChainID: req.ChainID,
				Role:    lifecycle.RoleB,
				Symbol:  req.Symbol,
				State:   lifecycle.StateUnknown,
			}, s.err
		}
		return &lifecycle.Order{State: lifecycle.StateRejected}, s.err
	}
	s.seq++
	return &lifecycle.Order{
		ID:         fmt.Sprintf("child-%d", s.seq),
		ChainID:    req.ChainID,
		Role:       lifecycle.RoleB,
		Symbol:     req.Symbol,
		Direction:  req.Direction,
		Family:     req.Family,
		EntryPrice: req.EntryPrice,
		LotSize:    2,
		State:      lifecycle.StateOpen,
	}, nil
}

type stubCloser struct {
	closed []string
}

func (s *stubCloser) CloseManually(_ context.Context, orderID, _ string) (*lifecycle.Order, error) {
	s.closed = append(s.closed, orderID)
	return &lifecycle.Order{ID: orderID, State: lifecycle.StateClosedManual}, nil
}

func testConfig() config.ProfitBookConfig {
	return config.ProfitBookConfig{Enabled: true, MinProfitUSD: 7.0, MaxLevel: 4}
}

func newTestManager(cfg config.ProfitBookConfig, placer Placer, closer Closer) *Manager {
	pb := broker.NewPaperBroker()
	pb.SetPrice("EURUSD", 100)
	return NewManager(cfg, placer, closer, pb, nil, events.NewBus(), zerolog.Nop(), nil)
}

func rootOpen() lifecycle.Order {
	return lifecycle.Order{
		ID:           "root-b",
		Role:         lifecycle.RoleB,
		Symbol:       "EURUSD",
		Direction:    signal.DirectionBuy,
		Family:       signal.FamilyCombined,
		EntryPrice:   100,
		LotSize:      2,
		RiskDistance: 5,
		State:        lifecycle.StateOpen,
	}
}

func closeAt(id string, pnl float64) lifecycle.Order {
	state := lifecycle.StateClosedManual
	if pnl < 0 {
		state = lifecycle.StateClosedSL
	}
	return lifecycle.Order{ID: id, Role: lifecycle.RoleB, Symbol: "EURUSD", State: state, RealizedPnL: pnl}
}

func TestRootOpenStartsChain(t *testing.T) {
	m := newTestManager(testConfig(), &stubPlacer{}, &stubCloser{})

	m.HandleOpen(context.Background(), rootOpen())

	chains := m.ActiveChains()
	if len(chains) != 1 {
		t.Fatalf("active chains = %d, want 1", len(chains))
	}
	c := chains[0]
	if c.RootOrderID != "root-b" || c.TotalOrders != 1 || len(c.Levels) != 1 {
		t.Errorf("chain = %+v, want single-order level 0", c)
	}
	if c.Target != 7.0 {
		t.Errorf("target = %v, want 7", c.Target)
	}
}

func TestEscalationDoublesPerLevel(t *testing.T) {
	placer := &stubPlacer{}
	m := newTestManager(testConfig(), placer, &stubCloser{})
	ctx := context.Background()

	m.HandleOpen(ctx, rootOpen())
	m.HandleClose(ctx, closeAt("root-b", 7.2))

	// Level 1: 2x the single survivor
	if len(placer.calls) != 2 {
		t.Fatalf("level 1 spawns = %d, want 2", len(placer.calls))
	}

	// Both level-1 orders reach target: level 2 gets 4
	m.HandleClose(ctx, closeAt("child-1", 7.5))
	m.HandleClose(ctx, closeAt("child-2", 8.0))
	if len(placer.calls) != 6 {
		t.Fatalf("total spawns after level 2 = %d, want 6", len(placer.calls))
	}

	// All four level-2 orders reach target: level 3 gets 8
	for _, id := range []string{"child-3", "child-4", "child-5", "child-6"} {
		m.HandleClose(ctx, closeAt(id, 7.1))
	}
	if len(placer.calls) != 14 {
		t.Fatalf("total spawns after level 3 = %d, want 14", len(placer.calls))
	}

	c, err := m.ChainForOrder("child-7")
	if err != nil {
		t.Fatalf("ChainForOrder: %v", err)
	}
	if c.TotalOrders != 15 || len(c.Levels) != 4 {
		t.Errorf("chain totals = %d orders/%d levels, want 15/4", c.TotalOrders, len(c.Levels))
	}
}

func TestPruningIsLocalToBranch(t *testing.T) {
	placer := &stubPlacer{}
	m := newTestManager(testConfig(), placer, &stubCloser{})
	ctx := context.Background()

	m.HandleOpen(ctx, rootOpen())
	m.HandleClose(ctx, closeAt("root-b", 9))

	// One level-1 branch stops out, the sibling reaches target
	m.HandleClose(ctx, closeAt("child-1", -10))
	m.HandleClose(ctx, closeAt("child-2", 7.3))

	// Escalation continues from the surviving branch only: 2x1
	if len(placer.calls) != 4 {
		t.Fatalf("total spawns = %d, want 4 (2 at level 1, 2 at level 2)", len(placer.calls))
	}
	c, err := m.ChainForOrder("child-3")
	if err != nil {
		t.Fatalf("ChainForOrder: %v", err)
	}
	if c.Status != StatusActive {
		t.Errorf("status = %s, pruning must not end the chain", c.Status)
	}
}

func TestAllBranchesPrunedCompletesChain(t *testing.T) {
	placer := &stubPlacer{}
	m := newTestManager(testConfig(), placer, &stubCloser{})
	ctx := context.Background()

	m.HandleOpen(ctx, rootOpen())
	m.HandleClose(ctx, closeAt("root-b", 8))
	m.HandleClose(ctx, closeAt("child-1", -10))
	m.HandleClose(ctx, closeAt("child-2", -10))

	if len(placer.calls) != 2 {
		t.Fatalf("spawns = %d, want 2 (no escalation after full prune)", len(placer.calls))
	}
	if n := len(m.ActiveChains()); n != 0 {
		t.Errorf("active chains = %d, want 0", n)
	}
}

func TestMaxLevelCapsPyramid(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLevel = 1
	placer := &stubPlacer{}
	m := newTestManager(cfg, placer, &stubCloser{})
	ctx := context.Background()

	m.HandleOpen(ctx, rootOpen())
	m.HandleClose(ctx, closeAt("root-b", 8))
	m.HandleClose(ctx, closeAt("child-1", 8))
	m.HandleClose(ctx, closeAt("child-2", 8))

	if len(placer.calls) != 2 {
		t.Fatalf("spawns = %d, want 2 (level cap reached)", len(placer.calls))
	}
	if n := len(m.ActiveChains()); n != 0 {
		t.Errorf("active chains = %d, want 0 at max level", n)
	}
}

func TestOrderCap(t *testing.T) {
	if got := maxOrdersFor(4); got != 31 {
		t.Errorf("maxOrdersFor(4) = %d, want 31", got)
	}
}

func TestQuoteBooksProfitAtTarget(t *testing.T) {
	closer := &stubCloser{}
	m := newTestManager(testConfig(), &stubPlacer{}, closer)
	ctx := context.Background()

	m.HandleOpen(ctx, rootOpen()) // entry 100, lot 2, target $7

	// 3 points x 2 lots = $6: under target
	m.OnQuote(ctx, broker.Quote{Symbol: "EURUSD", Bid: 103, Ask: 103})
	if len(closer.closed) != 0 {
		t.Fatalf("closed %v below target", closer.closed)
	}

	// 3.6 points x 2 lots = $7.20: booked
	m.OnQuote(ctx, broker.Quote{Symbol: "EURUSD", Bid: 103.6, Ask: 103.6})
	if len(closer.closed) != 1 || closer.closed[0] != "root-b" {
		t.Fatalf("closed = %v, want [root-b]", closer.closed)
	}
}

func TestSafetyDenialEndsEscalationCleanly(t *testing.T) {
	placer := &stubPlacer{}
	m := newTestManager(testConfig(), placer, &stubCloser{})
	ctx := context.Background()

	m.HandleOpen(ctx, rootOpen())
	placer.err = &safety.DeniedError{Reason: "max concurrent orders reached"}
	m.HandleClose(ctx, closeAt("root-b", 8))

	chains := m.ActiveChains()
	if len(chains) != 0 {
		t.Fatalf("active chains = %d, want 0", len(chains))
	}
	c, err := m.Get(placer.calls[0].ChainID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Status != StatusCompleted {
		t.Errorf("status = %s, want COMPLETED on safety denial", c.Status)
	}
}

func TestBrokerRejectionAbortsPyramid(t *testing.T) {
	placer := &stubPlacer{}
	m := newTestManager(testConfig(), placer, &stubCloser{})
	ctx := context.Background()

	m.HandleOpen(ctx, rootOpen())
	placer.err = fmt.Errorf("place EURUSD: %w", broker.ErrRejected)
	m.HandleClose(ctx, closeAt("root-b", 8))

	c, err := m.Get(placer.calls[0].ChainID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Status != StatusAborted {
		t.Errorf("status = %s, want ABORTED on broker rejection", c.Status)
	}
}

func TestTimedOutChildStillCountsAndScores(t *testing.T) {
	placer := &stubPlacer{}
	m := newTestManager(testConfig(), placer, &stubCloser{})
	ctx := context.Background()

	m.HandleOpen(ctx, rootOpen())
	placer.err = fmt.Errorf("place EURUSD: %w", broker.ErrTimeout)
	m.HandleClose(ctx, closeAt("root-b", 8))

	// Both level-1 children timed out; they still belong to the chain
	c, err := m.ChainForOrder("child-1")
	if err != nil {
		t.Fatalf("timed-out child not tracked: %v", err)
	}
	if c.TotalOrders != 3 {
		t.Fatalf("total orders = %d, want 3", c.TotalOrders)
	}

	// One child reconciles to open and later closes at target; the other
	// reconciles to never-placed and scores as a pruned branch
	placer.err = nil
	m.HandleClose(ctx, closeAt("child-1", 7.5))
	m.HandleClose(ctx, lifecycle.Order{ID: "child-2", ChainID: c.ID, Role: lifecycle.RoleB, Symbol: "EURUSD", State: lifecycle.StateRejected})

	// Level complete with one survivor: level 2 spawns two more
	if len(placer.calls) != 4 {
		t.Fatalf("total spawns = %d, want 4", len(placer.calls))
	}
	c, err = m.ChainForOrder("child-3")
	if err != nil {
		t.Fatalf("ChainForOrder: %v", err)
	}
	if c.Status != StatusActive || c.TotalOrders != 5 {
		t.Errorf("chain = %s/%d orders, want ACTIVE/5", c.Status, c.TotalOrders)
	}
}

func TestRestoreRearmsMonitoring(t *testing.T) {
	closer := &stubCloser{}
	m := newTestManager(testConfig(), &stubPlacer{}, closer)
	ctx := context.Background()

	chain := &Chain{
		ID:          "pc-1",
		RootOrderID: "root-b",
		Symbol:      "EURUSD",
		Direction:   signal.DirectionBuy,
		Family:      signal.FamilyCombined,
		SeedRisk:    5,
		Target:      7,
		TotalOrders: 3,
		Status:      StatusActive,
		Levels: []*Level{
			{Index: 0, Orders: []string{"root-b"}, Outcomes: map[string]Outcome{"root-b": OutcomeAtTarget}},
			{Index: 1, Orders: []string{"c-1", "c-2"}, Outcomes: map[string]Outcome{"c-1": OutcomePending, "c-2": OutcomePending}},
		},
	}
	open := []*lifecycle.Order{
		{ID: "c-1", Role: lifecycle.RoleB, Symbol: "EURUSD", Direction: signal.DirectionBuy, EntryPrice: 100, LotSize: 2, State: lifecycle.StateOpen},
		{ID: "c-2", Role: lifecycle.RoleB, Symbol: "EURUSD", Direction: signal.DirectionBuy, EntryPrice: 100, LotSize: 2, State: lifecycle.StateOpen},
	}
	m.Restore([]*Chain{chain}, open)

	m.OnQuote(ctx, broker.Quote{Symbol: "EURUSD", Bid: 104, Ask: 104})
	if len(closer.closed) != 2 {
		t.Fatalf("closed = %v, want both reloaded orders booked", closer.closed)
	}
}

func TestDisabledManagerIgnoresOpens(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	m := newTestManager(cfg, &stubPlacer{}, &stubCloser{})

	m.HandleOpen(context.Background(), rootOpen())
	if n := len(m.ActiveChains()); n != 0 {
		t.Errorf("active chains = %d, want 0 when disabled", n)
	}
}
