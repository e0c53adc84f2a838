package engine

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
	"signal-engine/internal/profitbook"
	"signal-engine/internal/reentry"
	"signal-engine/internal/registry"
	"signal-engine/internal/routing"
	"signal-engine/internal/safety"
	"signal-engine/internal/signal"
	"signal-engine/internal/trend"
)

type stubTrend struct {
	snap   trend.Snapshot
	err    error
	pulses []string
}

func (s *stubTrend) GetTrend(_ context.Context, _ string, _ signal.Timeframe) (trend.Snapshot, error) {
	return s.snap, s.err
}

func (s *stubTrend) UpdatePulse(symbol string, tf signal.Timeframe, d trend.Direction) {
	s.pulses = append(s.pulses, fmt.Sprintf("%s/%d/%s", symbol, tf, d))
}

func bullishTrend() *stubTrend {
	return &stubTrend{snap: trend.Snapshot{
		Direction:  trend.DirectionBullish,
		Oscillator: 62,
		Momentum:   1.5,
		VolumeOK:   true,
	}}
}

func testEngineConfig() *config.Config {
	return &config.Config{
		BrokerConfig: config.BrokerConfig{CallTimeout: time.Second},
		EngineConfig: config.EngineConfig{QueueSize: 8},
		TrendConfig:  config.TrendConfig{FailOpen: true, QuorumPillars: 3},
		OrderConfig: config.OrderConfig{
			RewardRatio:       2.0,
			TrailActivateFrac: 0.5,
			TrailStepFrac:     0.25,
			FixedRiskUSD:      10.0,
			LotStep:           0.01,
			MinLot:            0.01,
			MaxLot:            100,
			StructuralSLFrac:  0.005,
		},
		ReentryConfig: config.ReentryConfig{
			SLHuntEnabled:           true,
			MaxChainLevels:          3,
			RiskReductionFactor:     0.5,
			TPContinuationEnabled:   true,
			ExitContinuationEnabled: true,
			ContinuationWindow:      time.Minute,
		},
		ProfitBookConfig: config.ProfitBookConfig{Enabled: true, MinProfitUSD: 7.0, MaxLevel: 4},
		SafetyConfig: config.SafetyConfig{
			DailyLossCapUSD:    1e6,
			LifetimeLossCapUSD: 1e7,
			LockoutDuration:    30 * time.Minute,
		},
	}
}

type testRig struct {
	engine *Engine
	broker *broker.PaperBroker
	orders *lifecycle.Manager
	trend  *stubTrend
}

func newTestRig(t *testing.T, mutate func(*config.Config)) *testRig {
	t.Helper()
	cfg := testEngineConfig()
	if mutate != nil {
		mutate(cfg)
	}

	pb := broker.NewPaperBroker()
	pb.SetPrice("EURUSD", 100)

	log := zerolog.Nop()
	bus := events.NewBus()
	gov := safety.NewGovernor(cfg.SafetyConfig, bus, log)
	lots := &broker.FixedRiskLotSizer{RiskUSD: 50, LotStep: cfg.OrderConfig.LotStep, MinLot: cfg.OrderConfig.MinLot}
	orders := lifecycle.NewManager(cfg.OrderConfig, cfg.BrokerConfig.CallTimeout, pb, lots, gov, nil, bus, log)

	intents := reentry.NewIntents(nil, cfg.ReentryConfig.ContinuationWindow, log)
	chains := reentry.NewManager(cfg.ReentryConfig, orders, pb, intents, nil, bus, log, nil)
	profit := profitbook.NewManager(cfg.ProfitBookConfig, orders, orders, pb, nil, bus, log, nil)

	reg := registry.New()
	if err := reg.Register(registry.CombinedHandle()); err != nil {
		t.Fatalf("register combined: %v", err)
	}
	if err := reg.Register(registry.PriceActionHandle()); err != nil {
		t.Fatalf("register price action: %v", err)
	}

	ts := bullishTrend()
	eng := New(Deps{
		Config:   cfg,
		Registry: reg,
		Gate:     trend.NewGate(ts, &cfg.TrendConfig, log),
		Trend:    ts,
		Orders:   orders,
		Reentry:  chains,
		Profit:   profit,
		Broker:   pb,
		Bus:      bus,
		Logger:   log,
	})
	eng.Start(context.Background())
	t.Cleanup(eng.Stop)

	return &testRig{engine: eng, broker: pb, orders: orders, trend: ts}
}

func entrySignal(sigType string, dir string, tf string) signal.Signal {
	sig, err := signal.Classify(signal.RawAlert{
		SignalType: sigType,
		Symbol:     "EURUSD",
		Direction:  dir,
		Timeframe:  tf,
		Price:      100,
	})
	if err != nil {
		panic(err)
	}
	return sig
}

func TestEntrySignalPlacesDualOrders(t *testing.T) {
	rig := newTestRig(t, nil)

	rig.engine.process(context.Background(), entrySignal("Momentum_Breakout", "buy", "15"))

	open := rig.orders.Open("EURUSD")
	if len(open) != 2 {
		t.Fatalf("open orders = %d, want A and B", len(open))
	}
	var a, b *lifecycle.Order
	for _, o := range open {
		switch o.Role {
		case lifecycle.RoleA:
			a = o
		case lifecycle.RoleB:
			b = o
		}
	}
	if a == nil || b == nil {
		t.Fatalf("roles = %+v, want one A and one B", open)
	}
	// A: structural stop 0.5% below entry, TP at 2x risk
	if a.TPPrice <= a.EntryPrice {
		t.Errorf("A TP = %v, want above entry", a.TPPrice)
	}
	wantTP := a.EntryPrice + 2*(a.EntryPrice-a.SLPrice)
	if diff := a.TPPrice - wantTP; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("A TP = %v, want %v", a.TPPrice, wantTP)
	}
	// B: no TP, dollar loss at stop equals the fixed budget
	if b.TPPrice != 0 {
		t.Errorf("B TP = %v, want none", b.TPPrice)
	}
	loss := (b.EntryPrice - b.SLPrice) * b.LotSize
	if diff := loss - 10; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("B loss at SL = %v, want 10", loss)
	}
}

func TestGateVetoSkipsEntry(t *testing.T) {
	rig := newTestRig(t, nil)
	// 2 of 4 pillars: trend and volume agree, oscillator and momentum do not
	rig.trend.snap = trend.Snapshot{Direction: trend.DirectionBullish, Oscillator: 40, Momentum: -1, VolumeOK: true}

	rig.engine.process(context.Background(), entrySignal("Momentum_Breakout", "buy", "15"))

	if n := len(rig.orders.Open("")); n != 0 {
		t.Fatalf("open orders = %d, want 0 after veto", n)
	}
}

func TestFailClosedGateVetoesOnServiceError(t *testing.T) {
	rig := newTestRig(t, func(c *config.Config) { c.TrendConfig.FailOpen = false })
	rig.trend.err = fmt.Errorf("trend service unreachable")

	rig.engine.process(context.Background(), entrySignal("Momentum_Breakout", "buy", "15"))

	if n := len(rig.orders.Open("")); n != 0 {
		t.Fatalf("open orders = %d, want 0 in fail-closed mode", n)
	}
}

func TestUnsupportedTimeframeSkipped(t *testing.T) {
	rig := newTestRig(t, nil)

	sig := entrySignal("Momentum_Breakout", "buy", "60")
	sig.Family = signal.FamilyPriceAction // declares TF15 only

	rig.engine.process(context.Background(), sig)

	if n := len(rig.orders.Open("")); n != 0 {
		t.Fatalf("open orders = %d, want 0 for unsupported timeframe", n)
	}
}

func TestRoutingOverridesPerTimeframe(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	// Slowest timeframe routes role A only
	rig.engine.process(ctx, entrySignal("Momentum_Breakout", "buy", "240"))
	open := rig.orders.Open("EURUSD")
	if len(open) != 1 || open[0].Role != lifecycle.RoleA {
		t.Fatalf("TF240 open = %+v, want single role A", open)
	}
}

func TestExitSignalClosesOppositeAndArmsContinuation(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()
	rig.trend.snap = trend.Snapshot{Direction: trend.DirectionBearish, Oscillator: 35, Momentum: -2, VolumeOK: true}

	rig.engine.process(ctx, entrySignal("Momentum_Breakout", "sell", "15"))
	if n := len(rig.orders.Open("EURUSD")); n == 0 {
		t.Fatal("setup: no sell orders opened")
	}

	// Bullish exit closes the SELL side
	exit, err := signal.Classify(signal.RawAlert{SignalType: "Bullish_Exit", Symbol: "EURUSD", Timeframe: "15"})
	if err != nil {
		t.Fatalf("classify exit: %v", err)
	}
	rig.engine.process(ctx, exit)

	if n := len(rig.orders.Open("EURUSD")); n != 0 {
		t.Fatalf("open orders after exit = %d, want 0", n)
	}
	if _, ok := rig.engine.reentry.ConsumeIntent(ctx, "EURUSD", signal.DirectionSell); !ok {
		t.Error("expected continuation window for the closed SELL direction")
	}
}

func TestReversalClosesOppositeFirst(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	rig.trend.snap = trend.Snapshot{Direction: trend.DirectionBearish, Oscillator: 35, Momentum: -2, VolumeOK: true}
	rig.engine.process(ctx, entrySignal("Momentum_Breakout", "sell", "15"))

	rig.trend.snap = bullishTrend().snap
	rig.engine.process(ctx, entrySignal("Liquidity_Trap", "buy", "15"))

	for _, o := range rig.orders.Open("EURUSD") {
		if o.Direction != signal.DirectionBuy {
			t.Errorf("order %s still open in direction %s after reversal", o.ID, o.Direction)
		}
	}
}

func TestShadowModeSuppressesPlacement(t *testing.T) {
	rig := newTestRig(t, func(c *config.Config) { c.EngineConfig.ShadowMode = true })

	rig.engine.process(context.Background(), entrySignal("Momentum_Breakout", "buy", "15"))

	if n := len(rig.orders.Open("")); n != 0 {
		t.Fatalf("open orders = %d, want 0 in shadow mode", n)
	}
}

func TestInfoSignalUpdatesPulse(t *testing.T) {
	rig := newTestRig(t, nil)

	pulse, err := signal.Classify(signal.RawAlert{SignalType: "Trend_Pulse", Symbol: "EURUSD", Direction: "buy", Timeframe: "60"})
	if err != nil {
		t.Fatalf("classify pulse: %v", err)
	}
	rig.engine.process(context.Background(), pulse)

	if len(rig.trend.pulses) != 1 || rig.trend.pulses[0] != "EURUSD/60/bullish" {
		t.Fatalf("pulses = %v, want one bullish update", rig.trend.pulses)
	}
	if n := len(rig.orders.Open("")); n != 0 {
		t.Errorf("info signal opened %d orders", n)
	}
}

func TestSLCloseStartsRecoveryChain(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	// TF240 routes role A only
	rig.engine.process(ctx, entrySignal("Momentum_Breakout", "buy", "240"))
	open := rig.orders.Open("EURUSD")
	if len(open) != 1 {
		t.Fatalf("setup: open = %d, want 1", len(open))
	}
	rootRisk := open[0].RiskDistance

	// Price sweeps through the stop; the poll settles the close and the
	// fanout places one recovery order at half risk
	rig.broker.SetPrice("EURUSD", open[0].SLPrice-0.01)
	rig.orders.PollOnce(ctx)

	recovered := rig.orders.Open("EURUSD")
	if len(recovered) != 1 {
		t.Fatalf("open after SL close = %d, want 1 recovery order", len(recovered))
	}
	rec := recovered[0]
	if rec.ChainID == "" {
		t.Error("recovery order has no chain")
	}
	if diff := rec.RiskDistance - rootRisk/2; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("recovery risk = %v, want %v", rec.RiskDistance, rootRisk/2)
	}
}

func TestSubmitRejectsMalformedAlert(t *testing.T) {
	rig := newTestRig(t, nil)

	err := rig.engine.Submit(signal.RawAlert{SignalType: "Momentum_Breakout", Direction: "buy", Timeframe: "15"})
	var reject *signal.RejectError
	if !errors.As(err, &reject) {
		t.Fatalf("err = %v, want RejectError", err)
	}
	if n := len(rig.orders.Open("")); n != 0 {
		t.Errorf("malformed alert opened %d orders", n)
	}
}

func TestSubmitQueuesAndProcesses(t *testing.T) {
	rig := newTestRig(t, nil)

	if err := rig.engine.Submit(signal.RawAlert{
		SignalType: "Momentum_Breakout", Symbol: "EURUSD", Direction: "buy", Timeframe: "15", Price: 100,
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rig.orders.Open("EURUSD")) == 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("orders not placed before deadline, open = %d", len(rig.orders.Open("EURUSD")))
}

func TestLotMultiplierApplied(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	rig.engine.process(ctx, entrySignal("Momentum_Breakout", "buy", "240"))
	open := rig.orders.Open("EURUSD")
	if len(open) != 1 {
		t.Fatalf("open = %d, want 1", len(open))
	}

	// TF240 carries the 0.625 multiplier; base lot is 50 USD over the
	// structural distance
	route := routing.Resolve(registry.CombinedHandle(), signal.TF240)
	if route.LotMultiplier != 0.625 {
		t.Fatalf("multiplier = %v, want 0.625", route.LotMultiplier)
	}
	base := 50 / open[0].RiskDistance
	want := base * 0.625
	got := open[0].LotSize
	if got > want+0.02 || got < want-0.02 {
		t.Errorf("lot = %v, want ~%v", got, want)
	}
}
