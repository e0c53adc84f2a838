// Package engine orchestrates the signal flow: classification, strategy
// routing, trend gating, role resolution, order placement, and the close
// fanout into the chain managers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
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
	"signal-engine/internal/signal"
	"signal-engine/internal/trend"
)

var ErrNotRunning = errors.New("engine is not running")

// streamKey identifies one ordered ingestion stream. Signals for the same
// symbol and timeframe are processed strictly in order; different pairs
// run concurrently.
type streamKey struct {
	symbol string
	tf     signal.Timeframe
}

// Deps bundles the collaborators the engine wires together.
type Deps struct {
	Config   *config.Config
	Registry *registry.Registry
	Gate     *trend.Gate
	Trend    trend.Service
	Orders   *lifecycle.Manager
	Reentry  *reentry.Manager
	Profit   *profitbook.Manager
	Broker   broker.Broker
	Bus      *events.Bus
	Logger   zerolog.Logger
}

// Engine drives signals through the decision pipeline and places orders.
type Engine struct {
	cfg      *config.Config
	registry *registry.Registry
	gate     *trend.Gate
	trend    trend.Service
	orders   *lifecycle.Manager
	reentry  *reentry.Manager
	profit   *profitbook.Manager
	broker   broker.Broker
	bus      *events.Bus
	logger   zerolog.Logger
	shadow   bool

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	streams map[streamKey]chan signal.Signal
	wg      sync.WaitGroup
}

func New(d Deps) *Engine {
	return &Engine{
		cfg:      d.Config,
		registry: d.Registry,
		gate:     d.Gate,
		trend:    d.Trend,
		orders:   d.Orders,
		reentry:  d.Reentry,
		profit:   d.Profit,
		broker:   d.Broker,
		bus:      d.Bus,
		logger:   d.Logger,
		shadow:   d.Config.EngineConfig.ShadowMode,
		streams:  make(map[streamKey]chan signal.Signal),
	}
}

// Start wires the close fanout and begins accepting signals.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true

	e.orders.OnClose(func(o lifecycle.Order) {
		e.reentry.HandleClose(e.ctx, o)
		e.profit.HandleClose(e.ctx, o)
	})

	e.bus.Publish(events.Event{Type: events.EventEngineStarted, Data: map[string]interface{}{
		"shadow_mode": e.shadow,
	}})
	e.logger.Info().Bool("shadow_mode", e.shadow).Msg("engine started")
}

// Stop drains the ingestion streams and waits for in-flight signals.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	for _, ch := range e.streams {
		close(ch)
	}
	e.streams = make(map[streamKey]chan signal.Signal)
	cancel := e.cancel
	e.mu.Unlock()

	e.wg.Wait()
	cancel()
	e.bus.Publish(events.Event{Type: events.EventEngineStopped})
	e.logger.Info().Msg("engine stopped")
}

// Submit classifies a raw alert and queues it on its ordered stream.
// Classification failures are dropped and reported to the caller.
func (e *Engine) Submit(raw signal.RawAlert) error {
	sig, err := signal.Classify(raw)
	if err != nil {
		e.bus.Publish(events.Event{Type: events.EventSignalRejected, Data: map[string]interface{}{
			"signal_type": raw.SignalType, "symbol": raw.Symbol, "error": err.Error(),
		}})
		e.logger.Warn().Str("signal_type", raw.SignalType).Str("symbol", raw.Symbol).
			Err(err).Msg("alert dropped")
		return err
	}

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	key := streamKey{symbol: sig.Symbol, tf: sig.Timeframe}
	ch, ok := e.streams[key]
	if !ok {
		size := e.cfg.EngineConfig.QueueSize
		if size <= 0 {
			size = 64
		}
		ch = make(chan signal.Signal, size)
		e.streams[key] = ch
		e.wg.Add(1)
		go e.worker(ch)
	}

	// Stop closes stream channels under this same lock; sends must not
	// escape it
	var full bool
	select {
	case ch <- sig:
	default:
		full = true
	}
	e.mu.Unlock()

	if full {
		e.logger.Warn().Str("symbol", sig.Symbol).Int("tf", int(sig.Timeframe)).
			Msg("signal stream full, dropping")
		return fmt.Errorf("stream %s/%d full", sig.Symbol, sig.Timeframe)
	}
	return nil
}

func (e *Engine) worker(ch chan signal.Signal) {
	defer e.wg.Done()
	for sig := range ch {
		e.process(e.ctx, sig)
	}
}

func (e *Engine) process(ctx context.Context, sig signal.Signal) {
	e.bus.Publish(events.Event{Type: events.EventSignalReceived, Data: map[string]interface{}{
		"signal_id": sig.ID, "signal_type": string(sig.Type), "symbol": sig.Symbol,
		"category": string(sig.Category),
	}})

	if stale := e.cfg.EngineConfig.DropStaleAfter; stale > 0 &&
		time.Since(sig.ReceivedAt) > time.Duration(stale)*time.Second {
		e.logger.Warn().Str("signal_id", sig.ID).Str("symbol", sig.Symbol).Msg("stale signal dropped")
		return
	}

	handle, err := e.registry.Route(sig)
	if err != nil {
		e.bus.Publish(events.Event{Type: events.EventSignalSkipped, Data: map[string]interface{}{
			"signal_id": sig.ID, "symbol": sig.Symbol, "reason": err.Error(),
		}})
		e.logger.Debug().Str("signal_id", sig.ID).Str("symbol", sig.Symbol).
			Err(err).Msg("signal skipped")
		return
	}

	switch sig.Category {
	case signal.CategoryInfo:
		e.handleInfo(sig)
	case signal.CategoryExit:
		e.handleExit(ctx, sig)
	default:
		e.handleEntry(ctx, sig, handle)
	}
}

// handleInfo pushes pulse state into the trend service; info signals never
// place orders.
func (e *Engine) handleInfo(sig signal.Signal) {
	pu, ok := e.trend.(trend.PulseUpdater)
	if !ok || sig.Direction == "" {
		return
	}
	dir := trend.DirectionBullish
	if sig.Direction == signal.DirectionSell {
		dir = trend.DirectionBearish
	}
	pu.UpdatePulse(sig.Symbol, sig.Timeframe, dir)
	e.logger.Debug().Str("symbol", sig.Symbol).Str("direction", string(dir)).Msg("trend pulse updated")
}

// handleExit flattens the direction opposed by the exit stance: a bullish
// exit closes sells, a bearish exit closes buys. The closed direction is
// then armed for continuation re-entry.
func (e *Engine) handleExit(ctx context.Context, sig signal.Signal) {
	closeDir := sig.Direction.Opposite()
	closed := e.closeDirection(ctx, sig.Symbol, closeDir, "exit_signal")
	if closed == 0 {
		return
	}
	e.reentry.RegisterExitContinuation(ctx, sig.Symbol, sig.Family, closeDir)
	e.logger.Info().Str("symbol", sig.Symbol).Str("closed_direction", string(closeDir)).
		Int("orders", closed).Msg("exit signal flattened positions")
}

func (e *Engine) handleEntry(ctx context.Context, sig signal.Signal, handle *registry.Handle) {
	// Reversal signals flush the opposite side before entering
	if sig.IsReversal() {
		if n := e.closeDirection(ctx, sig.Symbol, sig.Direction.Opposite(), "reversal"); n > 0 {
			e.logger.Info().Str("symbol", sig.Symbol).Int("orders", n).Msg("reversal closed opposite positions")
		}
	}

	if _, ok := e.reentry.ConsumeIntent(ctx, sig.Symbol, sig.Direction); ok {
		e.logger.Info().Str("symbol", sig.Symbol).Str("direction", string(sig.Direction)).
			Msg("continuation window fulfilled by fresh signal")
	}

	decision := e.gate.Approve(ctx, sig.Symbol, sig.Timeframe, sig.Direction)
	if !decision.Approved {
		e.bus.Publish(events.Event{Type: events.EventGateVeto, Data: map[string]interface{}{
			"signal_id": sig.ID, "symbol": sig.Symbol, "pillars_for": decision.PillarsFor,
			"service_down": decision.ServiceDown,
		}})
		return
	}

	route := routing.Resolve(handle, sig.Timeframe)
	entry, sl, err := e.entryLevels(ctx, sig)
	if err != nil {
		e.logger.Error().Str("signal_id", sig.ID).Str("symbol", sig.Symbol).
			Err(err).Msg("no entry price, signal dropped")
		return
	}

	if e.shadow {
		e.logger.Info().Str("symbol", sig.Symbol).Str("direction", string(sig.Direction)).
			Str("roles", route.Roles.String()).Float64("entry", entry).Float64("sl", sl).
			Msg("shadow mode: placement suppressed")
		return
	}

	req := lifecycle.PlacementRequest{
		Symbol:        sig.Symbol,
		Direction:     sig.Direction,
		Family:        sig.Family,
		EntryPrice:    entry,
		StructuralSL:  sl,
		LotMultiplier: route.LotMultiplier,
	}

	if route.Roles.HasA() {
		if _, err := e.orders.PlaceRoleA(ctx, req); err != nil {
			e.placementFailed(ctx, sig, "A", err)
		}
	}
	if route.Roles.HasB() && handle.Capabilities.ProfitBooking {
		o, err := e.orders.PlaceRoleB(ctx, req)
		if err != nil {
			e.placementFailed(ctx, sig, "B", err)
			return
		}
		e.profit.HandleOpen(ctx, *o)
	}
}

// placementFailed settles the aftermath of a failed placement: timeouts
// get an immediate reconciliation attempt, everything else is already
// evented by the lifecycle manager.
func (e *Engine) placementFailed(ctx context.Context, sig signal.Signal, role string, err error) {
	e.logger.Warn().Str("signal_id", sig.ID).Str("symbol", sig.Symbol).Str("role", role).
		Err(err).Msg("placement failed")
	if !errors.Is(err, broker.ErrTimeout) {
		return
	}
	for _, id := range e.orders.Unreconciled() {
		if _, rerr := e.orders.Reconcile(ctx, id); rerr != nil {
			e.logger.Error().Str("order_id", id).Err(rerr).Msg("reconciliation failed, will retry on next poll")
		}
	}
}

// closeDirection flattens all open orders on symbol with the given
// direction and returns how many were closed.
func (e *Engine) closeDirection(ctx context.Context, symbol string, dir signal.Direction, reason string) int {
	if e.shadow {
		return 0
	}
	n := 0
	for _, o := range e.orders.Open(symbol) {
		if o.Direction != dir {
			continue
		}
		if _, err := e.orders.CloseManually(ctx, o.ID, reason); err != nil {
			e.logger.Error().Str("order_id", o.ID).Err(err).Msg("close failed")
			continue
		}
		n++
	}
	return n
}

// entryLevels resolves the entry price and the structural stop. The alert
// price is preferred; otherwise the broker quote. The structural stop
// falls back to a configured fraction of the entry when the strategy
// supplies no level.
func (e *Engine) entryLevels(ctx context.Context, sig signal.Signal) (entry, sl float64, err error) {
	entry = sig.RawPrice
	if entry <= 0 {
		quote, qerr := e.broker.GetPrice(ctx, sig.Symbol)
		if qerr != nil {
			return 0, 0, qerr
		}
		entry = quote.Mid()
	}

	frac := e.cfg.OrderConfig.StructuralSLFrac
	if frac <= 0 {
		frac = 0.005
	}
	dist := math.Abs(entry) * frac
	if sig.Direction == signal.DirectionSell {
		return entry, entry + dist, nil
	}
	return entry, entry - dist, nil
}

// HandleQuote feeds streamed prices into trailing and profit booking.
func (e *Engine) HandleQuote(q broker.Quote) {
	e.mu.Lock()
	ctx := e.ctx
	running := e.running
	e.mu.Unlock()
	if !running {
		return
	}
	e.orders.OnQuote(ctx, q)
	e.profit.OnQuote(ctx, q)
}
