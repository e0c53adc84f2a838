package reentry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signal-engine/config"
	"signal-engine/internal/broker"
	"signal-engine/internal/events"
	"signal-engine/internal/lifecycle"
	"signal-engine/internal/safety"
	"signal-engine/internal/signal"
)

// Store persists chain records. The database package implements this.
type Store interface {
	SaveChain(ctx context.Context, c *Chain) error
}

// Placer is the slice of the order lifecycle manager the chain manager
// needs for recovery placements.
type Placer interface {
	PlaceRoleA(ctx context.Context, req lifecycle.PlacementRequest) (*lifecycle.Order, error)
}

// Manager reacts to order closes: it runs SL Hunt recovery chains and
// arms TP/exit continuation windows. One active chain per root order.
type Manager struct {
	cfg     config.ReentryConfig
	placer  Placer
	quotes  broker.Broker
	intents *Intents
	store   Store
	bus     *events.Bus
	logger  zerolog.Logger

	// allowed reports whether the owning strategy declared the reentry
	// capability for this family.
	allowed func(signal.Family) bool

	mu      sync.RWMutex
	chains  map[string]*Chain // keyed by chain ID
	byOrder map[string]string // open recovery order ID -> chain ID
}

func NewManager(cfg config.ReentryConfig, placer Placer, quotes broker.Broker, intents *Intents, store Store, bus *events.Bus, logger zerolog.Logger, allowed func(signal.Family) bool) *Manager {
	if allowed == nil {
		allowed = func(signal.Family) bool { return true }
	}
	if cfg.MaxChainLevels <= 0 {
		cfg.MaxChainLevels = 3
	}
	if cfg.RiskReductionFactor <= 0 || cfg.RiskReductionFactor >= 1 {
		cfg.RiskReductionFactor = 0.5
	}
	return &Manager{
		cfg:     cfg,
		placer:  placer,
		quotes:  quotes,
		intents: intents,
		store:   store,
		bus:     bus,
		logger:  logger,
		allowed: allowed,
		chains:  make(map[string]*Chain),
		byOrder: make(map[string]string),
	}
}

// HandleClose is the fanout entry point. Wire it to the lifecycle
// manager's close handlers.
func (m *Manager) HandleClose(ctx context.Context, o lifecycle.Order) {
	if o.Role != lifecycle.RoleA {
		return
	}
	switch o.State {
	case lifecycle.StateClosedSL:
		m.onStopLoss(ctx, o)
	case lifecycle.StateClosedTP:
		m.onTakeProfit(ctx, o)
	case lifecycle.StateClosedManual:
		m.onManualClose(ctx, o)
	case lifecycle.StateRejected:
		m.onNotPlaced(ctx, o)
	}
}

// onStopLoss continues an existing chain or starts a new one, then
// attempts one recovery placement at reduced risk.
func (m *Manager) onStopLoss(ctx context.Context, o lifecycle.Order) {
	if !m.cfg.SLHuntEnabled || !m.allowed(o.Family) {
		return
	}

	chain := m.chainFor(o)
	if chain == nil {
		chain = m.startChain(ctx, o, TriggerSLHunt)
	}
	if !chain.IsActive() {
		return
	}

	m.mu.Lock()
	delete(m.byOrder, o.ID)
	if chain.Level >= m.cfg.MaxChainLevels {
		chain.finish(StatusCompleted, "chain level cap reached")
		m.mu.Unlock()
		m.persist(ctx, chain)
		m.bus.Publish(events.Event{Type: events.EventChainCompleted, Data: map[string]interface{}{
			"chain_id": chain.ID, "symbol": chain.Symbol, "level": chain.Level, "reason": chain.StatusReason,
		}})
		m.logger.Info().Str("chain_id", chain.ID).Int("level", chain.Level).Msg("recovery chain completed at level cap")
		return
	}
	risk := chain.LastRisk * m.cfg.RiskReductionFactor
	level := chain.Level + 1
	m.mu.Unlock()

	quote, err := m.quotes.GetPrice(ctx, o.Symbol)
	if err != nil {
		m.abort(ctx, chain, "no price for recovery entry: "+err.Error())
		return
	}

	rec, err := m.placer.PlaceRoleA(ctx, lifecycle.PlacementRequest{
		ChainID:      chain.ID,
		Symbol:       o.Symbol,
		Direction:    o.Direction,
		Family:       o.Family,
		EntryPrice:   quote.Mid(),
		RiskOverride: risk,
	})

	var denied *safety.DeniedError
	switch {
	case err == nil:
		m.mu.Lock()
		chain.Level = level
		chain.LastRisk = risk
		chain.ActiveOrder = rec.ID
		chain.UpdatedAt = time.Now()
		m.byOrder[rec.ID] = chain.ID
		m.mu.Unlock()
		m.persist(ctx, chain)
		m.bus.PublishRecoveryStarted(chain.ID, rec.ID, chain.Symbol, level)
		m.logger.Info().Str("chain_id", chain.ID).Str("order_id", rec.ID).Int("level", level).
			Float64("risk", risk).Msg("recovery order placed")

	case errors.As(err, &denied):
		// Safety denial ends the hunt quietly; it is not a broker failure
		m.complete(ctx, chain, "safety governor denied recovery")

	case errors.Is(err, broker.ErrTimeout):
		// The recovery order is Unknown at the broker but the level is
		// spent: the cap must hold across timeout-reconcile cycles. A
		// never-placed reconciliation aborts the chain via HandleClose.
		m.mu.Lock()
		chain.Level = level
		chain.LastRisk = risk
		chain.ActiveOrder = rec.ID
		chain.UpdatedAt = time.Now()
		m.byOrder[rec.ID] = chain.ID
		m.mu.Unlock()
		m.persist(ctx, chain)
		m.logger.Error().Str("chain_id", chain.ID).Str("order_id", rec.ID).
			Msg("recovery placement unresolved, awaiting reconciliation")

	default:
		m.abort(ctx, chain, err.Error())
	}
}

// onNotPlaced settles a recovery placement whose timeout reconciled to
// never-placed. The hunt cannot continue on a phantom order.
func (m *Manager) onNotPlaced(ctx context.Context, o lifecycle.Order) {
	chain := m.chainFor(o)
	if chain == nil || !chain.IsActive() {
		return
	}
	m.mu.Lock()
	delete(m.byOrder, o.ID)
	active := chain.ActiveOrder == o.ID
	m.mu.Unlock()
	if !active {
		return
	}
	m.abort(ctx, chain, "recovery placement never reached the broker")
}

// onTakeProfit completes any running chain and arms a TP continuation
// window for the same direction.
func (m *Manager) onTakeProfit(ctx context.Context, o lifecycle.Order) {
	if chain := m.chainFor(o); chain != nil && chain.IsActive() {
		m.complete(ctx, chain, "recovered in profit")
	}
	if !m.cfg.TPContinuationEnabled || !m.allowed(o.Family) {
		return
	}
	m.register(ctx, o, TriggerTPContinue)
}

// onManualClose only settles chain bookkeeping; manual flattening ends a
// hunt without continuation.
func (m *Manager) onManualClose(ctx context.Context, o lifecycle.Order) {
	chain := m.chainFor(o)
	if chain == nil || !chain.IsActive() {
		return
	}
	if o.RealizedPnL > 0 {
		m.complete(ctx, chain, "recovered in profit")
		return
	}
	m.complete(ctx, chain, "closed manually")
}

// RegisterExitContinuation arms a continuation window for a direction
// that was flattened by an opposite exit signal.
func (m *Manager) RegisterExitContinuation(ctx context.Context, symbol string, family signal.Family, dir signal.Direction) {
	if !m.cfg.ExitContinuationEnabled || !m.allowed(family) {
		return
	}
	m.intents.Register(ctx, Intent{Symbol: symbol, Direction: dir, Family: family, Trigger: TriggerTPContinue})
	m.bus.Publish(events.Event{Type: events.EventContinuationSet, Data: map[string]interface{}{
		"symbol": symbol, "direction": string(dir), "trigger": "exit",
	}})
}

// ConsumeIntent fulfills a pending continuation intent for a fresh
// qualifying signal. Returns false when no live window exists.
func (m *Manager) ConsumeIntent(ctx context.Context, symbol string, dir signal.Direction) (Intent, bool) {
	return m.intents.Consume(ctx, symbol, dir)
}

func (m *Manager) register(ctx context.Context, o lifecycle.Order, trigger TriggerType) {
	m.intents.Register(ctx, Intent{Symbol: o.Symbol, Direction: o.Direction, Family: o.Family, Trigger: trigger})
	m.bus.Publish(events.Event{Type: events.EventContinuationSet, Data: map[string]interface{}{
		"symbol": o.Symbol, "direction": string(o.Direction), "trigger": string(trigger),
	}})
	m.logger.Debug().Str("symbol", o.Symbol).Str("direction", string(o.Direction)).Msg("continuation window armed")
}

// chainFor resolves the chain a closed order belongs to, preferring the
// order's own chain ID over the recovery-order index.
func (m *Manager) chainFor(o lifecycle.Order) *Chain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o.ChainID != "" {
		return m.chains[o.ChainID]
	}
	if id, ok := m.byOrder[o.ID]; ok {
		return m.chains[id]
	}
	return nil
}

func (m *Manager) startChain(ctx context.Context, o lifecycle.Order, trigger TriggerType) *Chain {
	now := time.Now()
	chain := &Chain{
		ID:          uuid.New().String(),
		RootOrderID: o.ID,
		Symbol:      o.Symbol,
		Direction:   o.Direction,
		Family:      o.Family,
		Level:       0,
		Trigger:     trigger,
		Status:      StatusActive,
		LastRisk:    o.RiskDistance,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.mu.Lock()
	m.chains[chain.ID] = chain
	m.mu.Unlock()
	m.persist(ctx, chain)
	return chain
}

func (m *Manager) complete(ctx context.Context, chain *Chain, reason string) {
	m.mu.Lock()
	chain.finish(StatusCompleted, reason)
	m.mu.Unlock()
	m.persist(ctx, chain)
	m.bus.Publish(events.Event{Type: events.EventChainCompleted, Data: map[string]interface{}{
		"chain_id": chain.ID, "symbol": chain.Symbol, "level": chain.Level, "reason": reason,
	}})
	m.logger.Info().Str("chain_id", chain.ID).Str("reason", reason).Msg("recovery chain completed")
}

// abort is the terminal failure path: broker rejection or a missing
// price. Safety relevant, never retried.
func (m *Manager) abort(ctx context.Context, chain *Chain, reason string) {
	m.mu.Lock()
	chain.finish(StatusAborted, reason)
	m.mu.Unlock()
	m.persist(ctx, chain)
	m.bus.Publish(events.Event{Type: events.EventChainAborted, Data: map[string]interface{}{
		"chain_id": chain.ID, "symbol": chain.Symbol, "level": chain.Level, "reason": reason,
	}})
	m.logger.Error().Str("chain_id", chain.ID).Str("reason", reason).Msg("recovery chain aborted")
}

// Get returns the chain by ID.
func (m *Manager) Get(chainID string) (*Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain, ok := m.chains[chainID]
	if !ok {
		return nil, ErrChainNotFound
	}
	cp := *chain
	return &cp, nil
}

// ActiveChains returns snapshots of all chains still hunting.
func (m *Manager) ActiveChains() []*Chain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Chain
	for _, chain := range m.chains {
		if chain.IsActive() {
			cp := *chain
			out = append(out, &cp)
		}
	}
	return out
}

// Restore re-registers persisted chains after a restart.
func (m *Manager) Restore(chains []*Chain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, chain := range chains {
		m.chains[chain.ID] = chain
		if chain.IsActive() && chain.ActiveOrder != "" {
			m.byOrder[chain.ActiveOrder] = chain.ID
		}
	}
}

func (m *Manager) persist(ctx context.Context, chain *Chain) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveChain(ctx, chain); err != nil {
		m.logger.Error().Str("chain_id", chain.ID).Err(err).Msg("chain persist failed")
	}
}
