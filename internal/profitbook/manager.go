package profitbook

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

// Store persists pyramid records. The database package implements this.
type Store interface {
	SaveProfitChain(ctx context.Context, c *Chain) error
}

// Placer places pyramid child orders.
type Placer interface {
	PlaceRoleB(ctx context.Context, req lifecycle.PlacementRequest) (*lifecycle.Order, error)
}

// Closer books profit on orders that reached their target.
type Closer interface {
	CloseManually(ctx context.Context, orderID, reason string) (*lifecycle.Order, error)
}

// orderRef is what target monitoring needs about an open pyramid order.
type orderRef struct {
	id        string
	chainID   string
	symbol    string
	direction signal.Direction
	entry     float64
	lot       float64
}

// Manager runs profit pyramids: every role-B open starts or extends a
// chain, every quote is checked against per-order targets, every close is
// scored for escalation.
type Manager struct {
	cfg    config.ProfitBookConfig
	placer Placer
	closer Closer
	quotes broker.Broker
	store  Store
	bus    *events.Bus
	logger zerolog.Logger

	allowed func(signal.Family) bool

	mu      sync.RWMutex
	chains  map[string]*Chain
	byOrder map[string]string   // order ID -> chain ID
	refs    map[string]orderRef // open order ID -> monitoring ref
}

func NewManager(cfg config.ProfitBookConfig, placer Placer, closer Closer, quotes broker.Broker, store Store, bus *events.Bus, logger zerolog.Logger, allowed func(signal.Family) bool) *Manager {
	if allowed == nil {
		allowed = func(signal.Family) bool { return true }
	}
	if cfg.MinProfitUSD <= 0 {
		cfg.MinProfitUSD = 7.0
	}
	if cfg.MaxLevel <= 0 {
		cfg.MaxLevel = 4
	}
	return &Manager{
		cfg:     cfg,
		placer:  placer,
		closer:  closer,
		quotes:  quotes,
		store:   store,
		bus:     bus,
		logger:  logger,
		allowed: allowed,
		chains:  make(map[string]*Chain),
		byOrder: make(map[string]string),
		refs:    make(map[string]orderRef),
	}
}

// HandleOpen tracks a newly opened role-B order. An order without a known
// chain roots a new pyramid at level 0; children spawned by escalation are
// already tracked and pass through.
func (m *Manager) HandleOpen(ctx context.Context, o lifecycle.Order) {
	if !m.cfg.Enabled || o.Role != lifecycle.RoleB || o.State != lifecycle.StateOpen {
		return
	}
	if !m.allowed(o.Family) {
		return
	}

	m.mu.Lock()
	if _, tracked := m.byOrder[o.ID]; tracked {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	chain := &Chain{
		ID:          uuid.New().String(),
		RootOrderID: o.ID,
		Symbol:      o.Symbol,
		Direction:   o.Direction,
		Family:      o.Family,
		SeedRisk:    o.RiskDistance,
		Target:      m.cfg.MinProfitUSD,
		TotalOrders: 1,
		Status:      StatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	chain.Levels = []*Level{{
		Index:    0,
		Orders:   []string{o.ID},
		Outcomes: map[string]Outcome{o.ID: OutcomePending},
	}}
	m.chains[chain.ID] = chain
	m.byOrder[o.ID] = chain.ID
	m.refs[o.ID] = refOf(chain.ID, o)
	m.mu.Unlock()

	m.persist(ctx, chain)
	m.logger.Info().Str("chain_id", chain.ID).Str("order_id", o.ID).
		Float64("target", chain.Target).Msg("profit pyramid started")
}

// OnQuote books profit on any monitored order whose unrealized gain has
// reached the per-order target.
func (m *Manager) OnQuote(ctx context.Context, q broker.Quote) {
	m.mu.RLock()
	var due []orderRef
	for _, ref := range m.refs {
		if ref.symbol != q.Symbol {
			continue
		}
		move := q.Mid() - ref.entry
		if ref.direction == signal.DirectionSell {
			move = ref.entry - q.Mid()
		}
		if move*ref.lot >= m.chainTarget(ref.chainID) {
			due = append(due, ref)
		}
	}
	m.mu.RUnlock()

	for _, ref := range due {
		if _, err := m.closer.CloseManually(ctx, ref.id, "profit_target"); err != nil {
			m.logger.Warn().Str("order_id", ref.id).Err(err).Msg("profit booking close failed")
		}
	}
}

// chainTarget is read under m.mu.
func (m *Manager) chainTarget(chainID string) float64 {
	if chain, ok := m.chains[chainID]; ok {
		return chain.Target
	}
	return m.cfg.MinProfitUSD
}

// HandleClose scores a terminal pyramid order and escalates the chain
// when its level is complete. A rejected order is one whose timed-out
// placement reconciled to never-placed; it scores as a pruned branch.
func (m *Manager) HandleClose(ctx context.Context, o lifecycle.Order) {
	if o.Role != lifecycle.RoleB {
		return
	}
	if !o.State.IsClosed() && o.State != lifecycle.StateRejected {
		return
	}

	m.mu.Lock()
	chainID, ok := m.byOrder[o.ID]
	if !ok {
		m.mu.Unlock()
		return
	}
	chain := m.chains[chainID]
	delete(m.refs, o.ID)
	delete(m.byOrder, o.ID)

	level := chain.levelOf(o.ID)
	if level == nil || chain.Status != StatusActive {
		m.mu.Unlock()
		return
	}

	outcome := OutcomePruned
	if o.RealizedPnL >= chain.Target-1e-9 {
		outcome = OutcomeAtTarget
	}
	level.Outcomes[o.ID] = outcome
	chain.UpdatedAt = time.Now()

	if outcome == OutcomePruned {
		m.bus.Publish(events.Event{Type: events.EventBranchPruned, Data: map[string]interface{}{
			"chain_id": chain.ID, "order_id": o.ID, "level": level.Index, "pnl": o.RealizedPnL,
		}})
		m.logger.Info().Str("chain_id", chain.ID).Str("order_id", o.ID).Int("level", level.Index).
			Msg("pyramid branch pruned")
	}

	if !level.Complete() {
		m.mu.Unlock()
		m.persist(ctx, chain)
		return
	}

	survivors := level.Survivors()
	switch {
	case survivors == 0:
		chain.finish(StatusCompleted, "all branches pruned")
		m.mu.Unlock()
		m.persist(ctx, chain)
		m.logger.Info().Str("chain_id", chain.ID).Msg("profit pyramid ended, all branches pruned")
		return
	case level.Index >= m.cfg.MaxLevel:
		chain.finish(StatusCompleted, "max pyramid level reached")
		m.mu.Unlock()
		m.persist(ctx, chain)
		m.logger.Info().Str("chain_id", chain.ID).Int("level", level.Index).Msg("profit pyramid completed at max level")
		return
	}

	next := &Level{
		Index:    level.Index + 1,
		Outcomes: make(map[string]Outcome),
	}
	chain.Levels = append(chain.Levels, next)
	spawn := 2 * survivors
	if room := maxOrdersFor(m.cfg.MaxLevel) - chain.TotalOrders; spawn > room {
		spawn = room
	}
	m.mu.Unlock()

	m.escalate(ctx, chain, next, spawn)
}

// escalate opens the next level's child orders. A safety denial ends the
// chain cleanly; a broker rejection aborts it.
func (m *Manager) escalate(ctx context.Context, chain *Chain, level *Level, spawn int) {
	quote, err := m.quotes.GetPrice(ctx, chain.Symbol)
	if err != nil {
		m.mu.Lock()
		chain.finish(StatusAborted, "no price for escalation: "+err.Error())
		m.mu.Unlock()
		m.persist(ctx, chain)
		m.logger.Error().Str("chain_id", chain.ID).Err(err).Msg("pyramid escalation aborted")
		return
	}

	entry := quote.Mid()
	structural := entry - chain.SeedRisk
	if chain.Direction == signal.DirectionSell {
		structural = entry + chain.SeedRisk
	}

	placed := 0
	for i := 0; i < spawn; i++ {
		child, err := m.placer.PlaceRoleB(ctx, lifecycle.PlacementRequest{
			ChainID:      chain.ID,
			Symbol:       chain.Symbol,
			Direction:    chain.Direction,
			Family:       chain.Family,
			EntryPrice:   entry,
			StructuralSL: structural,
		})

		var denied *safety.DeniedError
		switch {
		case err == nil:
			m.mu.Lock()
			level.Orders = append(level.Orders, child.ID)
			level.Outcomes[child.ID] = OutcomePending
			chain.TotalOrders++
			m.byOrder[child.ID] = chain.ID
			m.refs[child.ID] = refOf(chain.ID, *child)
			m.mu.Unlock()
			placed++

		case errors.As(err, &denied):
			m.mu.Lock()
			chain.finish(StatusCompleted, "safety governor denied escalation")
			m.mu.Unlock()
			m.persist(ctx, chain)
			m.logger.Warn().Str("chain_id", chain.ID).Msg("pyramid escalation stopped by safety governor")
			return

		case errors.Is(err, broker.ErrTimeout):
			// The child is Unknown at the broker but it still belongs to the
			// level: counted against the order cap and indexed so its
			// eventual close, or a never-placed reconciliation, is scored.
			// No monitoring ref until it is confirmed open.
			m.mu.Lock()
			level.Orders = append(level.Orders, child.ID)
			level.Outcomes[child.ID] = OutcomePending
			chain.TotalOrders++
			m.byOrder[child.ID] = chain.ID
			m.mu.Unlock()
			m.logger.Error().Str("chain_id", chain.ID).Str("order_id", child.ID).
				Msg("pyramid child placement unresolved, awaiting reconciliation")

		default:
			m.mu.Lock()
			chain.finish(StatusAborted, err.Error())
			m.mu.Unlock()
			m.persist(ctx, chain)
			m.bus.Publish(events.Event{Type: events.EventChainAborted, Data: map[string]interface{}{
				"chain_id": chain.ID, "symbol": chain.Symbol, "level": level.Index, "reason": err.Error(),
			}})
			m.logger.Error().Str("chain_id", chain.ID).Err(err).Msg("pyramid aborted on broker rejection")
			return
		}
	}

	m.persist(ctx, chain)
	m.bus.PublishPyramidEscalated(chain.ID, chain.Symbol, level.Index, placed)
	m.logger.Info().Str("chain_id", chain.ID).Int("level", level.Index).Int("orders", placed).
		Msg("pyramid escalated")
}

// Get returns a snapshot of the chain.
func (m *Manager) Get(chainID string) (*Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain, ok := m.chains[chainID]
	if !ok {
		return nil, ErrChainNotFound
	}
	return snapshotChain(chain), nil
}

// ChainForOrder resolves the pyramid an order belongs to.
func (m *Manager) ChainForOrder(orderID string) (*Chain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrChainNotFound
	}
	return snapshotChain(m.chains[id]), nil
}

// ActiveChains returns snapshots of pyramids still running.
func (m *Manager) ActiveChains() []*Chain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Chain
	for _, chain := range m.chains {
		if chain.Status == StatusActive {
			out = append(out, snapshotChain(chain))
		}
	}
	return out
}

// Restore reloads persisted chains and re-arms monitoring for the given
// open orders. Callers must reconcile any Unknown orders first so the
// pyramid never resumes on assumed state.
func (m *Manager) Restore(chains []*Chain, open []*lifecycle.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, chain := range chains {
		m.chains[chain.ID] = chain
	}
	for _, chain := range chains {
		for _, level := range chain.Levels {
			for _, id := range level.Orders {
				if level.Outcomes[id] == OutcomePending {
					m.byOrder[id] = chain.ID
				}
			}
		}
	}
	for _, o := range open {
		if o.State != lifecycle.StateOpen || o.Role != lifecycle.RoleB {
			continue
		}
		if chainID, ok := m.byOrder[o.ID]; ok {
			m.refs[o.ID] = refOf(chainID, *o)
		}
	}
}

func (m *Manager) persist(ctx context.Context, chain *Chain) {
	if m.store == nil {
		return
	}
	m.mu.RLock()
	snap := snapshotChain(chain)
	m.mu.RUnlock()
	if err := m.store.SaveProfitChain(ctx, snap); err != nil {
		m.logger.Error().Str("chain_id", chain.ID).Err(err).Msg("profit chain persist failed")
	}
}

func refOf(chainID string, o lifecycle.Order) orderRef {
	return orderRef{
		id:        o.ID,
		chainID:   chainID,
		symbol:    o.Symbol,
		direction: o.Direction,
		entry:     o.EntryPrice,
		lot:       o.LotSize,
	}
}

func snapshotChain(c *Chain) *Chain {
	cp := *c
	cp.Levels = make([]*Level, len(c.Levels))
	for i, l := range c.Levels {
		lc := &Level{
			Index:    l.Index,
			Orders:   append([]string(nil), l.Orders...),
			Outcomes: make(map[string]Outcome, len(l.Outcomes)),
		}
		for k, v := range l.Outcomes {
			lc.Outcomes[k] = v
		}
		cp.Levels[i] = lc
	}
	return &cp
}
