package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"signal-engine/config"
	"signal-engine/internal/broker"
	"signal-engine/internal/events"
	"signal-engine/internal/safety"
	"signal-engine/internal/signal"
)

var (
	ErrNotFound     = errors.New("order not found")
	ErrUnreconciled = errors.New("order state unknown, reconcile first")
)

// Store persists order records. The database package implements this.
type Store interface {
	SaveOrder(ctx context.Context, o *Order) error
}

// CloseHandler receives a snapshot of every order that reaches a closed
// state. Chain and profit-booking managers hook in here.
type CloseHandler func(Order)

// PlacementRequest carries everything needed to open an order. The
// structural stop comes from the signal; lot multiplier from the
// execution route.
type PlacementRequest struct {
	ChainID       string
	Symbol        string
	Direction     signal.Direction
	Family        signal.Family
	EntryPrice    float64
	StructuralSL  float64
	LotMultiplier float64
	RiskOverride  float64 // Overrides the structural risk distance when > 0
	Comment       string
}

// managedOrder pairs an order with its own mutex so lifecycle operations
// on different orders never contend.
type managedOrder struct {
	mu        sync.Mutex
	order     *Order
	highWater float64 // Best favorable price seen while open
}

// Manager drives orders through the state machine. All broker effects on
// a given order are serialized through its per-order lock.
type Manager struct {
	cfg         config.OrderConfig
	callTimeout time.Duration
	broker      broker.Broker
	lots        broker.LotSizer
	governor    *safety.Governor
	store       Store
	bus         *events.Bus
	logger      zerolog.Logger

	mu      sync.RWMutex
	orders  map[string]*managedOrder
	closeMu sync.RWMutex
	onClose []CloseHandler
}

func NewManager(cfg config.OrderConfig, callTimeout time.Duration, b broker.Broker, lots broker.LotSizer, gov *safety.Governor, store Store, bus *events.Bus, logger zerolog.Logger) *Manager {
	if callTimeout <= 0 {
		callTimeout = 5 * time.Second
	}
	return &Manager{
		cfg:         cfg,
		callTimeout: callTimeout,
		broker:      b,
		lots:        lots,
		governor:    gov,
		store:       store,
		bus:         bus,
		logger:      logger,
		orders:      make(map[string]*managedOrder),
	}
}

// OnClose registers a handler invoked synchronously, in registration
// order, whenever an order closes.
func (m *Manager) OnClose(fn CloseHandler) {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	m.onClose = append(m.onClose, fn)
}

// PlaceRoleA opens the primary order: stop at the structural level,
// target at RewardRatio times the risk distance, trailing enabled.
func (m *Manager) PlaceRoleA(ctx context.Context, req PlacementRequest) (*Order, error) {
	risk := req.RiskOverride
	if risk <= 0 {
		risk = math.Abs(req.EntryPrice - req.StructuralSL)
	}
	if risk <= 0 {
		return nil, fmt.Errorf("role A placement for %s: zero risk distance", req.Symbol)
	}

	lot, err := m.lots.CalculateLot(ctx, req.Symbol, risk, req.EntryPrice)
	if err != nil {
		return nil, fmt.Errorf("lot sizing: %w", err)
	}
	lot = m.clampLot(lot * multiplierOrOne(req.LotMultiplier))

	sl, tp := aLevels(req.Direction, req.EntryPrice, risk, m.cfg.RewardRatio)
	o := m.newOrder(req, RoleA, lot, risk, sl, tp)
	o.Trailing = true
	return o, m.place(ctx, o)
}

// PlaceRoleB opens the secondary order: sized first, then stopped at the
// distance where the dollar loss equals the fixed risk budget. No target;
// profit booking closes it.
func (m *Manager) PlaceRoleB(ctx context.Context, req PlacementRequest) (*Order, error) {
	structural := math.Abs(req.EntryPrice - req.StructuralSL)
	if structural <= 0 {
		return nil, fmt.Errorf("role B placement for %s: zero risk distance", req.Symbol)
	}

	lot, err := m.lots.CalculateLot(ctx, req.Symbol, structural, req.EntryPrice)
	if err != nil {
		return nil, fmt.Errorf("lot sizing: %w", err)
	}
	lot = m.clampLot(lot * multiplierOrOne(req.LotMultiplier))

	risk := m.cfg.FixedRiskUSD / lot
	sl := req.EntryPrice - risk
	if req.Direction == signal.DirectionSell {
		sl = req.EntryPrice + risk
	}

	o := m.newOrder(req, RoleB, lot, risk, sl, 0)
	return o, m.place(ctx, o)
}

func (m *Manager) newOrder(req PlacementRequest, role Role, lot, risk, sl, tp float64) *Order {
	return &Order{
		ID:           uuid.New().String(),
		ChainID:      req.ChainID,
		Role:         role,
		Symbol:       req.Symbol,
		Direction:    req.Direction,
		Family:       req.Family,
		LotSize:      lot,
		EntryPrice:   req.EntryPrice,
		SLPrice:      sl,
		TPPrice:      tp,
		RiskDistance: risk,
		State:        StatePending,
		CreatedAt:    time.Now(),
	}
}

// place runs the safety check and the broker call, then settles the order
// into Open, Rejected or Unknown. The order is tracked in every outcome
// except rejection.
func (m *Manager) place(ctx context.Context, o *Order) error {
	if err := m.governor.Check(string(o.Family)); err != nil {
		return err
	}

	mo := &managedOrder{order: o}
	mo.mu.Lock()
	defer mo.mu.Unlock()

	m.mu.Lock()
	m.orders[o.ID] = mo
	m.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	ticket, err := m.broker.PlaceOrder(callCtx, broker.OrderSpec{
		Symbol:    o.Symbol,
		Direction: o.Direction,
		LotSize:   o.LotSize,
		SLPrice:   o.SLPrice,
		TPPrice:   o.TPPrice,
		Comment:   fmt.Sprintf("se-%s-%s", o.Role, o.ID[:8]),
	})

	switch {
	case err == nil:
		o.BrokerID = ticket.BrokerID
		o.EntryPrice = ticket.EntryPrice
		o.OpenedAt = ticket.PlacedAt
		// Stops were quoted off the requested entry; anchor them to the fill
		m.rebaseLevels(o)
		_ = o.transition(StateOpen)
		m.governor.RecordOpen()
		m.persist(ctx, o)
		m.bus.PublishEntryPlaced(o.ID, o.Symbol, string(o.Direction), string(o.Role), o.EntryPrice, o.SLPrice, o.TPPrice, o.LotSize)
		m.logger.Info().Str("order_id", o.ID).Str("symbol", o.Symbol).Str("role", string(o.Role)).
			Float64("entry", o.EntryPrice).Float64("sl", o.SLPrice).Float64("tp", o.TPPrice).
			Float64("lot", o.LotSize).Msg("order opened")
		return nil

	case errors.Is(err, broker.ErrRejected):
		m.governor.Release()
		_ = o.transition(StateRejected)
		m.untrack(o.ID)
		m.persist(ctx, o)
		m.bus.Publish(events.Event{Type: events.EventOrderRejected, Data: map[string]interface{}{
			"order_id": o.ID, "symbol": o.Symbol, "role": string(o.Role), "error": err.Error(),
		}})
		m.logger.Warn().Str("order_id", o.ID).Str("symbol", o.Symbol).Err(err).Msg("order rejected")
		return fmt.Errorf("place %s: %w", o.Symbol, err)

	case errors.Is(err, broker.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		m.governor.Release()
		_ = o.transition(StateUnknown)
		m.persist(ctx, o)
		m.bus.Publish(events.Event{Type: events.EventOrderUnknown, Data: map[string]interface{}{
			"order_id": o.ID, "symbol": o.Symbol, "role": string(o.Role),
		}})
		m.logger.Error().Str("order_id", o.ID).Str("symbol", o.Symbol).Msg("placement timed out, state unknown")
		return fmt.Errorf("place %s: %w", o.Symbol, broker.ErrTimeout)

	default:
		m.governor.Release()
		_ = o.transition(StateRejected)
		m.untrack(o.ID)
		m.persist(ctx, o)
		m.logger.Error().Str("order_id", o.ID).Str("symbol", o.Symbol).Err(err).Msg("placement failed")
		return fmt.Errorf("place %s: %w", o.Symbol, err)
	}
}

// rebaseLevels shifts SL/TP by the fill slippage so the risk distance is
// preserved against the actual entry.
func (m *Manager) rebaseLevels(o *Order) {
	if o.Direction == signal.DirectionBuy {
		o.SLPrice = o.EntryPrice - o.RiskDistance
		if o.TPPrice > 0 {
			o.TPPrice = o.EntryPrice + o.RiskDistance*m.cfg.RewardRatio
		}
		return
	}
	o.SLPrice = o.EntryPrice + o.RiskDistance
	if o.TPPrice > 0 {
		o.TPPrice = o.EntryPrice - o.RiskDistance*m.cfg.RewardRatio
	}
}

// Reconcile resolves an Unknown order by asking the broker what actually
// happened. Nothing downstream (chains, pyramids) may act on the order
// until this succeeds.
func (m *Manager) Reconcile(ctx context.Context, orderID string) (*Order, error) {
	mo, err := m.lookup(orderID)
	if err != nil {
		return nil, err
	}
	mo.mu.Lock()
	defer mo.mu.Unlock()

	o := mo.order
	if o.State != StateUnknown {
		return snapshot(o), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	fill, err := m.broker.GetFillStatus(callCtx, o.BrokerID)
	if errors.Is(err, broker.ErrOrderNotFound) {
		// The placement never reached the book; safe to treat as rejected.
		// Chain managers tracking this order provisionally settle on the
		// rejected snapshot.
		_ = o.transition(StateRejected)
		m.untrack(o.ID)
		m.persist(ctx, o)
		m.logger.Info().Str("order_id", o.ID).Msg("reconciled: order never placed")
		m.fanout(*o)
		return snapshot(o), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", orderID, err)
	}

	switch fill.State {
	case broker.FillOpen, broker.FillPending:
		_ = o.transition(StateOpen)
		if o.OpenedAt.IsZero() {
			// Only a never-opened placement counts here; an order that went
			// unknown during a close was already recorded when it opened.
			o.OpenedAt = time.Now()
			m.governor.RecordOpen()
		}
		m.persist(ctx, o)
		m.logger.Info().Str("order_id", o.ID).Msg("reconciled: order is open")
	case broker.FillClosedTP, broker.FillClosedSL, broker.FillClosed:
		m.settleCloseLocked(ctx, mo, fill)
	default:
		return nil, fmt.Errorf("reconcile %s: %w", orderID, ErrUnreconciled)
	}
	return snapshot(o), nil
}

// CloseManually flattens an open order at market, as for exit signals and
// profit booking.
func (m *Manager) CloseManually(ctx context.Context, orderID, reason string) (*Order, error) {
	mo, err := m.lookup(orderID)
	if err != nil {
		return nil, err
	}
	mo.mu.Lock()
	defer mo.mu.Unlock()

	o := mo.order
	if o.State == StateUnknown {
		return nil, fmt.Errorf("close %s: %w", orderID, ErrUnreconciled)
	}
	if o.State != StateOpen {
		return snapshot(o), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	fill, err := m.broker.ClosePosition(callCtx, o.BrokerID)
	if err != nil {
		if errors.Is(err, broker.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			if terr := o.transition(StateUnknown); terr != nil {
				m.logger.Error().Str("order_id", o.ID).Err(terr).Msg("close timeout transition failed")
			}
			m.persist(ctx, o)
			m.bus.Publish(events.Event{Type: events.EventOrderUnknown, Data: map[string]interface{}{
				"order_id": o.ID, "symbol": o.Symbol, "role": string(o.Role),
			}})
			return nil, fmt.Errorf("close %s: %w", orderID, broker.ErrTimeout)
		}
		return nil, fmt.Errorf("close %s: %w", orderID, err)
	}
	fill.State = broker.FillClosed
	o.CloseReason = reason
	m.settleCloseLocked(ctx, mo, fill)
	return snapshot(o), nil
}

// PollOnce checks every open order's broker status and settles the ones
// the broker reports closed. Unknown orders get a reconciliation attempt
// each pass so a timed-out placement or close resolves without operator
// intervention.
func (m *Manager) PollOnce(ctx context.Context) {
	for _, id := range m.openIDs() {
		mo, err := m.lookup(id)
		if err != nil {
			continue
		}
		mo.mu.Lock()
		if mo.order.State == StateUnknown {
			mo.mu.Unlock()
			if _, rerr := m.Reconcile(ctx, id); rerr != nil {
				m.logger.Warn().Str("order_id", id).Err(rerr).Msg("poll reconcile failed")
			}
			continue
		}
		if mo.order.State != StateOpen {
			mo.mu.Unlock()
			continue
		}
		callCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
		fill, err := m.broker.GetFillStatus(callCtx, mo.order.BrokerID)
		cancel()
		if err == nil && fill.State.Closed() {
			m.settleCloseLocked(ctx, mo, fill)
		}
		mo.mu.Unlock()
	}
}

// Run polls fills until the context ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PollOnce(ctx)
		}
	}
}

// settleCloseLocked finalizes a broker-reported close. Caller holds the
// order lock.
func (m *Manager) settleCloseLocked(ctx context.Context, mo *managedOrder, fill broker.Fill) {
	o := mo.order
	next := StateClosedManual
	switch fill.State {
	case broker.FillClosedTP:
		next = StateClosedTP
	case broker.FillClosedSL:
		next = StateClosedSL
	}
	if err := o.transition(next); err != nil {
		m.logger.Error().Str("order_id", o.ID).Err(err).Msg("close settle skipped")
		return
	}
	o.RealizedPnL = fill.RealizedPnL
	o.ClosedAt = fill.ClosedAt
	if o.ClosedAt.IsZero() {
		o.ClosedAt = time.Now()
	}
	if o.CloseReason == "" {
		o.CloseReason = string(next)
	}

	m.governor.RecordClose(o.RealizedPnL)
	m.untrack(o.ID)
	m.persist(ctx, o)
	m.bus.PublishOrderClosed(o.ID, o.Symbol, o.CloseReason, o.RealizedPnL)
	m.logger.Info().Str("order_id", o.ID).Str("symbol", o.Symbol).Str("reason", o.CloseReason).
		Float64("pnl", o.RealizedPnL).Msg("order closed")

	m.fanout(*o)
}

// fanout hands a terminal order snapshot to the registered close handlers,
// synchronously and in registration order.
func (m *Manager) fanout(snap Order) {
	m.closeMu.RLock()
	handlers := append([]CloseHandler(nil), m.onClose...)
	m.closeMu.RUnlock()
	for _, fn := range handlers {
		fn(snap)
	}
}

// Restore re-tracks previously persisted open or unknown orders after a
// restart. Closed orders are ignored.
func (m *Manager) Restore(orders []*Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range orders {
		if o.State != StateOpen && o.State != StateUnknown {
			continue
		}
		m.orders[o.ID] = &managedOrder{order: o}
	}
}

// Get returns a snapshot of a tracked or historical in-memory order.
func (m *Manager) Get(orderID string) (*Order, error) {
	mo, err := m.lookup(orderID)
	if err != nil {
		return nil, err
	}
	mo.mu.Lock()
	defer mo.mu.Unlock()
	return snapshot(mo.order), nil
}

// Open returns snapshots of all open orders, optionally filtered by symbol.
func (m *Manager) Open(symbol string) []*Order {
	var out []*Order
	for _, mo := range m.tracked() {
		mo.mu.Lock()
		if mo.order.State == StateOpen && (symbol == "" || mo.order.Symbol == symbol) {
			out = append(out, snapshot(mo.order))
		}
		mo.mu.Unlock()
	}
	return out
}

// Unreconciled returns the IDs of orders stuck in the unknown state.
func (m *Manager) Unreconciled() []string {
	var out []string
	for _, mo := range m.tracked() {
		mo.mu.Lock()
		if mo.order.State == StateUnknown {
			out = append(out, mo.order.ID)
		}
		mo.mu.Unlock()
	}
	return out
}

// tracked copies the current order set so callers can lock per-order
// mutexes without holding the map lock.
func (m *Manager) tracked() []*managedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*managedOrder, 0, len(m.orders))
	for _, mo := range m.orders {
		out = append(out, mo)
	}
	return out
}

func (m *Manager) lookup(orderID string) (*managedOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mo, ok := m.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	return mo, nil
}

func (m *Manager) untrack(orderID string) {
	m.mu.Lock()
	delete(m.orders, orderID)
	m.mu.Unlock()
}

func (m *Manager) openIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.orders))
	for id := range m.orders {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) persist(ctx context.Context, o *Order) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveOrder(ctx, o); err != nil {
		m.logger.Error().Str("order_id", o.ID).Err(err).Msg("order persist failed")
	}
}

func (m *Manager) clampLot(lot float64) float64 {
	if m.cfg.LotStep > 0 {
		lot = math.Floor(lot/m.cfg.LotStep) * m.cfg.LotStep
	}
	if m.cfg.MinLot > 0 && lot < m.cfg.MinLot {
		lot = m.cfg.MinLot
	}
	if m.cfg.MaxLot > 0 && lot > m.cfg.MaxLot {
		lot = m.cfg.MaxLot
	}
	return lot
}

func aLevels(dir signal.Direction, entry, risk, rewardRatio float64) (sl, tp float64) {
	if dir == signal.DirectionBuy {
		return entry - risk, entry + risk*rewardRatio
	}
	return entry + risk, entry - risk*rewardRatio
}

func multiplierOrOne(mult float64) float64 {
	if mult <= 0 {
		return 1.0
	}
	return mult
}

func snapshot(o *Order) *Order {
	cp := *o
	return &cp
}
