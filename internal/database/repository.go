package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"signal-engine/internal/lifecycle"
	"signal-engine/internal/profitbook"
	"signal-engine/internal/reentry"
	"signal-engine/internal/safety"
)

// Repository is the raw-SQL persistence layer. It satisfies
// lifecycle.Store, reentry.Store and profitbook.Store.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// SaveOrder upserts one order row.
func (r *Repository) SaveOrder(ctx context.Context, o *lifecycle.Order) error {
	query := `
		INSERT INTO orders (
			id, broker_id, chain_id, role, symbol, direction, family,
			lot_size, entry_price, sl_price, tp_price, risk_distance, trailing,
			state, opened_at, closed_at, close_reason, realized_pnl, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,NOW())
		ON CONFLICT (id) DO UPDATE SET
			broker_id = EXCLUDED.broker_id,
			chain_id = EXCLUDED.chain_id,
			lot_size = EXCLUDED.lot_size,
			entry_price = EXCLUDED.entry_price,
			sl_price = EXCLUDED.sl_price,
			tp_price = EXCLUDED.tp_price,
			risk_distance = EXCLUDED.risk_distance,
			trailing = EXCLUDED.trailing,
			state = EXCLUDED.state,
			opened_at = EXCLUDED.opened_at,
			closed_at = EXCLUDED.closed_at,
			close_reason = EXCLUDED.close_reason,
			realized_pnl = EXCLUDED.realized_pnl,
			updated_at = NOW()`

	_, err := r.db.Pool.Exec(ctx, query,
		o.ID, o.BrokerID, o.ChainID, string(o.Role), o.Symbol, string(o.Direction), string(o.Family),
		o.LotSize, o.EntryPrice, o.SLPrice, o.TPPrice, o.RiskDistance, o.Trailing,
		string(o.State), nullTime(o.OpenedAt), nullTime(o.ClosedAt), o.CloseReason, o.RealizedPnL, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save order %s: %w", o.ID, err)
	}
	return nil
}

// LoadUnsettledOrders returns every order that still needs runtime tracking
// after restart: open positions plus timed-out placements awaiting
// reconciliation.
func (r *Repository) LoadUnsettledOrders(ctx context.Context) ([]*lifecycle.Order, error) {
	query := `
		SELECT id, broker_id, chain_id, role, symbol, direction, family,
			lot_size, entry_price, sl_price, tp_price, risk_distance, trailing,
			state, opened_at, closed_at, close_reason, realized_pnl, created_at
		FROM orders
		WHERE state IN ('pending', 'open', 'unknown')
		ORDER BY created_at`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load unsettled orders: %w", err)
	}
	defer rows.Close()

	var orders []*lifecycle.Order
	for rows.Next() {
		var o lifecycle.Order
		var openedAt, closedAt *time.Time
		err := rows.Scan(
			&o.ID, &o.BrokerID, &o.ChainID, &o.Role, &o.Symbol, &o.Direction, &o.Family,
			&o.LotSize, &o.EntryPrice, &o.SLPrice, &o.TPPrice, &o.RiskDistance, &o.Trailing,
			&o.State, &openedAt, &closedAt, &o.CloseReason, &o.RealizedPnL, &o.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		if openedAt != nil {
			o.OpenedAt = *openedAt
		}
		if closedAt != nil {
			o.ClosedAt = *closedAt
		}
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

// SaveChain upserts one recovery chain row.
func (r *Repository) SaveChain(ctx context.Context, c *reentry.Chain) error {
	query := `
		INSERT INTO reentry_chains (
			id, root_order_id, symbol, direction, family, level, trigger_type,
			status, last_risk, active_order, status_reason, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			level = EXCLUDED.level,
			status = EXCLUDED.status,
			last_risk = EXCLUDED.last_risk,
			active_order = EXCLUDED.active_order,
			status_reason = EXCLUDED.status_reason,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Pool.Exec(ctx, query,
		c.ID, c.RootOrderID, c.Symbol, string(c.Direction), string(c.Family), c.Level, string(c.Trigger),
		string(c.Status), c.LastRisk, c.ActiveOrder, c.StatusReason, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save reentry chain %s: %w", c.ID, err)
	}
	return nil
}

// LoadActiveChains returns recovery chains that survive a restart.
func (r *Repository) LoadActiveChains(ctx context.Context) ([]*reentry.Chain, error) {
	query := `
		SELECT id, root_order_id, symbol, direction, family, level, trigger_type,
			status, last_risk, active_order, status_reason, created_at, updated_at
		FROM reentry_chains
		WHERE status = 'ACTIVE'
		ORDER BY created_at`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load active reentry chains: %w", err)
	}
	defer rows.Close()

	var chains []*reentry.Chain
	for rows.Next() {
		var c reentry.Chain
		err := rows.Scan(
			&c.ID, &c.RootOrderID, &c.Symbol, &c.Direction, &c.Family, &c.Level, &c.Trigger,
			&c.Status, &c.LastRisk, &c.ActiveOrder, &c.StatusReason, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reentry chain row: %w", err)
		}
		chains = append(chains, &c)
	}
	return chains, rows.Err()
}

// SaveProfitChain upserts one pyramid row. Levels round-trip as JSONB.
func (r *Repository) SaveProfitChain(ctx context.Context, c *profitbook.Chain) error {
	levels, err := json.Marshal(c.Levels)
	if err != nil {
		return fmt.Errorf("failed to marshal pyramid levels: %w", err)
	}

	query := `
		INSERT INTO profit_chains (
			id, root_order_id, symbol, direction, family, seed_risk, target,
			levels, total_orders, status, status_reason, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO UPDATE SET
			levels = EXCLUDED.levels,
			total_orders = EXCLUDED.total_orders,
			status = EXCLUDED.status,
			status_reason = EXCLUDED.status_reason,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.Pool.Exec(ctx, query,
		c.ID, c.RootOrderID, c.Symbol, string(c.Direction), string(c.Family), c.SeedRisk, c.Target,
		levels, c.TotalOrders, string(c.Status), c.StatusReason, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save profit chain %s: %w", c.ID, err)
	}
	return nil
}

// LoadActiveProfitChains returns pyramids that survive a restart.
func (r *Repository) LoadActiveProfitChains(ctx context.Context) ([]*profitbook.Chain, error) {
	query := `
		SELECT id, root_order_id, symbol, direction, family, seed_risk, target,
			levels, total_orders, status, status_reason, created_at, updated_at
		FROM profit_chains
		WHERE status = 'ACTIVE'
		ORDER BY created_at`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load active profit chains: %w", err)
	}
	defer rows.Close()

	var chains []*profitbook.Chain
	for rows.Next() {
		var c profitbook.Chain
		var levels []byte
		err := rows.Scan(
			&c.ID, &c.RootOrderID, &c.Symbol, &c.Direction, &c.Family, &c.SeedRisk, &c.Target,
			&levels, &c.TotalOrders, &c.Status, &c.StatusReason, &c.CreatedAt, &c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profit chain row: %w", err)
		}
		if err := json.Unmarshal(levels, &c.Levels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pyramid levels for %s: %w", c.ID, err)
		}
		chains = append(chains, &c)
	}
	return chains, rows.Err()
}

// SaveSafetyState persists the governor ledger as a single row.
func (r *Repository) SaveSafetyState(ctx context.Context, s safety.State) error {
	query := `
		INSERT INTO safety_state (
			id, day_realized_pnl, day_peak_pnl, day_trade_count,
			concurrent_open_count, lifetime_realized_pnl, lockout_until, day_start, updated_at
		) VALUES (1,$1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT (id) DO UPDATE SET
			day_realized_pnl = EXCLUDED.day_realized_pnl,
			day_peak_pnl = EXCLUDED.day_peak_pnl,
			day_trade_count = EXCLUDED.day_trade_count,
			concurrent_open_count = EXCLUDED.concurrent_open_count,
			lifetime_realized_pnl = EXCLUDED.lifetime_realized_pnl,
			lockout_until = EXCLUDED.lockout_until,
			day_start = EXCLUDED.day_start,
			updated_at = NOW()`

	_, err := r.db.Pool.Exec(ctx, query,
		s.DayRealizedPnL, s.DayPeakPnL, s.DayTradeCount,
		s.ConcurrentOpenCount, s.LifetimeRealizedPnL, nullTime(s.LockoutUntil), nullTime(s.DayStart),
	)
	if err != nil {
		return fmt.Errorf("failed to save safety state: %w", err)
	}
	return nil
}

// LoadSafetyState returns the persisted ledger and whether one exists.
func (r *Repository) LoadSafetyState(ctx context.Context) (safety.State, bool, error) {
	query := `
		SELECT day_realized_pnl, day_peak_pnl, day_trade_count,
			concurrent_open_count, lifetime_realized_pnl, lockout_until, day_start
		FROM safety_state WHERE id = 1`

	var s safety.State
	var lockoutUntil, dayStart *time.Time
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&s.DayRealizedPnL, &s.DayPeakPnL, &s.DayTradeCount,
		&s.ConcurrentOpenCount, &s.LifetimeRealizedPnL, &lockoutUntil, &dayStart,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return safety.State{}, false, nil
		}
		return safety.State{}, false, fmt.Errorf("failed to load safety state: %w", err)
	}
	if lockoutUntil != nil {
		s.LockoutUntil = *lockoutUntil
	}
	if dayStart != nil {
		s.DayStart = *dayStart
	}
	return s, true, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
