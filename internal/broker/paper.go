package broker

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"signal-engine/internal/signal"
)

// PaperBroker simulates execution against the last seen price. Positions
// close when SetPrice crosses their stop or target, so tests and dry runs
// can drive fills deterministically.
type PaperBroker struct {
	mu        sync.Mutex
	prices    map[string]float64
	positions map[string]*paperPosition
	slippage  float64
}

type paperPosition struct {
	spec   OrderSpec
	entry  float64
	opened time.Time
	fill   Fill
}

func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		prices:    make(map[string]float64),
		positions: make(map[string]*paperPosition),
	}
}

// SetPrice publishes a price and sweeps open positions for SL/TP hits.
func (p *PaperBroker) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.prices[symbol] = price
	for _, pos := range p.positions {
		if pos.fill.State != FillOpen || pos.spec.Symbol != symbol {
			continue
		}
		p.sweep(pos, price)
	}
}

func (p *PaperBroker) sweep(pos *paperPosition, price float64) {
	spec := pos.spec
	if spec.Direction == signal.DirectionBuy {
		if spec.SLPrice > 0 && price <= spec.SLPrice {
			p.close(pos, spec.SLPrice, FillClosedSL)
		} else if spec.TPPrice > 0 && price >= spec.TPPrice {
			p.close(pos, spec.TPPrice, FillClosedTP)
		}
		return
	}
	if spec.SLPrice > 0 && price >= spec.SLPrice {
		p.close(pos, spec.SLPrice, FillClosedSL)
	} else if spec.TPPrice > 0 && price <= spec.TPPrice {
		p.close(pos, spec.TPPrice, FillClosedTP)
	}
}

func (p *PaperBroker) close(pos *paperPosition, price float64, state FillState) {
	pnl := pointPnL(pos.spec.Direction, pos.entry, price) * pos.spec.LotSize
	pos.fill = Fill{State: state, ClosePrice: price, RealizedPnL: pnl, ClosedAt: time.Now()}
}

func pointPnL(dir signal.Direction, entry, exit float64) float64 {
	if dir == signal.DirectionBuy {
		return exit - entry
	}
	return entry - exit
}

func (p *PaperBroker) PlaceOrder(_ context.Context, spec OrderSpec) (Ticket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[spec.Symbol]
	if !ok || price <= 0 {
		return Ticket{}, ErrRejected
	}
	entry := price * (1 + p.slippage)
	if spec.Direction == signal.DirectionSell {
		entry = price * (1 - p.slippage)
	}

	id := uuid.New().String()
	p.positions[id] = &paperPosition{
		spec:   spec,
		entry:  entry,
		opened: time.Now(),
		fill:   Fill{State: FillOpen},
	}
	return Ticket{BrokerID: id, EntryPrice: entry, PlacedAt: time.Now()}, nil
}

func (p *PaperBroker) ClosePosition(_ context.Context, brokerID string) (Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[brokerID]
	if !ok {
		return Fill{}, ErrOrderNotFound
	}
	if pos.fill.State == FillOpen {
		price := p.prices[pos.spec.Symbol]
		pnl := pointPnL(pos.spec.Direction, pos.entry, price) * pos.spec.LotSize
		pos.fill = Fill{State: FillClosed, ClosePrice: price, RealizedPnL: pnl, ClosedAt: time.Now()}
	}
	return pos.fill, nil
}

func (p *PaperBroker) ModifyStop(_ context.Context, brokerID string, slPrice float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[brokerID]
	if !ok {
		return ErrOrderNotFound
	}
	pos.spec.SLPrice = slPrice
	return nil
}

func (p *PaperBroker) GetFillStatus(_ context.Context, brokerID string) (Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[brokerID]
	if !ok {
		return Fill{}, ErrOrderNotFound
	}
	return pos.fill, nil
}

func (p *PaperBroker) GetPrice(_ context.Context, symbol string) (Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	price, ok := p.prices[symbol]
	if !ok {
		return Quote{}, ErrOrderNotFound
	}
	return Quote{Symbol: symbol, Bid: price, Ask: price, At: time.Now()}, nil
}

// FixedRiskLotSizer sizes lots so the dollar loss at SL approximates a
// fixed risk amount, rounded down to the lot step.
type FixedRiskLotSizer struct {
	RiskUSD float64
	LotStep float64
	MinLot  float64
	MaxLot  float64
}

func (s *FixedRiskLotSizer) CalculateLot(_ context.Context, _ string, slDistance, _ float64) (float64, error) {
	if slDistance <= 0 {
		return 0, ErrRejected
	}
	lot := s.RiskUSD / slDistance
	if s.LotStep > 0 {
		lot = math.Floor(lot/s.LotStep) * s.LotStep
	}
	if lot < s.MinLot {
		lot = s.MinLot
	}
	if s.MaxLot > 0 && lot > s.MaxLot {
		lot = s.MaxLot
	}
	return lot, nil
}
