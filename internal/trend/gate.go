package trend

import (
	"context"

	"github.com/rs/zerolog"

	"signal-engine/config"
	"signal-engine/internal/signal"
)

// Gate approves or vetoes a proposed entry direction using a quorum of
// four independent pillars: trend direction, oscillator position, momentum
// sign, and volume confirmation.
type Gate struct {
	service  Service
	failOpen bool
	quorum   int
	logger   zerolog.Logger
}

// Decision carries the gate outcome and the per-pillar breakdown.
type Decision struct {
	Approved    bool `json:"approved"`
	PillarsFor  int  `json:"pillars_for"`
	TrendMatch  bool `json:"trend_match"`
	Oscillator  bool `json:"oscillator"`
	Momentum    bool `json:"momentum"`
	Volume      bool `json:"volume"`
	ServiceDown bool `json:"service_down"`
}

func NewGate(service Service, cfg *config.TrendConfig, logger zerolog.Logger) *Gate {
	quorum := cfg.QuorumPillars
	if quorum <= 0 || quorum > 4 {
		quorum = 3
	}
	return &Gate{
		service:  service,
		failOpen: cfg.FailOpen,
		quorum:   quorum,
		logger:   logger,
	}
}

// Approve evaluates the pillars for the proposed direction. When the trend
// service is unavailable the configured fail mode decides: fail-open
// approves, fail-closed vetoes.
func (g *Gate) Approve(ctx context.Context, symbol string, tf signal.Timeframe, direction signal.Direction) Decision {
	snap, err := g.service.GetTrend(ctx, symbol, tf)
	if err != nil {
		g.logger.Warn().Err(err).Str("symbol", symbol).Bool("fail_open", g.failOpen).
			Msg("trend service unavailable")
		return Decision{Approved: g.failOpen, ServiceDown: true}
	}

	d := Decision{
		TrendMatch: trendMatches(snap.Direction, direction),
		Oscillator: oscillatorFavors(snap.Oscillator, direction),
		Momentum:   momentumFavors(snap.Momentum, direction),
		Volume:     snap.VolumeOK,
	}
	for _, pillar := range []bool{d.TrendMatch, d.Oscillator, d.Momentum, d.Volume} {
		if pillar {
			d.PillarsFor++
		}
	}
	d.Approved = d.PillarsFor >= g.quorum

	if !d.Approved {
		g.logger.Debug().Str("symbol", symbol).Str("direction", string(direction)).
			Int("pillars_for", d.PillarsFor).Msg("alignment gate veto")
	}
	return d
}

func trendMatches(trend Direction, direction signal.Direction) bool {
	switch direction {
	case signal.DirectionBuy:
		return trend == DirectionBullish
	case signal.DirectionSell:
		return trend == DirectionBearish
	}
	return false
}

func oscillatorFavors(osc float64, direction signal.Direction) bool {
	if direction == signal.DirectionBuy {
		return osc > 50
	}
	return osc < 50
}

func momentumFavors(momentum float64, direction signal.Direction) bool {
	if direction == signal.DirectionBuy {
		return momentum > 0
	}
	return momentum < 0
}
