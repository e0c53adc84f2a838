package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"signal-engine/config"
	"signal-engine/internal/broker"
	"signal-engine/internal/engine"
	"signal-engine/internal/events"
	"signal-engine/internal/lifecycle"
	"signal-engine/internal/profitbook"
	"signal-engine/internal/reentry"
	"signal-engine/internal/registry"
	"signal-engine/internal/safety"
	"signal-engine/internal/signal"
	"signal-engine/internal/trend"
)

type fixedTrend struct{ snap trend.Snapshot }

func (f *fixedTrend) GetTrend(_ context.Context, _ string, _ signal.Timeframe) (trend.Snapshot, error) {
	return f.snap, nil
}

func newTestServer(t *testing.T, secret string) *Server {
	t.Helper()

	cfg := &config.Config{
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
		ReentryConfig:    config.ReentryConfig{SLHuntEnabled: true, MaxChainLevels: 3, RiskReductionFactor: 0.5, ContinuationWindow: time.Minute},
		ProfitBookConfig: config.ProfitBookConfig{Enabled: true, MinProfitUSD: 7.0, MaxLevel: 4},
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

	ts := &fixedTrend{snap: trend.Snapshot{Direction: trend.DirectionBullish, Oscillator: 62, Momentum: 1.5, VolumeOK: true}}
	eng := engine.New(engine.Deps{
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

	return NewServer(Deps{
		Config:   config.ServerConfig{WebhookSecret: secret},
		Engine:   eng,
		Orders:   orders,
		Reentry:  chains,
		Profit:   profit,
		Governor: gov,
		Logger:   log,
	})
}

func postAlert(srv *Server, secret, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook/alert", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Webhook-Secret", secret)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

const validAlert = `{"signal_type":"Institutional_Launchpad","symbol":"EURUSD","direction":"BUY","tf":"15","price":100}`

func TestWebhookRejectsBadSecret(t *testing.T) {
	srv := newTestServer(t, "s3cret")

	tests := []struct {
		name   string
		secret string
		want   int
	}{
		{"missing secret", "", http.StatusUnauthorized},
		{"wrong secret", "nope", http.StatusUnauthorized},
		{"correct secret", "s3cret", http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postAlert(srv, tt.secret, validAlert)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestWebhookRejectsMalformedPayloads(t *testing.T) {
	srv := newTestServer(t, "")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{"signal_type":`, http.StatusBadRequest},
		{"unknown signal type", `{"signal_type":"Mystery","symbol":"EURUSD","direction":"BUY","tf":"15"}`, http.StatusUnprocessableEntity},
		{"missing symbol", `{"signal_type":"Institutional_Launchpad","direction":"BUY","tf":"15"}`, http.StatusUnprocessableEntity},
		{"valid alert", validAlert, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postAlert(srv, "", tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestStatusEndpointReportsActivity(t *testing.T) {
	srv := newTestServer(t, "")

	if w := postAlert(srv, "", validAlert); w.Code != http.StatusAccepted {
		t.Fatalf("alert status = %d", w.Code)
	}

	// The engine processes asynchronously; wait for the orders to land.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(srv.orders.Open("EURUSD")) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(srv.orders.Open("EURUSD")) == 0 {
		t.Fatal("no orders opened after accepted alert")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "open_orders") {
		t.Fatalf("status body missing open_orders: %s", w.Body.String())
	}
}

func TestOrderLookupNotFound(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/orders/does-not-exist", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHealthReportsFailingDependency(t *testing.T) {
	srv := newTestServer(t, "")
	srv.health = []HealthChecker{
		{Name: "database", Check: func(context.Context) error { return nil }},
		{Name: "redis", Check: func(context.Context) error { return errors.New("connection refused") }},
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), "connection refused") {
		t.Fatalf("body missing failure detail: %s", w.Body.String())
	}
}
