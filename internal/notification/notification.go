// Package notification forwards engine events to an outbound webhook.
// Events are mapped to a severity level; anything below the configured
// minimum is dropped.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"signal-engine/config"
	"signal-engine/internal/events"
)

// Level is the notification severity.
type Level int

const (
	LevelLow Level = iota
	LevelMedium
	LevelHigh
)

// ParseLevel maps the config string to a Level, defaulting to low.
func ParseLevel(s string) Level {
	switch s {
	case "high":
		return LevelHigh
	case "medium":
		return LevelMedium
	default:
		return LevelLow
	}
}

// levelFor assigns a severity to each event type. Unlisted types, gate
// vetoes among them, are routine and stay low.
func levelFor(t events.EventType) Level {
	switch t {
	case events.EventSafetyLockout, events.EventChainAborted, events.EventError:
		return LevelHigh
	case events.EventEntryPlaced, events.EventOrderClosed, events.EventOrderUnknown,
		events.EventRecoveryStarted, events.EventPyramidEscalated,
		events.EventChainCompleted, events.EventSafetyDenied:
		return LevelMedium
	default:
		return LevelLow
	}
}

// Notifier delivers one formatted notification.
type Notifier interface {
	Send(n *Notification) error
	Name() string
}

// Notification is the outbound message.
type Notification struct {
	Type      events.EventType       `json:"type"`
	Level     string                 `json:"level"`
	Title     string                 `json:"title"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Service filters bus events by severity and fans them out to notifiers.
type Service struct {
	cfg       config.NotificationConfig
	minLevel  Level
	notifiers []Notifier
	logger    zerolog.Logger
}

func NewService(cfg config.NotificationConfig, logger zerolog.Logger) *Service {
	s := &Service{
		cfg:      cfg,
		minLevel: ParseLevel(cfg.MinLevel),
		logger:   logger,
	}
	if cfg.Enabled && cfg.WebhookURL != "" {
		s.notifiers = append(s.notifiers, NewWebhookNotifier(cfg.WebhookURL))
	}
	return s
}

// AddNotifier registers an additional delivery channel.
func (s *Service) AddNotifier(n Notifier) {
	s.notifiers = append(s.notifiers, n)
}

// Bind subscribes the service to every bus event.
func (s *Service) Bind(bus *events.Bus) {
	bus.SubscribeAll(s.handle)
}

func (s *Service) handle(e events.Event) {
	if !s.cfg.Enabled || len(s.notifiers) == 0 {
		return
	}

	lvl := levelFor(e.Type)
	if lvl < s.minLevel {
		return
	}

	n := &Notification{
		Type:      e.Type,
		Level:     levelString(lvl),
		Title:     titleFor(e),
		Timestamp: e.Timestamp,
		Data:      e.Data,
	}

	for _, notifier := range s.notifiers {
		if err := notifier.Send(n); err != nil {
			s.logger.Warn().Str("notifier", notifier.Name()).Str("event", string(e.Type)).
				Err(err).Msg("notification delivery failed")
		}
	}
}

func levelString(l Level) string {
	switch l {
	case LevelHigh:
		return "high"
	case LevelMedium:
		return "medium"
	default:
		return "low"
	}
}

func titleFor(e events.Event) string {
	symbol, _ := e.Data["symbol"].(string)
	switch e.Type {
	case events.EventEntryPlaced:
		return fmt.Sprintf("Entry placed: %s", symbol)
	case events.EventOrderClosed:
		if pnl, ok := e.Data["pnl"].(float64); ok {
			return fmt.Sprintf("Order closed: %s (%.2f)", symbol, pnl)
		}
		return fmt.Sprintf("Order closed: %s", symbol)
	case events.EventRecoveryStarted:
		return fmt.Sprintf("Recovery order placed: %s", symbol)
	case events.EventPyramidEscalated:
		return fmt.Sprintf("Pyramid escalated: %s", symbol)
	case events.EventSafetyLockout:
		return "Trading locked out"
	case events.EventSafetyDenied:
		return "Placement denied by safety governor"
	case events.EventChainAborted:
		return fmt.Sprintf("Chain aborted: %s", symbol)
	case events.EventError:
		if msg, ok := e.Data["message"].(string); ok {
			return fmt.Sprintf("Error: %s", msg)
		}
		return "Error"
	default:
		return string(e.Type)
	}
}

// WebhookNotifier POSTs notifications as JSON to a single endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookNotifier) Name() string {
	return "webhook"
}

func (w *WebhookNotifier) Send(n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
