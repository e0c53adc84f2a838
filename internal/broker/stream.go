package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// QuoteHandler receives streamed quotes.
type QuoteHandler func(Quote)

// Stream is a websocket client for the broker's quote feed. It reconnects
// with a fixed delay until the context is cancelled.
type Stream struct {
	url            string
	reconnectDelay time.Duration
	logger         zerolog.Logger

	mu       sync.RWMutex
	handlers []QuoteHandler
}

type wireQuote struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	TS     int64   `json:"ts"` // unix millis
}

func NewStream(url string, reconnectDelay time.Duration, logger zerolog.Logger) *Stream {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Stream{
		url:            url,
		reconnectDelay: reconnectDelay,
		logger:         logger,
	}
}

// Subscribe registers a handler for every received quote.
func (s *Stream) Subscribe(h QuoteHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Run connects and pumps quotes until ctx is cancelled. Connection errors
// are logged and followed by a reconnect attempt.
func (s *Stream) Run(ctx context.Context) {
	for {
		if err := s.connectAndRead(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("quote stream disconnected")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Stream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.logger.Info().Str("url", s.url).Msg("quote stream connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var wq wireQuote
		if err := json.Unmarshal(msg, &wq); err != nil {
			s.logger.Debug().Err(err).Msg("dropping malformed quote")
			continue
		}

		quote := Quote{
			Symbol: wq.Symbol,
			Bid:    wq.Bid,
			Ask:    wq.Ask,
			At:     time.UnixMilli(wq.TS),
		}

		s.mu.RLock()
		handlers := s.handlers
		s.mu.RUnlock()
		for _, h := range handlers {
			h(quote)
		}
	}
}
