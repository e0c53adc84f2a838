package reentry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signal-engine/internal/signal"
)

// Intent is a registered expectation of a follow-on entry. It is only
// fulfilled by a fresh qualifying signal inside its window; expired
// intents are silently dropped.
type Intent struct {
	Symbol       string           `json:"symbol"`
	Direction    signal.Direction `json:"direction"`
	Family       signal.Family    `json:"family"`
	Trigger      TriggerType      `json:"trigger"`
	RegisteredAt time.Time        `json:"registered_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
}

// TTLStore is the bounded-window backend. The cache package implements
// this on redis; a process-local fallback covers cache outages.
type TTLStore interface {
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	// TakeJSON reads and deletes the key in one step. Returns false when
	// the key is absent or expired.
	TakeJSON(ctx context.Context, key string, v any) (bool, error)
}

// memoryTTLStore is the in-process fallback when no cache is configured
// or the cache call fails.
type memoryTTLStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	intent    Intent
	expiresAt time.Time
}

func newMemoryTTLStore() *memoryTTLStore {
	return &memoryTTLStore{entries: make(map[string]memoryEntry)}
}

func (s *memoryTTLStore) SetJSON(_ context.Context, key string, v any, ttl time.Duration) error {
	in, ok := v.(Intent)
	if !ok {
		return fmt.Errorf("memory intent store: unsupported value %T", v)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{intent: in, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *memoryTTLStore) TakeJSON(_ context.Context, key string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	delete(s.entries, key)
	if time.Now().After(e.expiresAt) {
		return false, nil
	}
	out, ok := v.(*Intent)
	if !ok {
		return false, fmt.Errorf("memory intent store: unsupported target %T", v)
	}
	*out = e.intent
	return true, nil
}

// Intents registers and consumes continuation intents with a bounded
// window. Redis (when available) makes windows survive restarts.
type Intents struct {
	store    TTLStore
	fallback *memoryTTLStore
	window   time.Duration
	logger   zerolog.Logger
}

func NewIntents(store TTLStore, window time.Duration, logger zerolog.Logger) *Intents {
	if window <= 0 {
		window = 30 * time.Minute
	}
	return &Intents{
		store:    store,
		fallback: newMemoryTTLStore(),
		window:   window,
		logger:   logger,
	}
}

func intentKey(symbol string, dir signal.Direction) string {
	return fmt.Sprintf("reentry:intent:%s:%s", strings.ToUpper(symbol), dir)
}

// Register arms a continuation window for (symbol, direction). A newer
// intent replaces an older one for the same key.
func (i *Intents) Register(ctx context.Context, in Intent) {
	now := time.Now()
	in.RegisteredAt = now
	in.ExpiresAt = now.Add(i.window)

	key := intentKey(in.Symbol, in.Direction)
	if i.store != nil {
		err := i.store.SetJSON(ctx, key, in, i.window)
		if err == nil {
			i.logger.Debug().Str("key", key).Time("expires", in.ExpiresAt).Msg("continuation intent registered")
			return
		}
		i.logger.Warn().Str("key", key).Err(err).Msg("intent cache write failed, using memory fallback")
	}
	_ = i.fallback.SetJSON(ctx, key, in, i.window)
}

// Consume fulfills and removes a pending intent for (symbol, direction).
// Returns false when no live intent exists.
func (i *Intents) Consume(ctx context.Context, symbol string, dir signal.Direction) (Intent, bool) {
	key := intentKey(symbol, dir)
	var in Intent

	if i.store != nil {
		ok, err := i.store.TakeJSON(ctx, key, &in)
		if err != nil {
			i.logger.Warn().Str("key", key).Err(err).Msg("intent cache read failed, trying memory fallback")
		} else if ok {
			return in, true
		}
	}

	ok, _ := i.fallback.TakeJSON(ctx, key, &in)
	return in, ok
}
