package bus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/parley-ai/parley/internal/common/logger"
)

// MemoryBus implements Bus with in-process channels and a map-backed key
// space. Deliveries go through a per-subscriber buffered channel so a single
// channel's messages arrive in publish order; streaming deltas depend on
// that.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	keys   map[string]memoryEntry
	logger *logger.Logger
	closed bool
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type memorySubscription struct {
	bus      *MemoryBus
	channels map[string]bool
	out      chan Delivery
	active   bool
	dropped  atomic.Uint64
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		keys:   make(map[string]memoryEntry),
		logger: log,
	}
}

var _ Bus = (*MemoryBus)(nil)

// Publish delivers the payload to every subscription covering the channel.
// When a subscriber's buffer is full the payload is dropped for that
// subscriber only.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for _, sub := range b.subs {
		if !sub.active || !sub.channels[channel] {
			continue
		}
		select {
		case sub.out <- Delivery{Channel: channel, Payload: payload}:
		default:
			sub.dropped.Add(1)
			b.logger.Warn("Dropping delivery for slow subscriber",
				zap.String("channel", channel),
				zap.Uint64("dropped", sub.dropped.Load()))
		}
	}
	return nil
}

// Subscribe creates a subscription covering the given channels.
func (b *MemoryBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	set := make(map[string]bool, len(channels))
	for _, c := range channels {
		set[c] = true
	}
	sub := &memorySubscription{
		bus:      b,
		channels: set,
		out:      make(chan Delivery, subscriptionBuffer),
		active:   true,
	}
	b.subs = append(b.subs, sub)

	b.logger.Debug("Subscribed", zap.Strings("channels", channels))
	return sub, nil
}

// Messages returns the delivery stream.
func (s *memorySubscription) Messages() <-chan Delivery { return s.out }

// Unsubscribe removes the subscription and closes its stream.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if !s.active {
		return nil
	}
	s.active = false
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	close(s.out)
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	return s.active
}

// SetWithTTL writes a key with an expiry. ttl <= 0 means no expiry.
func (b *MemoryBus) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	b.keys[key] = entry
	return nil
}

// Get reads a key; expired keys read as absent and are removed.
func (b *MemoryBus) Get(ctx context.Context, key string) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return "", false, ErrClosed
	}

	entry, ok := b.keys[key]
	if !ok {
		return "", false, nil
	}
	if entry.expired(time.Now()) {
		delete(b.keys, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// Scan lists live keys starting with prefix.
func (b *MemoryBus) Scan(ctx context.Context, prefix string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	now := time.Now()
	var keys []string
	for k, entry := range b.keys {
		if entry.expired(now) {
			delete(b.keys, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Del removes keys.
func (b *MemoryBus) Del(ctx context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	for _, k := range keys {
		delete(b.keys, k)
	}
	return nil
}

// Ping always succeeds while the bus is open.
func (b *MemoryBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// IsConnected returns true until Close is called.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// Close ends all subscriptions and rejects further use.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, sub := range b.subs {
		sub.active = false
		close(sub.out)
	}
	b.subs = nil
	b.keys = make(map[string]memoryEntry)

	b.logger.Info("Memory bus closed")
	return nil
}
