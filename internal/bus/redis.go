package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/parley-ai/parley/internal/common/config"
	"github.com/parley-ai/parley/internal/common/logger"
)

// RedisBus implements Bus on a Redis server: pub/sub for channels, plain
// keys with expiry for the TTL space. Reconnection and resubscription are
// handled by the client; retry backoff is configured to start at 1s and
// cap at 30s.
type RedisBus struct {
	client *redis.Client
	logger *logger.Logger

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

// NewRedisBus creates a Redis-backed bus from the configured URL.
func NewRedisBus(cfg config.BusConfig, log *logger.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse bus url: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.MinRetryBackoff = time.Second
	opts.MaxRetryBackoff = 30 * time.Second

	return &RedisBus{
		client: redis.NewClient(opts),
		logger: log,
		subs:   make(map[*redisSubscription]struct{}),
	}, nil
}

var _ Bus = (*RedisBus)(nil)

// Publish sends a payload to a channel. Failures while the server is
// unreachable surface immediately so callers can apply their own retry
// policy.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe creates a subscription covering the given channels.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &redisSubscription{
		bus:    b,
		pubsub: b.client.Subscribe(ctx, channels...),
		out:    make(chan Delivery, subscriptionBuffer),
	}
	sub.valid.Store(true)
	b.subs[sub] = struct{}{}

	go sub.pump()

	b.logger.Debug("Subscribed", zap.Strings("channels", channels))
	return sub, nil
}

type redisSubscription struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	out    chan Delivery
	valid  atomic.Bool
	once   sync.Once
}

// pump forwards broker messages to the delivery stream in arrival order.
// It exits when the underlying pubsub is closed.
func (s *redisSubscription) pump() {
	defer close(s.out)
	for msg := range s.pubsub.Channel() {
		s.out <- Delivery{Channel: msg.Channel, Payload: []byte(msg.Payload)}
	}
}

// Messages returns the delivery stream.
func (s *redisSubscription) Messages() <-chan Delivery { return s.out }

// Unsubscribe closes the underlying pubsub; the stream drains and closes.
func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.valid.Store(false)
		err = s.pubsub.Close()

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return err
}

// IsValid returns whether the subscription is still active.
func (s *redisSubscription) IsValid() bool { return s.valid.Load() }

// SetWithTTL writes a key with an expiry.
func (b *RedisBus) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := b.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Get reads a key; a missing or expired key reads as absent.
func (b *RedisBus) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := b.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return val, true, nil
}

// Scan lists keys starting with prefix using cursor iteration, never KEYS.
func (b *RedisBus) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := b.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s*: %w", prefix, err)
	}
	return keys, nil
}

// Del removes keys.
func (b *RedisBus) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := b.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// Ping verifies connectivity to the server.
func (b *RedisBus) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping bus: %w", err)
	}
	return nil
}

// IsConnected reports whether the server currently answers.
func (b *RedisBus) IsConnected() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	return b.client.Ping(ctx).Err() == nil
}

// Close ends all subscriptions and releases the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}

	b.logger.Info("Redis bus closed")
	return b.client.Close()
}
