// Package bus provides the message fabric shared by all Parley processes:
// pub/sub channels plus a small TTL'd key space for liveness data. Two
// drivers exist, Redis for deployments and an in-memory one for development
// and tests.
package bus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/parley-ai/parley/internal/common/config"
	"github.com/parley-ai/parley/internal/common/logger"
)

// subscriptionBuffer is the per-subscriber delivery buffer. A subscriber
// that falls further behind than this loses messages (at-most-once).
const subscriptionBuffer = 256

// ErrClosed is returned for operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// Delivery is one payload received on a subscribed channel.
type Delivery struct {
	Channel string
	Payload []byte
}

// Subscription represents an active subscription to one or more channels.
type Subscription interface {
	// Messages returns the delivery stream. The channel is closed when the
	// subscription ends. Per-channel delivery order follows publish order.
	Messages() <-chan Delivery

	// Unsubscribe ends the subscription and closes the delivery stream.
	Unsubscribe() error

	// IsValid returns whether the subscription is still active.
	IsValid() bool
}

// Bus is the transport interface all components talk through.
type Bus interface {
	// Publish sends a payload to a channel, fire-and-forget. Delivery is
	// at-most-once to currently subscribed consumers.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe creates a subscription covering the given channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// SetWithTTL writes a key that expires after ttl. The write is atomic
	// with respect to the key.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// Get reads a key. The second return is false when the key is absent
	// or expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Scan lists live keys starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)

	// Del removes keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// IsConnected returns connection status.
	IsConnected() bool

	// Close releases the connection and ends all subscriptions.
	Close() error
}

// New creates a bus for the configured driver.
func New(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryBus(log), nil
	case "redis", "":
		return NewRedisBus(cfg, log)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}

// Backoff returns the delay before retry attempt n (0-based): exponential
// from 1s capped at 30s, with ±25% jitter so peers do not reconnect in
// lockstep.
func Backoff(attempt int) time.Duration {
	const (
		initial  = time.Second
		maxDelay = 30 * time.Second
	)
	d := initial
	for i := 0; i < attempt && d < maxDelay; i++ {
		d *= 2
	}
	if d > maxDelay {
		d = maxDelay
	}
	jitter := 0.75 + 0.5*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
