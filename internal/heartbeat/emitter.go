// Package heartbeat maintains and observes agent liveness. Every agent
// refreshes a TTL'd key on the bus; the monitor derives readiness from key
// presence alone, so clock skew between hosts does not matter.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley-ai/parley/internal/bus"
	"github.com/parley-ai/parley/internal/common/logger"
	"github.com/parley-ai/parley/internal/protocol"
)

// Emitter keeps one agent's liveness key alive. The key carries a TTL of
// three intervals, so two consecutive missed beats still read as online and
// the third reads as offline.
type Emitter struct {
	bus      bus.Bus
	name     string
	interval time.Duration
	ttl      time.Duration
	logger   *logger.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewEmitter creates an emitter for the named agent.
func NewEmitter(b bus.Bus, name string, interval, ttl time.Duration, log *logger.Logger) *Emitter {
	if ttl <= 0 {
		ttl = 3 * interval
	}
	return &Emitter{
		bus:      b,
		name:     name,
		interval: interval,
		ttl:      ttl,
		logger:   log.WithAgent(name),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start writes the first beat immediately and then refreshes every interval
// until Stop is called or the context ends.
func (e *Emitter) Start(ctx context.Context) {
	go e.run(ctx)
}

func (e *Emitter) run(ctx context.Context) {
	defer close(e.done)

	e.beat(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.beat(ctx)
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Emitter) beat(ctx context.Context) {
	key := protocol.HeartbeatKey(e.name)
	if err := e.bus.SetWithTTL(ctx, key, protocol.HeartbeatValue, e.ttl); err != nil {
		e.logger.Warn("Failed to refresh heartbeat", zap.Error(err))
	}
}

// Stop ends the beat loop and deletes the liveness key so the agent reads
// as offline right away instead of after the TTL runs out.
func (e *Emitter) Stop() {
	e.stopOnce.Do(func() {
		close(e.stop)
		<-e.done

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.bus.Del(ctx, protocol.HeartbeatKey(e.name)); err != nil {
			e.logger.Warn("Failed to clear heartbeat key", zap.Error(err))
		}
	})
}
