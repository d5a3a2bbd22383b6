package heartbeat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley-ai/parley/internal/bus"
	"github.com/parley-ai/parley/internal/common/logger"
	"github.com/parley-ai/parley/internal/protocol"
)

// Agent status values as they appear in status updates.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// StatusUpdate is the payload published on the system_status channel.
type StatusUpdate struct {
	AgentStatus map[string]string `json:"agent_status"`
	SystemReady bool              `json:"system_ready"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Monitor polls the liveness keys of all required agents at half the
// heartbeat interval and publishes a readiness view. Transitions are logged
// as they are observed.
type Monitor struct {
	bus      bus.Bus
	required []string
	interval time.Duration
	logger   *logger.Logger

	mu   sync.RWMutex
	last map[string]string

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor creates a monitor for the given agent roster. interval is the
// heartbeat interval; the monitor polls at interval/2.
func NewMonitor(b bus.Bus, required []string, interval time.Duration, log *logger.Logger) *Monitor {
	return &Monitor{
		bus:      b,
		required: append([]string(nil), required...),
		interval: interval,
		logger:   log,
		last:     make(map[string]string),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the poll loop.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.check(ctx)

	ticker := time.NewTicker(m.interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.check(ctx)
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends the poll loop.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
}

// WaitForReady blocks until every required agent has a live heartbeat or the
// timeout elapses. It polls at a fraction of the heartbeat interval so a
// slow-starting agent is noticed promptly.
func (m *Monitor) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	poll := m.interval / 4
	if poll < 50*time.Millisecond {
		poll = 50 * time.Millisecond
	}

	for {
		update := m.Snapshot(ctx)
		if update.SystemReady {
			return nil
		}
		if time.Now().After(deadline) {
			var missing []string
			for name, status := range update.AgentStatus {
				if status != StatusOnline {
					missing = append(missing, name)
				}
			}
			sort.Strings(missing)
			return fmt.Errorf("agents not ready after %s: %s", timeout, strings.Join(missing, ", "))
		}
		select {
		case <-time.After(poll):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Snapshot reads all required liveness keys right now.
func (m *Monitor) Snapshot(ctx context.Context) StatusUpdate {
	status := make(map[string]string, len(m.required))
	ready := true
	for _, name := range m.required {
		_, ok, err := m.bus.Get(ctx, protocol.HeartbeatKey(name))
		if err != nil {
			m.logger.Warn("Failed to read heartbeat key",
				zap.String("agent", name), zap.Error(err))
		}
		if ok {
			status[name] = StatusOnline
		} else {
			status[name] = StatusOffline
			ready = false
		}
	}
	return StatusUpdate{
		AgentStatus: status,
		SystemReady: ready,
		Timestamp:   time.Now().UTC(),
	}
}

// check polls liveness, logs transitions, and publishes the current view.
func (m *Monitor) check(ctx context.Context) {
	update := m.Snapshot(ctx)

	m.mu.Lock()
	for name, status := range update.AgentStatus {
		if prev, seen := m.last[name]; seen && prev != status {
			m.logger.Info("Agent liveness changed",
				zap.String("agent", name),
				zap.String("from", prev),
				zap.String("to", status))
		}
		m.last[name] = status
	}
	m.mu.Unlock()

	payload, err := protocol.Encode(update)
	if err != nil {
		m.logger.Error("Failed to encode status update", zap.Error(err))
		return
	}
	if err := m.bus.Publish(ctx, protocol.ChannelSystemStatus, payload); err != nil {
		m.logger.Warn("Failed to publish status update", zap.Error(err))
	}
}
