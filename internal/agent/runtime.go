package agent

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/parley-ai/parley/internal/bus"
	"github.com/parley-ai/parley/internal/common/config"
	"github.com/parley-ai/parley/internal/common/logger"
	"github.com/parley-ai/parley/internal/heartbeat"
	"github.com/parley-ai/parley/internal/protocol"
)

// notesTaskID tags the startup capability announcement.
const notesTaskID = "system"

// deadLetterPayloadCap bounds how much of a rejected payload is echoed into
// the dead-letter diagnostic.
const deadLetterPayloadCap = 1024

// dispatchItem is one decoded message on its way to a worker.
type dispatchItem struct {
	value interface{}
}

// Counters reports the runtime's message accounting.
type Counters struct {
	Handled    uint64
	Duplicates uint64
	Malformed  uint64
	Dropped    uint64
}

// Runtime runs one agent: it subscribes to the agent's channel, keeps the
// heartbeat alive, decodes and deduplicates traffic, and dispatches to the
// capabilities through a worker pool partitioned by task id so one task's
// messages stay ordered.
type Runtime struct {
	name   string
	cfg    config.AgentConfig
	bus    bus.Bus
	caps   Capabilities
	logger *logger.Logger

	emitter *heartbeat.Emitter
	sub     bus.Subscription

	queues     []chan dispatchItem
	readerDone chan struct{}
	workersWG  sync.WaitGroup

	handlerCtx    context.Context
	handlerCancel context.CancelFunc

	dedupe  *dedupe
	history *history

	streamMu  sync.Mutex
	streamSeq map[string]int

	handled    atomic.Uint64
	duplicates atomic.Uint64
	malformed  atomic.Uint64
	dropped    atomic.Uint64

	started  atomic.Bool
	stopOnce sync.Once
}

// NewRuntime creates a runtime for the named agent. The capabilities decide
// what the agent does; the runtime owns everything else.
func NewRuntime(name string, caps Capabilities, b bus.Bus, cfg config.AgentConfig, hb config.HeartbeatConfig, log *logger.Logger) *Runtime {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Runtime{
		name:       name,
		cfg:        cfg,
		bus:        b,
		caps:       caps,
		logger:     log.WithAgent(name),
		emitter:    heartbeat.NewEmitter(b, name, hb.Interval(), hb.TTL(), log),
		queues:     make([]chan dispatchItem, workers),
		readerDone: make(chan struct{}),
		dedupe:     newDedupe(cfg.DedupeSize),
		history:    newHistory(cfg.HistorySize),
		streamSeq:  make(map[string]int),
	}
}

// Name returns the agent name.
func (rt *Runtime) Name() string { return rt.name }

// Bus returns the underlying bus, for capabilities that need raw access.
func (rt *Runtime) Bus() bus.Bus { return rt.bus }

// Logger returns the runtime's logger.
func (rt *Runtime) Logger() *logger.Logger { return rt.logger }

// Counters returns the current message accounting.
func (rt *Runtime) Counters() Counters {
	return Counters{
		Handled:    rt.handled.Load(),
		Duplicates: rt.duplicates.Load(),
		Malformed:  rt.malformed.Load(),
		Dropped:    rt.dropped.Load(),
	}
}

// Remember records one exchange in the task's history ring.
func (rt *Runtime) Remember(taskID, sender, content string) {
	rt.history.remember(taskID, sender, content)
}

// Recent returns the task's remembered exchanges, oldest first.
func (rt *Runtime) Recent(taskID string) []HistoryEntry {
	return rt.history.recent(taskID)
}

// ForgetTask drops the task's history, used on terminal transitions.
func (rt *Runtime) ForgetTask(taskID string) {
	rt.history.forget(taskID)
}

// Start brings the agent online: verify the bus, announce capabilities,
// start the heartbeat, subscribe the agent channel, and start the dispatch
// pool. The announce happens before the subscribe so the agent does not
// dispatch its own notes.
func (rt *Runtime) Start(ctx context.Context) error {
	if !rt.started.CompareAndSwap(false, true) {
		return errors.New("runtime already started")
	}

	if err := rt.bus.Ping(ctx); err != nil {
		return fmt.Errorf("bus unreachable: %w", err)
	}

	if notes := rt.caps.Notes(); notes != "" {
		msg := protocol.NewMessage(notesTaskID, rt.name, notes, protocol.IntentChat)
		if payload, err := protocol.Encode(msg); err == nil {
			if err := rt.bus.Publish(ctx, protocol.AgentChannel(rt.name), payload); err != nil {
				rt.logger.Warn("Failed to announce agent notes", zap.Error(err))
			}
		}
	}

	rt.emitter.Start(ctx)

	sub, err := rt.bus.Subscribe(ctx, protocol.AgentChannel(rt.name))
	if err != nil {
		rt.emitter.Stop()
		return fmt.Errorf("subscribe agent channel: %w", err)
	}
	rt.sub = sub

	rt.handlerCtx, rt.handlerCancel = context.WithCancel(ctx)

	queueSize := rt.cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	for i := range rt.queues {
		rt.queues[i] = make(chan dispatchItem, queueSize)
		rt.workersWG.Add(1)
		go rt.worker(i)
	}
	go rt.reader()

	rt.logger.Info("Agent runtime started",
		zap.Int("workers", len(rt.queues)),
		zap.Int("queue_size", queueSize))
	return nil
}

// Stop takes the agent offline: stop accepting work, signal cancellation to
// handlers, drain the pool within the drain budget, and clear the heartbeat
// key so the monitor reports offline immediately.
func (rt *Runtime) Stop() {
	if !rt.started.Load() {
		return
	}
	rt.stopOnce.Do(func() {
		rt.logger.Info("Agent runtime stopping")

		if rt.sub != nil {
			_ = rt.sub.Unsubscribe()
		}
		<-rt.readerDone

		if rt.handlerCancel != nil {
			rt.handlerCancel()
		}
		for _, q := range rt.queues {
			close(q)
		}

		drain := rt.cfg.DrainTimeout()
		if drain <= 0 {
			drain = 10 * time.Second
		}
		done := make(chan struct{})
		go func() {
			rt.workersWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(drain):
			rt.logger.Warn("Drain timeout exceeded, abandoning queued work",
				zap.Duration("drain_timeout", drain))
		}

		rt.emitter.Stop()

		c := rt.Counters()
		rt.logger.Info("Agent runtime stopped",
			zap.Uint64("handled", c.Handled),
			zap.Uint64("duplicates", c.Duplicates),
			zap.Uint64("malformed", c.Malformed),
			zap.Uint64("dropped", c.Dropped))
	})
}

// reader pumps bus deliveries into the dispatch pool until the subscription
// closes. Buffered deliveries still present after Unsubscribe are ingested,
// then the workers drain them.
func (rt *Runtime) reader() {
	defer close(rt.readerDone)
	for d := range rt.sub.Messages() {
		rt.ingest(d.Payload)
	}
}

// ingest decodes, validates, deduplicates, and enqueues one payload.
// Malformed traffic goes to the dead-letter channel and never reaches a
// handler; duplicates are dropped silently.
func (rt *Runtime) ingest(payload []byte) {
	value, variant, err := protocol.Decode(payload)
	if err != nil {
		rt.deadLetter(payload, err.Error())
		return
	}

	var taskID, content string
	var intent protocol.Intent
	var ts time.Time
	var fieldErrs []protocol.FieldError

	switch v := value.(type) {
	case *protocol.StreamEvent:
		// Stream traffic is gateway-bound; an agent channel is the wrong
		// place for it.
		rt.logger.Debug("Ignoring stream event on agent channel",
			zap.String("task_id", v.TaskID), zap.String("event", v.Event))
		return
	case *protocol.TaskResult:
		taskID, content, intent, ts = v.TaskID, v.Content, v.Intent, v.Timestamp
		fieldErrs = v.Validate()
	case *protocol.Task:
		taskID, content, intent, ts = v.TaskID, v.Content, v.Intent, v.Timestamp
		fieldErrs = v.Validate()
	case *protocol.Message:
		taskID, content, intent, ts = v.TaskID, v.Content, v.Intent, v.Timestamp
		fieldErrs = v.Validate()
	default:
		rt.deadLetter(payload, fmt.Sprintf("unsupported variant %s", variant))
		return
	}

	if len(fieldErrs) > 0 {
		rt.deadLetter(payload, fmt.Sprintf("invalid %s: %v", variant, fieldErrs))
		return
	}

	if rt.dedupe.observe(dedupeKey(taskID, intent, ts, content)) {
		rt.duplicates.Add(1)
		rt.logger.Debug("Dropping duplicate message",
			zap.String("task_id", taskID), zap.String("intent", string(intent)))
		return
	}

	rt.enqueue(taskID, dispatchItem{value: value})
}

// enqueue places the item on the worker owning the task's partition. A full
// queue sheds the oldest queued item first.
func (rt *Runtime) enqueue(taskID string, item dispatchItem) {
	q := rt.queues[partition(taskID, len(rt.queues))]
	select {
	case q <- item:
		return
	default:
	}

	select {
	case <-q:
		rt.dropped.Add(1)
		rt.logger.Warn("Dispatch queue full, dropped oldest item",
			zap.String("task_id", taskID))
	default:
	}
	select {
	case q <- item:
	default:
		rt.dropped.Add(1)
	}
}

// worker consumes one partition of the dispatch pool.
func (rt *Runtime) worker(i int) {
	defer rt.workersWG.Done()
	for item := range rt.queues[i] {
		rt.dispatch(item)
	}
}

// dispatch runs the capability handler for one item behind a recover
// boundary. A handler error or panic is surfaced to the sender as an error
// payload; the runtime itself never crashes on handler misbehavior.
func (rt *Runtime) dispatch(item dispatchItem) {
	var taskID, sender string
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		ctx := rt.handlerCtx
		switch v := item.value.(type) {
		case *protocol.TaskResult:
			taskID, sender = v.TaskID, v.Agent
			rt.history.remember(taskID, sender, v.Content)
			err = rt.caps.OnTaskResult(ctx, rt, v)
		case *protocol.Task:
			taskID, sender = v.TaskID, v.Agent
			rt.history.remember(taskID, sender, v.Content)
			err = rt.caps.OnTask(ctx, rt, v)
		case *protocol.Message:
			taskID, sender = v.TaskID, v.Agent
			switch v.Intent {
			case protocol.IntentToolExecute, protocol.IntentToolSuggest:
				err = rt.caps.OnToolResponse(ctx, rt, v)
			default:
				err = rt.caps.OnMessage(ctx, rt, v)
			}
		}
	}()

	rt.handled.Add(1)
	if err != nil {
		rt.logger.Error("Handler failed",
			zap.String("task_id", taskID),
			zap.String("sender", sender),
			zap.Error(err))
		if sender != "" && sender != rt.name {
			rt.PublishError(rt.handlerCtx, taskID, err.Error(), sender)
		}
	}
}

// deadLetter publishes one diagnostic for a rejected payload.
func (rt *Runtime) deadLetter(payload []byte, reason string) {
	rt.malformed.Add(1)

	echoed := payload
	if len(echoed) > deadLetterPayloadCap {
		echoed = echoed[:deadLetterPayloadCap]
	}
	diag := struct {
		Agent     string    `json:"agent"`
		Reason    string    `json:"reason"`
		Payload   string    `json:"payload"`
		Timestamp time.Time `json:"timestamp"`
	}{rt.name, reason, string(echoed), time.Now().UTC()}

	data, err := protocol.Encode(diag)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.bus.Publish(ctx, protocol.ChannelDeadLetter, data); err != nil {
		rt.logger.Warn("Failed to publish dead-letter diagnostic", zap.Error(err))
	}
	rt.logger.Warn("Rejected malformed payload", zap.String("reason", reason))
}

// partition maps a task id to a worker index so all of one task's messages
// land on the same worker.
func partition(taskID string, workers int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return int(h.Sum32() % uint32(workers))
}
