// Package websocket is the WebSocket gateway between browser clients and the
// agent fabric. It owns:
//
//   - client session management (register/unregister, per-task subscriptions)
//   - translation of client frames into bus traffic (start_task, chat,
//     cancel_task) through the intelligence hub
//   - fan-in from frontend_broadcast and system_status to connected sessions
//
// Task-keyed bus payloads are delivered only to sessions subscribed to that
// task id; system notices and status updates broadcast to every session.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parley-ai/parley/internal/bus"
	"github.com/parley-ai/parley/internal/common/appctx"
	"github.com/parley-ai/parley/internal/common/config"
	"github.com/parley-ai/parley/internal/common/logger"
	"github.com/parley-ai/parley/internal/hub"
	"github.com/parley-ai/parley/internal/protocol"
	"github.com/parley-ai/parley/internal/routing"
	"github.com/parley-ai/parley/pkg/wsproto"
)

// gatewayAgent is the sender name stamped on bus traffic the gateway
// originates. The orchestrator treats it as a privileged requester.
const gatewayAgent = "gateway"

// systemTaskID marks payloads that are not tied to one task, such as agent
// notes announced at startup. They broadcast to every session.
const systemTaskID = "system"

// dispatchTimeout bounds bus work triggered by one client frame. The work
// runs detached from the session so a disconnect mid-dispatch cannot strand
// a task the hub already created.
const dispatchTimeout = 10 * time.Second

// TaskService is the slice of the intelligence hub the gateway consumes.
type TaskService interface {
	CreateAndRoute(ctx context.Context, req hub.CreateRequest) (*protocol.Task, *routing.Decision, error)
	SystemStatus(ctx context.Context) hub.SystemStatus
}

// Hub manages all WebSocket client sessions and the bus fan-in.
type Hub struct {
	cfg          config.GatewayConfig
	orchestrator string
	bus          bus.Bus
	tasks        TaskService
	dispatcher   *wsproto.Dispatcher

	clients         map[*Client]bool
	taskSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	ready      chan struct{}
	done       chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates the gateway hub. The orchestrator name is the agent all
// client-originated tasks and cancellations are published to.
func NewHub(cfg config.GatewayConfig, orchestrator string, b bus.Bus, tasks TaskService, log *logger.Logger) *Hub {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.PingIntervalSec <= 0 {
		cfg.PingIntervalSec = 30
	}
	if orchestrator == "" {
		orchestrator = "orchestrator"
	}

	h := &Hub{
		cfg:             cfg,
		orchestrator:    orchestrator,
		bus:             b,
		tasks:           tasks,
		dispatcher:      wsproto.NewDispatcher(),
		clients:         make(map[*Client]bool),
		taskSubscribers: make(map[string]map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		ready:           make(chan struct{}),
		done:            make(chan struct{}),
		logger:          log.WithFields(zap.String("component", "ws_hub")),
	}
	h.registerHandlers()
	return h
}

// registerHandlers wires the session-independent frame handlers.
func (h *Hub) registerHandlers() {
	h.dispatcher.RegisterFunc(wsproto.FramePing, func(ctx context.Context, f *wsproto.Frame) (*wsproto.Frame, error) {
		return wsproto.NewFrame(wsproto.FramePong, nil)
	})
	// Clients may answer our protocol-level pings with pong frames; swallow them.
	h.dispatcher.RegisterFunc(wsproto.FramePong, func(ctx context.Context, f *wsproto.Frame) (*wsproto.Frame, error) {
		return nil, nil
	})
	h.dispatcher.RegisterFunc(wsproto.FrameCommand, func(ctx context.Context, f *wsproto.Frame) (*wsproto.Frame, error) {
		var p wsproto.CommandPayload
		if err := f.ParsePayload(&p); err != nil {
			return wsproto.NewError(wsproto.ErrorCodeBadRequest, "invalid command payload: "+err.Error()), nil
		}
		switch p.Name {
		case "system_status":
			return wsproto.NewFrame(wsproto.FrameSystemStatus, h.tasks.SystemStatus(ctx))
		default:
			return wsproto.NewError(wsproto.ErrorCodeBadRequest, "unknown command: "+p.Name), nil
		}
	})
}

// Run pumps client registration and bus fan-in until ctx is cancelled. The
// single subscription preserves per-channel ordering, so stream events for
// one (task_id, agent) reach sessions in emission order.
func (h *Hub) Run(ctx context.Context) error {
	sub, err := h.bus.Subscribe(ctx, protocol.ChannelFrontendBroadcast, protocol.ChannelSystemStatus)
	if err != nil {
		return fmt.Errorf("failed to subscribe gateway fan-in: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	defer close(h.done)
	close(h.ready)

	h.logger.Info("WebSocket hub started",
		zap.String("orchestrator", h.orchestrator),
		zap.Int("send_queue_size", h.cfg.SendQueueSize))
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return ctx.Err()

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case d, ok := <-sub.Messages():
			if !ok {
				h.closeAllClients()
				return bus.ErrClosed
			}
			h.routeDelivery(d)
		}
	}
}

// Ready is closed once the bus fan-in subscription is live. Serving client
// connections before then can miss broadcast traffic.
func (h *Hub) Ready() <-chan struct{} {
	return h.ready
}

// Register adds a client session to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister removes a client session from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscribeToTask subscribes a session to one task's traffic.
func (h *Hub) SubscribeToTask(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.taskSubscribers[taskID]; !ok {
		h.taskSubscribers[taskID] = make(map[*Client]bool)
	}
	h.taskSubscribers[taskID][client] = true
	client.subscriptions[taskID] = true

	h.logger.Debug("Client subscribed to task",
		zap.String("client_id", client.ID),
		zap.String("task_id", taskID))
}

// UnsubscribeFromTask removes a session's subscription to one task.
func (h *Hub) UnsubscribeFromTask(client *Client, taskID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, taskID)
	if clients, ok := h.taskSubscribers[taskID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.taskSubscribers, taskID)
		}
	}
}

// removeClient tears down one session. Backend work for its tasks continues;
// only the session's own subscriptions go away.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for taskID := range client.subscriptions {
		if clients, ok := h.taskSubscribers[taskID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.taskSubscribers, taskID)
			}
		}
	}
	client.closeSend()
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.taskSubscribers = make(map[string]map[*Client]bool)
}

// routeDelivery translates one bus payload into a client frame and fans it
// out to the right sessions.
func (h *Hub) routeDelivery(d bus.Delivery) {
	if d.Channel == protocol.ChannelSystemStatus {
		h.broadcastFrame(busFrame(wsproto.FrameSystemStatus, d.Payload))
		return
	}

	switch protocol.Sniff(d.Payload) {
	case protocol.VariantStream:
		ev, err := protocol.DecodeStreamEvent(d.Payload)
		if err != nil {
			h.logger.Warn("Dropping malformed stream event", zap.Error(err))
			return
		}
		h.sendToTask(ev.TaskID, busFrame(wsproto.FrameType(ev.Event), d.Payload))

	case protocol.VariantTaskResult:
		res, err := protocol.DecodeTaskResult(d.Payload)
		if err != nil {
			h.logger.Warn("Dropping malformed task result", zap.Error(err))
			return
		}
		h.sendToTask(res.TaskID, busFrame(wsproto.FrameTaskResult, d.Payload))

	case protocol.VariantTask, protocol.VariantMessage:
		var probe struct {
			TaskID string `json:"task_id"`
		}
		_ = json.Unmarshal(d.Payload, &probe)
		f := busFrame(wsproto.FrameAgentMessage, d.Payload)
		if probe.TaskID == "" || probe.TaskID == systemTaskID {
			h.broadcastFrame(f)
			return
		}
		h.sendToTask(probe.TaskID, f)

	default:
		h.logger.Warn("Dropping unreadable frontend payload",
			zap.String("channel", d.Channel), zap.Int("bytes", len(d.Payload)))
	}
}

// busFrame wraps a raw bus payload in a client frame without re-encoding it.
func busFrame(t wsproto.FrameType, payload []byte) *wsproto.Frame {
	return &wsproto.Frame{
		Type:      t,
		Payload:   json.RawMessage(payload),
		Timestamp: time.Now().UTC(),
	}
}

// sendToTask delivers a frame to every session subscribed to the task.
func (h *Hub) sendToTask(taskID string, f *wsproto.Frame) {
	data, err := f.Encode()
	if err != nil {
		h.logger.Error("Failed to encode frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.taskSubscribers[taskID] {
		client.enqueue(data)
	}
}

// broadcastFrame delivers a frame to every connected session.
func (h *Hub) broadcastFrame(f *wsproto.Frame) {
	data, err := f.Encode()
	if err != nil {
		h.logger.Error("Failed to encode frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.enqueue(data)
	}
}

// handleStartTask routes a start_task frame through the intelligence hub,
// publishes the stamped Task to the orchestrator, and subscribes the session
// to the new task's traffic.
func (h *Hub) handleStartTask(ctx context.Context, c *Client, f *wsproto.Frame) {
	var p wsproto.ChatPayload
	if err := f.ParsePayload(&p); err != nil {
		c.sendError(wsproto.ErrorCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	h.startTask(ctx, c, p)
}

// handleChat translates a chat_message frame. With a task id it becomes a
// chat Message on the orchestrator channel; without one it starts a task.
func (h *Hub) handleChat(ctx context.Context, c *Client, f *wsproto.Frame) {
	var p wsproto.ChatPayload
	if err := f.ParsePayload(&p); err != nil {
		c.sendError(wsproto.ErrorCodeBadRequest, "invalid payload: "+err.Error())
		return
	}

	content := strings.TrimSpace(p.Content)
	if content == "" {
		c.sendError(wsproto.ErrorCodeValidation, "content is required")
		return
	}
	if p.TaskID == "" {
		h.startTask(ctx, c, p)
		return
	}

	opCtx, cancel := appctx.Detached(ctx, h.done, dispatchTimeout)
	defer cancel()

	msg := protocol.NewMessage(p.TaskID, gatewayAgent, content, protocol.IntentChat)
	if err := h.publish(opCtx, protocol.AgentChannel(h.orchestrator), msg); err != nil {
		c.sendError(wsproto.ErrorCodeInternalError, "failed to deliver message")
		return
	}
	h.SubscribeToTask(c, p.TaskID)
}

func (h *Hub) startTask(ctx context.Context, c *Client, p wsproto.ChatPayload) {
	content := strings.TrimSpace(p.Content)
	if content == "" {
		c.sendError(wsproto.ErrorCodeValidation, "content is required")
		return
	}

	// Once accepted, the create-and-dispatch chain finishes even if the
	// session drops mid-way.
	opCtx, cancel := appctx.Detached(ctx, h.done, dispatchTimeout)
	defer cancel()

	task, decision, err := h.tasks.CreateAndRoute(opCtx, hub.CreateRequest{
		TaskID:    p.TaskID,
		Requester: gatewayAgent,
		Content:   content,
	})
	if err != nil {
		h.logger.Error("Failed to create task", zap.String("client_id", c.ID), zap.Error(err))
		c.sendError(wsproto.ErrorCodeInternalError, "failed to create task: "+err.Error())
		return
	}

	if err := h.publish(opCtx, protocol.AgentChannel(h.orchestrator), task); err != nil {
		c.sendError(wsproto.ErrorCodeInternalError, "failed to dispatch task")
		return
	}

	h.SubscribeToTask(c, task.TaskID)

	ack, err := wsproto.NewFrame(wsproto.FrameTaskCreated, wsproto.TaskCreatedPayload{
		TaskID:          task.TaskID,
		TargetAgent:     task.TargetAgent,
		ReasoningEffort: string(task.ReasoningEffort),
	})
	if err != nil {
		h.logger.Error("Failed to build task_created ack", zap.Error(err))
		return
	}
	c.sendFrame(ack)

	h.logger.Info("Client task created",
		zap.String("client_id", c.ID),
		zap.String("task_id", task.TaskID),
		zap.String("target_agent", task.TargetAgent),
		zap.String("method", decision.Method))
}

// handleCancel publishes an escalate Task the orchestrator honors as a
// privileged kill switch.
func (h *Hub) handleCancel(ctx context.Context, c *Client, f *wsproto.Frame) {
	var p wsproto.CancelPayload
	if err := f.ParsePayload(&p); err != nil {
		c.sendError(wsproto.ErrorCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	if p.TaskID == "" {
		c.sendError(wsproto.ErrorCodeValidation, "task_id is required")
		return
	}

	reason := strings.TrimSpace(p.Reason)
	if reason == "" {
		reason = "cancelled by client"
	}

	opCtx, cancel := appctx.Detached(ctx, h.done, dispatchTimeout)
	defer cancel()

	task := protocol.NewTask(p.TaskID, gatewayAgent, reason, protocol.IntentModifyTask, h.orchestrator, protocol.EventEscalate)
	if err := h.publish(opCtx, protocol.AgentChannel(h.orchestrator), task); err != nil {
		c.sendError(wsproto.ErrorCodeInternalError, "failed to deliver cancellation")
		return
	}

	h.logger.Info("Client cancelled task",
		zap.String("client_id", c.ID),
		zap.String("task_id", p.TaskID))
}

func (h *Hub) publish(ctx context.Context, channel string, v interface{}) error {
	payload, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	if err := h.bus.Publish(ctx, channel, payload); err != nil {
		h.logger.Error("Bus publish failed", zap.String("channel", channel), zap.Error(err))
		return err
	}
	return nil
}
