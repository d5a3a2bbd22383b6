package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parley-ai/parley/internal/common/logger"
	"github.com/parley-ai/parley/pkg/wsproto"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client is a single WebSocket session.
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool // task ids, guarded by hub.mu

	sendMu       sync.Mutex
	closed       bool
	dropped      atomic.Int64
	lastActivity atomic.Int64

	logger *logger.Logger
}

// NewClient creates a session bound to an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	c := &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, hub.cfg.SendQueueSize),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
	c.touch()
	return c
}

// DroppedEvents returns how many outbound frames backpressure has discarded.
func (c *Client) DroppedEvents() int64 {
	return c.dropped.Load()
}

// LastActivity returns when the peer last sent anything.
func (c *Client) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// pingPeriod is how often the server pings the peer. A session that misses
// two consecutive pings is closed by the read deadline.
func (c *Client) pingPeriod() time.Duration {
	return time.Duration(c.hub.cfg.PingIntervalSec) * time.Second
}

func (c *Client) pongWait() time.Duration {
	return 2*c.pingPeriod() + writeWait
}

// ReadPump pumps frames from the connection into the hub. It owns the
// connection's read side and tears the session down when the peer goes away.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			return
		}

		var f wsproto.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.logger.Debug("Failed to parse frame", zap.Error(err))
			c.sendError(wsproto.ErrorCodeBadRequest, "invalid frame format")
			continue
		}
		c.handleFrame(ctx, &f)
	}
}

// handleFrame dispatches one inbound frame. Session-bound frame types are
// handled here; the rest go through the hub's dispatcher.
func (c *Client) handleFrame(ctx context.Context, f *wsproto.Frame) {
	c.touch()
	c.logger.Debug("Received frame", zap.String("type", string(f.Type)))

	switch f.Type {
	case wsproto.FrameStartTask:
		c.hub.handleStartTask(ctx, c, f)
	case wsproto.FrameChatMessage:
		c.hub.handleChat(ctx, c, f)
	case wsproto.FrameCancelTask:
		c.hub.handleCancel(ctx, c, f)
	case wsproto.FrameSubscribe:
		c.handleSubscribe(f)
	case wsproto.FrameUnsubscribe:
		c.handleUnsubscribe(f)
	default:
		reply, err := c.hub.dispatcher.Dispatch(ctx, f)
		if err != nil {
			c.logger.Error("Handler error", zap.String("type", string(f.Type)), zap.Error(err))
			c.sendError(wsproto.ErrorCodeInternalError, err.Error())
			return
		}
		if reply != nil {
			c.sendFrame(reply)
		}
	}
}

// subscriptionKey accepts either a task id or a raw channel name.
func subscriptionKey(p wsproto.SubscribePayload) string {
	if p.TaskID != "" {
		return p.TaskID
	}
	return p.Channel
}

func (c *Client) handleSubscribe(f *wsproto.Frame) {
	var p wsproto.SubscribePayload
	if err := f.ParsePayload(&p); err != nil {
		c.sendError(wsproto.ErrorCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	key := subscriptionKey(p)
	if key == "" {
		c.sendError(wsproto.ErrorCodeValidation, "task_id or channel is required")
		return
	}
	c.hub.SubscribeToTask(c, key)
}

func (c *Client) handleUnsubscribe(f *wsproto.Frame) {
	var p wsproto.SubscribePayload
	if err := f.ParsePayload(&p); err != nil {
		c.sendError(wsproto.ErrorCodeBadRequest, "invalid payload: "+err.Error())
		return
	}
	key := subscriptionKey(p)
	if key == "" {
		c.sendError(wsproto.ErrorCodeValidation, "task_id or channel is required")
		return
	}
	c.hub.UnsubscribeFromTask(c, key)
}

// sendFrame queues a frame for delivery to the peer.
func (c *Client) sendFrame(f *wsproto.Frame) {
	data, err := f.Encode()
	if err != nil {
		c.logger.Error("Failed to encode frame", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *Client) sendError(code, message string) {
	c.sendFrame(wsproto.NewError(code, message))
}

// enqueue adds an encoded frame to the send queue. When the queue is full
// the oldest queued frame is dropped so slow readers see fresh traffic.
func (c *Client) enqueue(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}

	for {
		select {
		case c.send <- data:
			return
		default:
		}
		select {
		case <-c.send:
			c.dropped.Add(1)
			c.logger.Warn("Send queue full, dropped oldest frame",
				zap.Int64("dropped_events", c.dropped.Load()))
		default:
		}
	}
}

// closeSend closes the send queue exactly once. Only the hub calls this,
// after the session is out of the client and subscriber maps.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WritePump pumps queued frames to the connection and keeps the session
// alive with periodic pings. It owns the connection's write side.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the session
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
