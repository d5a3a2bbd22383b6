package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parley-ai/parley/internal/bus"
	"github.com/parley-ai/parley/internal/common/config"
	"github.com/parley-ai/parley/internal/common/logger"
	"github.com/parley-ai/parley/pkg/wsproto"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are left to the deployment's reverse proxy.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP requests into WebSocket sessions.
type Handler struct {
	hub    *Hub
	logger *logger.Logger
}

// NewHandler creates a new WebSocket handler.
func NewHandler(hub *Hub, log *logger.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades the request and runs the session pumps. The
// client receives a connection_established frame with its assigned id
// before anything else.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.NewString()
	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(clientID, conn, h.hub, h.logger)
	h.hub.Register(client)

	established, err := wsproto.NewFrame(wsproto.FrameConnectionEstablished, wsproto.ConnEstablishedPayload{
		ClientID: clientID,
	})
	if err == nil {
		established.ClientID = clientID
		client.sendFrame(established)
	}

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// Gateway bundles the hub and HTTP handler for wiring into a router.
type Gateway struct {
	Hub     *Hub
	Handler *Handler
}

// NewGateway assembles the WebSocket gateway.
func NewGateway(cfg config.GatewayConfig, orchestrator string, b bus.Bus, tasks TaskService, log *logger.Logger) *Gateway {
	hub := NewHub(cfg, orchestrator, b, tasks, log)
	return &Gateway{
		Hub:     hub,
		Handler: NewHandler(hub, log),
	}
}

// SetupRoutes adds the WebSocket endpoint to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
