package websocket

import (
	"github.com/gin-gonic/gin"

	"github.com/aether-run/aether/internal/common/logger"
	bus "github.com/aether-run/aether/internal/eventbus"
	ws "github.com/aether-run/aether/pkg/websocket"
)

// Gateway represents the unified WebSocket gateway: one dispatcher for
// request/response commands, one hub for event fan-out.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler
	logger     *logger.Logger
}

// NewGateway creates a new WebSocket gateway with all components
// initialized. verifier authenticates bearer tokens on connect; pass nil
// to accept unauthenticated connections (dev mode).
func NewGateway(eventBus bus.EventBus, verifier TokenVerifier, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, eventBus, log)
	handler := NewHandler(hub, verifier, log)

	RegisterHealthHandler(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// SetupRoutes adds the WebSocket route to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
