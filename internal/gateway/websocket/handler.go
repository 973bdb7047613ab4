package websocket

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aether-run/aether/internal/common/logger"
	ws "github.com/aether-run/aether/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// TokenVerifier authenticates a bearer token and reports the subject it
// belongs to, so events can be scoped per spec.md §4.10.
type TokenVerifier func(token string) (subject string, isAdmin bool, err error)

// Handler handles WebSocket connections.
type Handler struct {
	hub      *Hub
	verifier TokenVerifier
	logger   *logger.Logger
}

// NewHandler creates a new WebSocket handler. verifier may be nil, in
// which case connections are accepted unauthenticated (dev mode).
func NewHandler(hub *Hub, verifier TokenVerifier, log *logger.Logger) *Handler {
	return &Handler{
		hub:      hub,
		verifier: verifier,
		logger:   log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades HTTP to WebSocket and handles messages.
func (h *Handler) HandleConnection(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("Authorization")
	}

	var subject string
	var isAdmin bool
	if h.verifier != nil {
		sub, admin, err := h.verifier(token)
		if err != nil {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		subject, isAdmin = sub, admin
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	h.logger.Debug("websocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	client := NewClient(clientID, conn, h.hub, h.logger)
	client.SetSubject(subject, isAdmin)
	h.hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

// RegisterHealthHandler registers the health check handler.
func RegisterHealthHandler(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionHealthCheck, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
			"status":  "ok",
			"service": "aether",
		})
	})
}
