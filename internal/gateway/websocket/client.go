package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aether-run/aether/internal/common/logger"
	bus "github.com/aether-run/aether/internal/eventbus"
	ws "github.com/aether-run/aether/pkg/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
)

// Client represents a single WebSocket connection. Subject identifies the
// authenticated principal (taken from the bearer token checked when the
// connection is upgraded; the auth.* commands do not change it) and
// is used to scope event delivery: non-admin subjects only see events tied
// to their own resources (spec.md §4.10 scope rule).
type Client struct {
	ID            string
	conn          *websocket.Conn
	hub           *Hub
	send          chan []byte
	subscriptions map[string]bool

	mu      sync.RWMutex
	closed  bool
	subject string
	isAdmin bool

	logger *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:            id,
		conn:          conn,
		hub:           hub,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

// SetSubject records the authenticated principal for this connection.
func (c *Client) SetSubject(subject string, isAdmin bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subject = subject
	c.isAdmin = isAdmin
}

// canSee applies the scope rule: admins see every event; everyone else
// only sees events whose data carries a matching ownerUid/userUid, or
// events that carry no owner field at all (kernel-wide events such as
// cron.created).
func (c *Client) canSee(ev *bus.Event) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.isAdmin {
		return true
	}
	if ev.Data == nil {
		return true
	}
	owner, ok := ev.Data["ownerUid"]
	if !ok {
		owner, ok = ev.Data["userUid"]
	}
	if !ok {
		return true
	}
	ownerStr, _ := owner.(string)
	return ownerStr == "" || ownerStr == c.subject
}

// ReadPump pumps messages from the WebSocket connection to the hub.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Debug("failed to set read deadline", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("failed to parse message", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "invalid message format", nil)
			continue
		}

		// Handled concurrently so a slow command (e.g. agent.message) never
		// blocks the read pump from servicing other requests.
		go c.handleMessage(ctx, &msg)
	}
}

func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("received message", zap.String("action", msg.Action), zap.String("id", msg.ID))

	switch msg.Action {
	case ws.ActionSubscribe:
		c.handleSubscribe(msg)
		return
	case ws.ActionUnsubscribe:
		c.handleUnsubscribe(msg)
		return
	}

	c.mu.RLock()
	principal := ws.Principal{Subject: c.subject, IsAdmin: c.isAdmin}
	c.mu.RUnlock()
	ctx = ws.WithPrincipal(ctx, principal)

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("handler error", zap.String("action", msg.Action), zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

// SubscribeRequest is the payload for the "sub"/"unsub" actions.
type SubscribeRequest struct {
	Topic string `json:"topic"`
}

func (c *Client) handleSubscribe(msg *ws.Message) {
	var req SubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
		return
	}
	if req.Topic == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "topic is required", nil)
		return
	}

	c.hub.Subscribe(c, req.Topic)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"ok":    true,
		"topic": req.Topic,
	})
	c.sendMessage(resp)
}

func (c *Client) handleUnsubscribe(msg *ws.Message) {
	var req SubscribeRequest
	if err := msg.ParsePayload(&req); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
		return
	}
	if req.Topic == "" {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "topic is required", nil)
		return
	}

	c.hub.Unsubscribe(c, req.Topic)

	resp, _ := ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"ok":    true,
		"topic": req.Topic,
	})
	c.sendMessage(resp)
}

func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	c.offerRaw(data)
}

// offer delivers a pre-marshaled event notification, logging the event
// id so drops are traceable.
func (c *Client) offer(data []byte, ev *bus.Event) {
	if !c.offerRaw(data) {
		c.logger.Warn("dropped event notification, client send buffer full",
			zap.String("event_id", ev.ID), zap.String("event_type", ev.Type))
	}
}

func (c *Client) offerRaw(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("failed to create error message", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// WritePump pumps messages from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("failed to close websocket connection", zap.Error(err))
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("failed to set write deadline", zap.Error(err))
			}
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					c.logger.Debug("failed to write close message", zap.Error(err))
				}
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(message); err != nil {
				c.logger.Debug("failed to write websocket message", zap.Error(err))
				_ = w.Close()
				return
			}

			n := len(c.send)
			for i := 0; i < n; i++ {
				if _, err := w.Write([]byte{'\n'}); err != nil {
					c.logger.Debug("failed to write websocket delimiter", zap.Error(err))
					_ = w.Close()
					return
				}
				if _, err := w.Write(<-c.send); err != nil {
					c.logger.Debug("failed to write queued websocket message", zap.Error(err))
					_ = w.Close()
					return
				}
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("failed to set write deadline", zap.Error(err))
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
