// Package websocket provides a unified WebSocket gateway for all kernel
// commands and event subscriptions.
package websocket

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"go.uber.org/zap"

	bus "github.com/aether-run/aether/internal/eventbus"
	"github.com/aether-run/aether/internal/common/logger"
	ws "github.com/aether-run/aether/pkg/websocket"
)

// Hub manages all WebSocket client connections and fans out EventBus
// events to clients subscribed to matching topic patterns.
type Hub struct {
	clients map[*Client]bool

	// topicSubscribers maps a topic pattern (may contain NATS-style * / >
	// wildcards) to the set of clients subscribed to it.
	topicSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *ws.Message

	dispatcher *ws.Dispatcher
	eventBus   bus.EventBus
	busSub     bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub wired to the kernel's event bus.
func NewHub(dispatcher *ws.Dispatcher, eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		topicSubscribers: make(map[string]map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		broadcast:        make(chan *ws.Message, 256),
		dispatcher:       dispatcher,
		eventBus:         eventBus,
		logger:           log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop and subscribes to every
// kernel event so subscribed clients can be fanned out to.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	if h.eventBus != nil {
		sub, err := h.eventBus.Subscribe(">", func(_ context.Context, ev *bus.Event) error {
			h.dispatchEvent(ev)
			return nil
		})
		if err != nil {
			h.logger.Error("failed to subscribe hub to event bus", zap.Error(err))
		} else {
			h.busSub = sub
		}
	}

	for {
		select {
		case <-ctx.Done():
			if h.busSub != nil {
				_ = h.busSub.Unsubscribe()
			}
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

// dispatchEvent forwards a bus event as a notification to every client
// whose subscribed topic pattern matches the event's type.
func (h *Hub) dispatchEvent(ev *bus.Event) {
	notification, err := ws.NewNotification(ev.Type, ev)
	if err != nil {
		h.logger.Error("failed to build event notification", zap.Error(err))
		return
	}
	data, err := json.Marshal(notification)
	if err != nil {
		h.logger.Error("failed to marshal event notification", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for pattern, clients := range h.topicSubscribers {
		if !topicMatches(pattern, ev.Type) {
			continue
		}
		for client := range clients {
			if !client.canSee(ev) {
				continue
			}
			client.offer(data, ev)
		}
	}
}

// topicMatches reports whether subject matches a NATS-style pattern
// ("*" matches one token, ">" matches the remaining tokens).
func topicMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")
	for i, pt := range pTokens {
		if pt == ">" {
			return true
		}
		if i >= len(sTokens) {
			return false
		}
		if pt != "*" && pt != sTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(sTokens)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.closeSend()
		delete(h.clients, client)
	}
	h.topicSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closeSend()

		for pattern := range client.subscriptions {
			if clients, ok := h.topicSubscribers[pattern]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.topicSubscribers, pattern)
				}
			}
		}
	}
	h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.offerRaw(data)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) { h.register <- client }

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) { h.unregister <- client }

// Broadcast sends a notification to all connected clients.
func (h *Hub) Broadcast(msg *ws.Message) { h.broadcast <- msg }

// Subscribe registers a client's interest in a topic pattern.
func (h *Hub) Subscribe(client *Client, pattern string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.topicSubscribers[pattern]; !ok {
		h.topicSubscribers[pattern] = make(map[*Client]bool)
	}
	h.topicSubscribers[pattern][client] = true
	client.subscriptions[pattern] = true

	h.logger.Debug("client subscribed",
		zap.String("client_id", client.ID),
		zap.String("pattern", pattern))
}

// Unsubscribe removes a client's interest in a topic pattern.
func (h *Hub) Unsubscribe(client *Client, pattern string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, pattern)
	if clients, ok := h.topicSubscribers[pattern]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.topicSubscribers, pattern)
		}
	}
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher.
func (h *Hub) GetDispatcher() *ws.Dispatcher { return h.dispatcher }
