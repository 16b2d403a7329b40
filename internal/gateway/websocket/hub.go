// Package websocket pushes orchestrator and terminal events to connected
// UI clients. The hub subscribes to the event bus and fans every event out
// to clients; clients that subscribed to specific sessions receive only
// events for those sessions.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/justelson/agentscope/internal/common/logger"
	"github.com/justelson/agentscope/internal/events/bus"
)

// Hub manages all WebSocket client connections and relays bus events.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *bus.Event

	busSubs []bus.Subscription

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub and subscribes it to agent and terminal events.
func NewHub(eventBus bus.EventBus, log *logger.Logger) (*Hub, error) {
	h := &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *bus.Event, 256),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}

	for _, pattern := range []string{"agent.>", "terminal.>"} {
		sub, err := eventBus.Subscribe(pattern, h.onBusEvent)
		if err != nil {
			return nil, err
		}
		h.busSubs = append(h.busSubs, sub)
	}

	return h, nil
}

func (h *Hub) onBusEvent(ctx context.Context, event *bus.Event) error {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast buffer full, dropping event",
			zap.String("event_type", event.Type))
	}
	return nil
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)
		}
	}
}

func (h *Hub) shutdown() {
	for _, sub := range h.busSubs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe from bus", zap.Error(err))
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

// broadcastEvent delivers an event to every client whose subscription set
// matches. A client with no subscriptions receives everything.
func (h *Hub) broadcastEvent(event *bus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast event", zap.Error(err))
		return
	}

	sessionID, _ := event.Data["session_id"].(string)
	terminalID, _ := event.Data["terminal_id"].(string)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.wants(sessionID, terminalID) {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Client buffer full, will be cleaned up by write pump
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
