package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/justelson/agentscope/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024
)

// clientCommand is the only inbound message shape clients send: subscribe
// or unsubscribe to a session or terminal stream.
type clientCommand struct {
	Action     string `json:"action"`
	SessionID  string `json:"session_id,omitempty"`
	TerminalID string `json:"terminal_id,omitempty"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	conn *websocket.Conn
	hub  *Hub
	send chan []byte

	mu            sync.RWMutex
	subscriptions map[string]bool

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

// wants reports whether the client should receive an event tagged with the
// given session or terminal. An empty subscription set means everything.
func (c *Client) wants(sessionID, terminalID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	if sessionID != "" && c.subscriptions[sessionID] {
		return true
	}
	if terminalID != "" && c.subscriptions[terminalID] {
		return true
	}
	return false
}

// ReadPump pumps subscription commands from the connection to the client's
// filter set.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}

		var cmd clientCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.logger.Warn("Failed to parse client command", zap.Error(err))
			continue
		}
		c.handleCommand(&cmd)
	}
}

func (c *Client) handleCommand(cmd *clientCommand) {
	key := cmd.SessionID
	if key == "" {
		key = cmd.TerminalID
	}
	if key == "" {
		return
	}

	c.mu.Lock()
	switch cmd.Action {
	case "subscribe":
		c.subscriptions[key] = true
	case "unsubscribe":
		delete(c.subscriptions, key)
	}
	c.mu.Unlock()

	c.logger.Debug("Client subscription updated",
		zap.String("action", cmd.Action),
		zap.String("key", key))
}

// WritePump pumps events from the hub to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
