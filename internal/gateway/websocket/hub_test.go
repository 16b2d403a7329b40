package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justelson/agentscope/internal/common/logger"
	"github.com/justelson/agentscope/internal/events"
	"github.com/justelson/agentscope/internal/events/bus"
)

func TestClientWants(t *testing.T) {
	c := NewClient("c1", nil, nil, logger.Default())

	// No subscriptions means everything.
	assert.True(t, c.wants("agent-1", ""))
	assert.True(t, c.wants("", "term-1"))

	c.handleCommand(&clientCommand{Action: "subscribe", SessionID: "agent-1"})
	assert.True(t, c.wants("agent-1", ""))
	assert.False(t, c.wants("agent-2", ""))
	assert.False(t, c.wants("", "term-1"))

	c.handleCommand(&clientCommand{Action: "subscribe", TerminalID: "term-1"})
	assert.True(t, c.wants("", "term-1"))

	c.handleCommand(&clientCommand{Action: "unsubscribe", SessionID: "agent-1"})
	assert.False(t, c.wants("agent-1", ""))
}

func TestHubRelaysBusEvents(t *testing.T) {
	eventBus := bus.NewMemoryEventBus(logger.Default())
	defer eventBus.Close()

	hub, err := NewHub(eventBus, logger.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := NewClient("c1", nil, hub, logger.Default())
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	event := bus.NewEvent(events.AgentSessionStatus, "test", map[string]interface{}{
		"session_id": "agent-1",
		"status":     "running",
	})
	require.NoError(t, eventBus.Publish(context.Background(), events.AgentSessionStatus, event))

	select {
	case data := <-client.send:
		assert.Contains(t, string(data), "agent-1")
	case <-time.After(time.Second):
		t.Fatal("event was not relayed to the client")
	}
}
