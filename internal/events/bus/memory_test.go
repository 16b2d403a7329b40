package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justelson/agentscope/internal/common/logger"
)

type eventCollector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *eventCollector) handler(ctx context.Context, event *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *eventCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewMemoryEventBus(logger.Default())
	defer bus.Close()

	collector := &eventCollector{}
	sub, err := bus.Subscribe("agent.session.status", collector.handler)
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	event := NewEvent("agent.session.status", "test", map[string]interface{}{"session_id": "s1"})
	require.NoError(t, bus.Publish(context.Background(), "agent.session.status", event))

	assert.Eventually(t, func() bool { return collector.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestMemoryBusWildcards(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		match   bool
	}{
		{"agent.>", "agent.session.status", true},
		{"agent.>", "terminal.output", false},
		{"agent.session.*", "agent.session.created", true},
		{"agent.session.*", "agent.session.output.extra", false},
		{"terminal.output", "terminal.output", true},
		{"terminal.output", "terminal.exit", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.subject, func(t *testing.T) {
			assert.Equal(t, tt.match, matches(tt.subject, tt.pattern, compilePattern(tt.pattern)))
		})
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryEventBus(logger.Default())
	defer bus.Close()

	collector := &eventCollector{}
	sub, err := bus.Subscribe("terminal.>", collector.handler)
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	event := NewEvent("terminal.output", "test", nil)
	require.NoError(t, bus.Publish(context.Background(), "terminal.output", event))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, collector.count())
}

func TestMemoryBusClosed(t *testing.T) {
	bus := NewMemoryEventBus(logger.Default())
	bus.Close()

	assert.False(t, bus.IsConnected())

	_, err := bus.Subscribe("agent.>", func(ctx context.Context, event *Event) error { return nil })
	assert.Error(t, err)

	err = bus.Publish(context.Background(), "agent.session.created", NewEvent("agent.session.created", "test", nil))
	assert.Error(t, err)
}
