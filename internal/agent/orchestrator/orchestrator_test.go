package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justelson/agentscope/internal/agent/handler"
	"github.com/justelson/agentscope/internal/agent/history"
	"github.com/justelson/agentscope/internal/common/config"
	"github.com/justelson/agentscope/internal/common/logger"
	"github.com/justelson/agentscope/internal/events"
	"github.com/justelson/agentscope/internal/events/bus"
	"github.com/justelson/agentscope/internal/terminal"
)

// recordBus is a synchronous EventBus that records every published event in
// order, making delivery ordering deterministic in tests.
type recordBus struct {
	mu     sync.Mutex
	events []*bus.Event
	subs   map[string][]bus.EventHandler
}

func newRecordBus() *recordBus {
	return &recordBus{subs: make(map[string][]bus.EventHandler)}
}

func (b *recordBus) Publish(ctx context.Context, subject string, event *bus.Event) error {
	b.mu.Lock()
	b.events = append(b.events, event)
	var handlers []bus.EventHandler
	for pattern, subs := range b.subs {
		if patternMatches(pattern, subject) {
			handlers = append(handlers, subs...)
		}
	}
	b.mu.Unlock()

	for _, h := range handlers {
		_ = h(ctx, event)
	}
	return nil
}

func patternMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		return strings.HasPrefix(subject, strings.TrimSuffix(pattern, ">"))
	}
	return false
}

type recordSub struct{}

func (recordSub) Unsubscribe() error { return nil }
func (recordSub) IsValid() bool      { return true }

func (b *recordBus) Subscribe(subject string, h bus.EventHandler) (bus.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[subject] = append(b.subs[subject], h)
	return recordSub{}, nil
}

func (b *recordBus) Close()            {}
func (b *recordBus) IsConnected() bool { return true }

func (b *recordBus) typesInOrder() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	types := make([]string, len(b.events))
	for i, e := range b.events {
		types[i] = e.Type
	}
	return types
}

func (b *recordBus) lastOfType(eventType string) *bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].Type == eventType {
			return b.events[i]
		}
	}
	return nil
}

// fakeTerminals implements TerminalManager without spawning processes.
type fakeTerminals struct {
	mu          sync.Mutex
	interceptor terminal.Interceptor
	writes      map[string][]string
	resizes     map[string][2]int
	killed      []string
	created     int
	failCreate  bool
	createHook  func()
}

func newFakeTerminals() *fakeTerminals {
	return &fakeTerminals{
		writes:  make(map[string][]string),
		resizes: make(map[string][2]int),
	}
}

func (f *fakeTerminals) CreateSession(name, cwd, shellPreference string) (*terminal.Info, error) {
	f.mu.Lock()
	hook := f.createHook
	f.createHook = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return nil, errors.New("spawn failed")
	}
	f.created++
	return &terminal.Info{
		ID:      fmt.Sprintf("term-%d", f.created),
		Name:    name,
		WorkDir: cwd,
		Status:  terminal.StatusRunning,
	}, nil
}

func (f *fakeTerminals) Write(id string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes[id] = append(f.writes[id], string(data))
}

func (f *fakeTerminals) Resize(id string, cols, rows int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resizes[id] = [2]int{cols, rows}
}

func (f *fakeTerminals) KillSession(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return true
}

func (f *fakeTerminals) SetInterceptor(fn terminal.Interceptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interceptor = fn
}

func (f *fakeTerminals) writesTo(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes[id]))
	copy(out, f.writes[id])
	return out
}

type fixture struct {
	orch      *Orchestrator
	terminals *fakeTerminals
	bus       *recordBus
	store     *history.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := history.NewStore(t.TempDir())
	require.NoError(t, err)

	fx := &fixture{
		terminals: newFakeTerminals(),
		bus:       newRecordBus(),
		store:     store,
	}

	cfg := config.OrchestratorConfig{
		OutputHistoryCap: 3,
		StartSettleMs:    1,
		StartCommandMs:   1,
	}

	fx.orch, err = New(cfg, fx.terminals, handler.NewRegistry(), store, fx.bus, logger.Default())
	require.NoError(t, err)
	return fx
}

func (fx *fixture) startedSession(t *testing.T) *SessionInfo {
	t.Helper()
	info, err := fx.orch.CreateSession("claude", "fix the bug", "/work", false)
	require.NoError(t, err)
	require.NoError(t, fx.orch.StartSession(info.ID))
	info, err = fx.orch.GetSession(info.ID)
	require.NoError(t, err)
	return info
}

func TestCreateSessionUnknownAgent(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.orch.CreateSession("not-an-agent", "task", "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown agent")
}

func TestCreateSession(t *testing.T) {
	fx := newFixture(t)

	info, err := fx.orch.CreateSession("claude", "fix the bug", "/work", false)
	require.NoError(t, err)
	assert.Equal(t, handler.StatusReady, info.Status)
	assert.Equal(t, handler.PhaseIdle, info.Phase)
	assert.Equal(t, "Claude Code", info.AgentName)
	assert.True(t, strings.HasPrefix(info.ID, "agent-"))

	// The persisted record appears shortly after; storage initialization does
	// not block the create call.
	require.Eventually(t, func() bool {
		evts, err := fx.store.ReadEvents(info.ID)
		return err == nil && len(evts) == 1
	}, time.Second, 5*time.Millisecond)

	meta, err := fx.store.LoadMeta(info.ID)
	require.NoError(t, err)
	assert.Equal(t, "fix the bug", meta.Task)

	evts, err := fx.store.ReadEvents(info.ID)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, history.EventCreated, evts[0].Type)

	created := fx.bus.lastOfType(events.AgentSessionCreated)
	require.NotNil(t, created)
	assert.Equal(t, info.ID, created.Data["session_id"])
}

func TestStartSession(t *testing.T) {
	fx := newFixture(t)
	info := fx.startedSession(t)

	assert.Equal(t, handler.StatusRunning, info.Status)
	assert.Equal(t, handler.PhaseAnalyzing, info.Phase)
	assert.Equal(t, "term-1", info.TerminalID)
	require.NotNil(t, info.StartedAt)

	// The settle write and the start command follow after the delays.
	require.Eventually(t, func() bool {
		return len(fx.terminals.writesTo("term-1")) >= 2
	}, time.Second, 5*time.Millisecond)

	writes := fx.terminals.writesTo("term-1")
	assert.Equal(t, "\r", writes[0])
	assert.Contains(t, writes[1], "claude")
	assert.Contains(t, writes[1], "fix the bug")
	assert.True(t, strings.HasSuffix(writes[1], "\r\n"))

	// Starting again is rejected and does not touch the start timestamp.
	err := fx.orch.StartSession(info.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be started")

	current, err := fx.orch.GetSession(info.ID)
	require.NoError(t, err)
	require.NotNil(t, current.StartedAt)
	assert.Equal(t, *info.StartedAt, *current.StartedAt)
}

func TestStartSessionWhileStartInFlight(t *testing.T) {
	fx := newFixture(t)
	info, err := fx.orch.CreateSession("claude", "task", "", false)
	require.NoError(t, err)

	// A second start arriving while the first is still creating its terminal
	// must be rejected instead of binding a second one.
	var nested error
	fx.terminals.createHook = func() {
		nested = fx.orch.StartSession(info.ID)
	}
	require.NoError(t, fx.orch.StartSession(info.ID))

	require.Error(t, nested)
	assert.Contains(t, nested.Error(), "cannot be started")

	fx.terminals.mu.Lock()
	defer fx.terminals.mu.Unlock()
	assert.Equal(t, 1, fx.terminals.created)
}

func TestAutoStartWithoutTask(t *testing.T) {
	fx := newFixture(t)

	info, err := fx.orch.CreateSession("claude", "", "/repo", true)
	require.NoError(t, err)
	assert.Equal(t, handler.StatusRunning, info.Status)
	assert.Equal(t, handler.PhaseAnalyzing, info.Phase)

	// Without a task the agent binary is launched bare.
	require.Eventually(t, func() bool {
		return len(fx.terminals.writesTo(info.TerminalID)) >= 2
	}, time.Second, 5*time.Millisecond)
	writes := fx.terminals.writesTo(info.TerminalID)
	assert.Equal(t, "claude\r\n", writes[1])
}

func TestStartSessionSpawnFailure(t *testing.T) {
	fx := newFixture(t)
	info, err := fx.orch.CreateSession("claude", "task", "", false)
	require.NoError(t, err)

	fx.terminals.failCreate = true
	require.Error(t, fx.orch.StartSession(info.ID))

	info, err = fx.orch.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, handler.StatusFailed, info.Status)
	assert.Equal(t, handler.PhaseError, info.Phase)
}

func TestSendMessageInjectsPromptOnce(t *testing.T) {
	fx := newFixture(t)
	info := fx.startedSession(t)

	require.NoError(t, fx.orch.SendMessage(info.ID, "first message"))
	require.NoError(t, fx.orch.SendMessage(info.ID, "second message"))

	writes := fx.terminals.writesTo(info.TerminalID)
	var promptWrites, messageWrites int
	for _, w := range writes {
		if strings.Contains(w, "agentscope_status") && strings.Contains(w, "IMPORTANT") {
			promptWrites++
		}
		if strings.Contains(w, "message\r") {
			messageWrites++
		}
	}
	assert.Equal(t, 1, promptWrites)
	assert.Equal(t, 2, messageWrites)

	evts, err := fx.store.ReadEvents(info.ID)
	require.NoError(t, err)
	var system, user int
	for _, e := range evts {
		switch e.Type {
		case history.EventSystem:
			system++
		case history.EventUser:
			user++
		}
	}
	assert.Equal(t, 1, system)
	assert.Equal(t, 2, user)
}

func TestSendMessageResumesAwaiting(t *testing.T) {
	fx := newFixture(t)
	info := fx.startedSession(t)

	fx.terminals.interceptor(info.TerminalID, `{"agentscope_status": "awaiting_confirm", "phase": "waiting"}`)
	current, err := fx.orch.GetSession(info.ID)
	require.NoError(t, err)
	require.Equal(t, handler.StatusAwaitingConfirm, current.Status)

	require.NoError(t, fx.orch.SendMessage(info.ID, "yes"))

	current, err = fx.orch.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, handler.StatusRunning, current.Status)
}

func TestProcessOutputMarker(t *testing.T) {
	fx := newFixture(t)
	info := fx.startedSession(t)

	raw := "editing files\n{\"agentscope_status\": \"awaiting_review\", \"phase\": \"reviewing\", \"summary\": \"please check\"}\ndiff below"
	fx.terminals.interceptor(info.TerminalID, raw)

	current, err := fx.orch.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, handler.StatusAwaitingReview, current.Status)
	assert.Equal(t, handler.PhaseReviewing, current.Phase)
	assert.Equal(t, "please check", current.Summary)

	// The marker line never reaches the visible stream; history keeps the
	// surrounding lines individually.
	output, err := fx.orch.GetOutput(info.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"editing files", "diff below"}, output)

	// The status event precedes the output event for the same chunk.
	types := fx.bus.typesInOrder()
	statusIdx, outputIdx := -1, -1
	for i, typ := range types {
		if typ == events.AgentSessionStatus {
			statusIdx = i
		}
		if typ == events.AgentSessionOutput && outputIdx == -1 {
			outputIdx = i
		}
	}
	require.NotEqual(t, -1, statusIdx)
	require.NotEqual(t, -1, outputIdx)
	assert.Less(t, statusIdx, outputIdx)
}

func TestProcessOutputMarkerOnly(t *testing.T) {
	fx := newFixture(t)
	info := fx.startedSession(t)

	fx.terminals.interceptor(info.TerminalID, `{"agentscope_status": "completed", "phase": "idle"}`)

	current, err := fx.orch.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, handler.StatusCompleted, current.Status)

	// Nothing visible remains, so no output is recorded.
	output, err := fx.orch.GetOutput(info.ID)
	require.NoError(t, err)
	assert.Empty(t, output)
}

func TestProcessOutputPhaseFallback(t *testing.T) {
	fx := newFixture(t)
	info := fx.startedSession(t)

	fx.terminals.interceptor(info.TerminalID, "Running tests in ./pkg/...")

	current, err := fx.orch.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, handler.StatusRunning, current.Status)
	assert.Equal(t, handler.PhaseTesting, current.Phase)

	updated := fx.bus.lastOfType(events.AgentSessionUpdated)
	require.NotNil(t, updated)
	assert.Equal(t, string(handler.PhaseTesting), updated.Data["phase"])

	// A phase change without a status change still lands in the event log.
	evts, err := fx.store.ReadEvents(info.ID)
	require.NoError(t, err)
	var phaseEvents int
	for _, e := range evts {
		if e.Type == history.EventStatus && e.Content == string(handler.PhaseTesting) {
			phaseEvents++
		}
	}
	assert.Equal(t, 1, phaseEvents)
}

func TestProcessOutputFiltersPromptEchoOnce(t *testing.T) {
	fx := newFixture(t)
	info := fx.startedSession(t)

	require.NoError(t, fx.orch.SendMessage(info.ID, "go"))

	h := handler.NewClaudeHandler()
	echoLine := strings.Split(h.SystemPrompt(), "\n")[0]

	// The first echo of the prompt line is consumed.
	fx.terminals.interceptor(info.TerminalID, echoLine)
	output, err := fx.orch.GetOutput(info.ID)
	require.NoError(t, err)
	assert.Empty(t, output)

	// Later identical text passes through untouched, unless it looks like
	// a marker line itself.
	fx.terminals.interceptor(info.TerminalID, "plain repeat output")
	output, err = fx.orch.GetOutput(info.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"plain repeat output"}, output)
}

func TestPromptEchoStillParsedForStatus(t *testing.T) {
	fx := newFixture(t)
	info := fx.startedSession(t)

	require.NoError(t, fx.orch.SendMessage(info.ID, "go"))
	fx.terminals.interceptor(info.TerminalID, `{"agentscope_status": "awaiting_confirm", "phase": "waiting"}`)
	current, err := fx.orch.GetSession(info.ID)
	require.NoError(t, err)
	require.Equal(t, handler.StatusAwaitingConfirm, current.Status)

	// The echoed prompt is invisible in the output stream, but its raw text
	// carries an example marker the handler still parses.
	h := handler.NewClaudeHandler()
	fx.terminals.interceptor(info.TerminalID, strings.Split(h.SystemPrompt(), "\n")[0])

	output, err := fx.orch.GetOutput(info.ID)
	require.NoError(t, err)
	assert.Empty(t, output)

	current, err = fx.orch.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, handler.StatusRunning, current.Status)
}

func TestOutputHistoryCap(t *testing.T) {
	fx := newFixture(t)
	info := fx.startedSession(t)

	// History counts non-blank lines, not chunks.
	fx.terminals.interceptor(info.TerminalID, "one\n\ntwo")
	fx.terminals.interceptor(info.TerminalID, "three\nfour")

	output, err := fx.orch.GetOutput(info.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three", "four"}, output)
}

func TestKillSession(t *testing.T) {
	fx := newFixture(t)
	info := fx.startedSession(t)

	require.NoError(t, fx.orch.KillSession(info.ID))

	current, err := fx.orch.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, handler.StatusCompleted, current.Status)
	assert.Equal(t, handler.PhaseIdle, current.Phase)
	require.NotNil(t, current.ExitCode)
	assert.Equal(t, 0, *current.ExitCode)
	assert.NotNil(t, current.EndedAt)

	assert.Contains(t, fx.terminals.killed, info.TerminalID)

	closed := fx.bus.lastOfType(events.AgentSessionClosed)
	require.NotNil(t, closed)
	assert.Equal(t, 0, closed.Data["exit_code"])

	// Killing an ended session is a no-op.
	require.NoError(t, fx.orch.KillSession(info.ID))
}

func TestTerminalExitMarksFailure(t *testing.T) {
	fx := newFixture(t)
	info := fx.startedSession(t)

	exit := bus.NewEvent(events.TerminalExit, "terminal-manager", map[string]interface{}{
		"terminal_id": info.TerminalID,
		"exit_code":   2,
	})
	require.NoError(t, fx.bus.Publish(context.Background(), events.TerminalExit, exit))

	current, err := fx.orch.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, handler.StatusFailed, current.Status)
	assert.Equal(t, handler.PhaseError, current.Phase)
	require.NotNil(t, current.ExitCode)
	assert.Equal(t, 2, *current.ExitCode)

	// The dead terminal is unbound; raw input can no longer be written.
	assert.Empty(t, current.TerminalID)
	require.Error(t, fx.orch.WriteToSession(info.ID, []byte("x")))
}

func TestTerminalExitCleanCompletes(t *testing.T) {
	fx := newFixture(t)
	info := fx.startedSession(t)

	exit := bus.NewEvent(events.TerminalExit, "terminal-manager", map[string]interface{}{
		"terminal_id": info.TerminalID,
		"exit_code":   0,
	})
	require.NoError(t, fx.bus.Publish(context.Background(), events.TerminalExit, exit))

	current, err := fx.orch.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, handler.StatusCompleted, current.Status)
}

func TestResizeSession(t *testing.T) {
	fx := newFixture(t)
	info := fx.startedSession(t)

	require.NoError(t, fx.orch.ResizeSession(info.ID, 132, 50))

	fx.terminals.mu.Lock()
	defer fx.terminals.mu.Unlock()
	assert.Equal(t, [2]int{132, 50}, fx.terminals.resizes[info.TerminalID])
}

func TestRemoveSession(t *testing.T) {
	fx := newFixture(t)
	info := fx.startedSession(t)

	require.NoError(t, fx.orch.RemoveSession(info.ID))

	_, err := fx.orch.GetSession(info.ID)
	require.Error(t, err)

	// Only the in-memory record goes away; on-disk history survives.
	require.Eventually(t, func() bool {
		ids, err := fx.store.ListSessions()
		if err != nil {
			return false
		}
		for _, id := range ids {
			if id == info.ID {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestWriteToSession(t *testing.T) {
	fx := newFixture(t)
	info := fx.startedSession(t)

	fx.terminals.interceptor(info.TerminalID, `{"agentscope_status": "awaiting_confirm", "phase": "waiting"}`)

	require.NoError(t, fx.orch.WriteToSession(info.ID, []byte("y")))
	assert.Contains(t, fx.terminals.writesTo(info.TerminalID), "y")

	// Raw input while awaiting a decision flips the session back to running.
	current, err := fx.orch.GetSession(info.ID)
	require.NoError(t, err)
	assert.Equal(t, handler.StatusRunning, current.Status)

	// A session that was never started has no terminal to write to.
	other, err := fx.orch.CreateSession("codex", "task", "", false)
	require.NoError(t, err)
	require.Error(t, fx.orch.WriteToSession(other.ID, []byte("y")))
}
