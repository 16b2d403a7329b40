// Package orchestrator manages agent sessions. Each session binds one
// coding-assistant CLI process running inside a managed terminal to a
// handler that interprets its output stream, a persisted history record,
// and a stream of UI events.
package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/justelson/agentscope/internal/agent/handler"
	"github.com/justelson/agentscope/internal/agent/history"
	"github.com/justelson/agentscope/internal/common/config"
	"github.com/justelson/agentscope/internal/common/logger"
	"github.com/justelson/agentscope/internal/events"
	"github.com/justelson/agentscope/internal/events/bus"
	"github.com/justelson/agentscope/internal/terminal"
)

// TerminalManager is the slice of the terminal manager the orchestrator
// depends on. Tests substitute a fake to drive sessions without spawning
// real processes.
type TerminalManager interface {
	CreateSession(name, cwd, shellPreference string) (*terminal.Info, error)
	Write(id string, data []byte)
	Resize(id string, cols, rows int)
	KillSession(id string) bool
	SetInterceptor(fn terminal.Interceptor)
}

// statusLinePattern matches the human-readable status line some agents
// print alongside the JSON marker, e.g. "Status: running (editing auth.go)".
var statusLinePattern = regexp.MustCompile(`^\s*Status:\s+\w+(\s*\(.*\))?\s*$`)

// Orchestrator multiplexes agent sessions over managed terminals.
type Orchestrator struct {
	cfg       config.OrchestratorConfig
	logger    *logger.Logger
	terminals TerminalManager
	registry  *handler.Registry
	store     *history.Store
	eventBus  bus.EventBus

	mu         sync.RWMutex
	sessions   map[string]*session
	byTerminal map[string]*session

	exitSub bus.Subscription
}

// New creates an orchestrator, installs itself as the terminal output
// interceptor, and subscribes to terminal exit notifications.
func New(cfg config.OrchestratorConfig, terminals TerminalManager, registry *handler.Registry, store *history.Store, eventBus bus.EventBus, log *logger.Logger) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "orchestrator")),
		terminals:  terminals,
		registry:   registry,
		store:      store,
		eventBus:   eventBus,
		sessions:   make(map[string]*session),
		byTerminal: make(map[string]*session),
	}

	terminals.SetInterceptor(o.ProcessOutput)

	sub, err := eventBus.Subscribe(events.TerminalExit, o.handleTerminalExit)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to terminal exits: %w", err)
	}
	o.exitSub = sub

	return o, nil
}

// CreateSession registers a new agent session in the ready state. With
// autoStart the agent process is launched immediately.
func (o *Orchestrator) CreateSession(agentID, task, workDir string, autoStart bool) (*SessionInfo, error) {
	h, err := o.registry.Get(agentID)
	if err != nil {
		return nil, err
	}

	s := newAgentSession(agentID, task, workDir, h, o.cfg.OutputHistoryCap)

	o.mu.Lock()
	o.sessions[s.id] = s
	o.mu.Unlock()

	// Storage initialization runs off the request path; a slow disk must not
	// stall session creation.
	meta := history.Meta{
		ID:        s.id,
		AgentID:   agentID,
		Task:      task,
		WorkDir:   workDir,
		CreatedAt: s.createdAt,
	}
	go func() {
		if err := o.store.EnsureSession(meta); err != nil {
			o.logger.Warn("failed to persist session metadata",
				zap.String("session_id", s.id), zap.Error(err))
		}
		o.persistState(s)
		o.appendEvent(s.id, history.EventCreated, task)
	}()

	o.publish(events.AgentSessionCreated, map[string]interface{}{
		"session_id": s.id,
		"agent_id":   agentID,
		"task":       task,
	})

	o.logger.Info("agent session created",
		zap.String("session_id", s.id),
		zap.String("agent_id", agentID))

	if autoStart {
		if err := o.StartSession(s.id); err != nil {
			return s.info(), err
		}
	}

	return s.info(), nil
}

// StartSession launches the agent process for a ready session. A terminal
// is created first; after a settle delay an empty carriage return primes
// the shell prompt, then the agent start command is sent.
func (o *Orchestrator) StartSession(id string) error {
	s, err := o.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.status != handler.StatusReady || s.starting {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("session %s cannot be started from status %s", id, status)
	}
	// Claim the start before releasing the lock so a concurrent call cannot
	// pass the ready check and bind a second terminal.
	s.starting = true
	// Reset prompt tracking so a fresh run re-injects the system prompt.
	s.promptSent = false
	s.promptLines = make(map[string]struct{})
	s.mu.Unlock()

	info, err := o.terminals.CreateSession(s.handler.DisplayName(), s.workDir, "")
	if err != nil {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
		o.setStatus(s, &handler.StatusUpdate{
			Status: handler.StatusFailed,
			Phase:  handler.PhaseError,
			Error:  err.Error(),
		})
		return fmt.Errorf("failed to start agent session: %w", err)
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.terminalID = info.ID
	s.startedAt = &now
	s.lastActivity = now
	s.mu.Unlock()

	o.mu.Lock()
	o.byTerminal[info.ID] = s
	o.mu.Unlock()

	o.setStatus(s, &handler.StatusUpdate{Status: handler.StatusRunning, Phase: handler.PhaseAnalyzing})

	command := s.handler.StartCommand(s.task)
	terminalID := info.ID
	time.AfterFunc(o.cfg.StartSettleDelay(), func() {
		o.terminals.Write(terminalID, []byte("\r"))
		time.AfterFunc(o.cfg.StartCommandDelay(), func() {
			o.terminals.Write(terminalID, []byte(command+"\r\n"))
		})
	})

	o.logger.Info("agent session started",
		zap.String("session_id", id),
		zap.String("terminal_id", terminalID))
	return nil
}

// WriteToSession forwards raw bytes to the session's terminal, bypassing
// message framing. Used for interactive keystrokes such as confirmations.
func (o *Orchestrator) WriteToSession(id string, data []byte) error {
	s, err := o.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	terminalID := s.terminalID
	wasAwaiting := s.status.IsAwaiting()
	s.mu.Unlock()
	if terminalID == "" {
		return fmt.Errorf("session %s has no terminal", id)
	}
	o.terminals.Write(terminalID, data)
	if wasAwaiting {
		o.setStatus(s, &handler.StatusUpdate{Status: handler.StatusRunning})
	}
	return nil
}

// SendMessage delivers a user message to the agent. The first message of a
// session is preceded by the one-time system prompt that teaches the agent
// the status marker protocol; its terminal echo is filtered from output.
func (o *Orchestrator) SendMessage(id, text string) error {
	s, err := o.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	terminalID := s.terminalID
	first := !s.promptSent
	var prompt string
	if first {
		s.promptSent = true
		prompt = s.handler.SystemPrompt()
		s.markPromptLines(prompt)
	}
	wasAwaiting := s.status.IsAwaiting()
	s.mu.Unlock()

	if terminalID == "" {
		return fmt.Errorf("session %s has no terminal", id)
	}

	// Clear any partially typed input before writing.
	o.terminals.Write(terminalID, []byte("\r"))

	if first {
		o.terminals.Write(terminalID, []byte(prompt+"\n\n"))
		o.appendEvent(id, history.EventSystem, prompt)
	}

	o.terminals.Write(terminalID, []byte(text+"\r"))
	o.appendEvent(id, history.EventUser, text)

	if wasAwaiting {
		o.setStatus(s, &handler.StatusUpdate{Status: handler.StatusRunning})
	}
	return nil
}

// KillSession force-terminates a session's process. The session always
// records a completed status and exit code zero regardless of how the
// process actually died; a user-requested kill is not a failure.
func (o *Orchestrator) KillSession(id string) error {
	s, err := o.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	terminalID := s.terminalID
	alreadyEnded := s.status.IsTerminal()
	s.mu.Unlock()

	if terminalID != "" {
		o.terminals.KillSession(terminalID)
		o.mu.Lock()
		delete(o.byTerminal, terminalID)
		o.mu.Unlock()
	}
	if alreadyEnded {
		return nil
	}

	now := time.Now().UTC()
	code := 0
	s.mu.Lock()
	s.status = handler.StatusCompleted
	s.phase = handler.PhaseIdle
	s.terminalID = ""
	s.endedAt = &now
	s.exitCode = &code
	s.mu.Unlock()

	o.persistState(s)
	o.appendEvent(id, history.EventStatus, string(handler.StatusCompleted))
	o.publish(events.AgentSessionStatus, map[string]interface{}{
		"session_id": id,
		"status":     string(handler.StatusCompleted),
		"phase":      string(handler.PhaseIdle),
	})
	o.publish(events.AgentSessionClosed, map[string]interface{}{
		"session_id": id,
		"exit_code":  0,
	})

	o.logger.Info("agent session killed", zap.String("session_id", id))
	return nil
}

// RemoveSession forgets a session's in-memory record. Live sessions are
// killed first. Persisted on-disk history is kept.
func (o *Orchestrator) RemoveSession(id string) error {
	s, err := o.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	terminalID := s.terminalID
	ended := s.status.IsTerminal()
	s.mu.Unlock()

	if !ended {
		if err := o.KillSession(id); err != nil {
			return err
		}
	}

	o.mu.Lock()
	delete(o.sessions, id)
	if terminalID != "" {
		delete(o.byTerminal, terminalID)
	}
	o.mu.Unlock()
	return nil
}

// ResizeSession updates the session terminal's dimensions.
func (o *Orchestrator) ResizeSession(id string, cols, rows int) error {
	s, err := o.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	terminalID := s.terminalID
	s.mu.Unlock()
	if terminalID == "" {
		return fmt.Errorf("session %s has no terminal", id)
	}
	o.terminals.Resize(terminalID, cols, rows)
	return nil
}

// GetSession returns the public snapshot of a session.
func (o *Orchestrator) GetSession(id string) (*SessionInfo, error) {
	s, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	return s.info(), nil
}

// ListSessions returns a snapshot of every known session.
func (o *Orchestrator) ListSessions() []*SessionInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	infos := make([]*SessionInfo, 0, len(o.sessions))
	for _, s := range o.sessions {
		infos = append(infos, s.info())
	}
	return infos
}

// GetOutput returns the retained visible output chunks of a session, oldest
// first.
func (o *Orchestrator) GetOutput(id string) ([]string, error) {
	s, err := o.lookup(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.output))
	copy(out, s.output)
	return out, nil
}

// GetEvents returns the persisted event log of a session.
func (o *Orchestrator) GetEvents(id string) ([]history.Event, error) {
	if _, err := o.lookup(id); err != nil {
		return nil, err
	}
	return o.store.ReadEvents(id)
}

// ProcessOutput is the terminal manager's interceptor callback. Status
// parsing sees the raw chunk; prompt echoes and marker lines are stripped
// only from the visible copy that gets recorded and forwarded. A status
// change is always persisted and published before the output event of the
// same chunk.
func (o *Orchestrator) ProcessOutput(terminalID string, data string) {
	o.mu.RLock()
	s := o.byTerminal[terminalID]
	o.mu.RUnlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()

	visible := o.filterOutput(s, data)
	update := s.handler.ParseOutput(data)

	s.mu.Lock()
	ended := s.status.IsTerminal()
	s.mu.Unlock()

	if update != nil && !ended {
		o.setStatus(s, update)
	} else if update == nil && !ended && strings.TrimSpace(visible) != "" {
		phase := s.handler.DetectPhase(visible)
		o.setPhase(s, phase)
	}

	if strings.TrimSpace(visible) == "" {
		return
	}

	s.mu.Lock()
	s.appendOutput(visible)
	s.mu.Unlock()

	o.appendEvent(s.id, history.EventOutput, visible)
	o.publish(events.AgentSessionOutput, map[string]interface{}{
		"session_id": s.id,
		"data":       visible,
	})
}

// filterOutput strips prompt echoes and control-plane marker lines from a
// raw chunk, producing the conversation text shown to users. The raw chunk
// itself is left untouched for the handler's status parsing.
func (o *Orchestrator) filterOutput(s *session, data string) string {
	lines := strings.Split(data, "\n")
	kept := make([]string, 0, len(lines))

	s.mu.Lock()
	for _, line := range lines {
		if len(s.promptLines) > 0 && s.consumePromptLine(line) {
			continue
		}
		if strings.Contains(line, `"agentscope_status"`) {
			continue
		}
		if statusLinePattern.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	s.mu.Unlock()

	return strings.Join(kept, "\n")
}

// handleTerminalExit reacts to the underlying process dying on its own. An
// agent that exits cleanly without having reported completion is treated as
// completed; a non-zero exit is a failure.
func (o *Orchestrator) handleTerminalExit(ctx context.Context, event *bus.Event) error {
	terminalID, _ := event.Data["terminal_id"].(string)
	if terminalID == "" {
		return nil
	}

	o.mu.RLock()
	s := o.byTerminal[terminalID]
	o.mu.RUnlock()
	if s == nil {
		return nil
	}

	code := 0
	if v, ok := event.Data["exit_code"].(float64); ok {
		code = int(v)
	} else if v, ok := event.Data["exit_code"].(int); ok {
		code = v
	}

	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	if code == 0 {
		s.status = handler.StatusCompleted
		s.phase = handler.PhaseIdle
	} else {
		s.status = handler.StatusFailed
		s.phase = handler.PhaseError
	}
	status := s.status
	phase := s.phase
	s.endedAt = &now
	s.exitCode = &code
	s.terminalID = ""
	s.mu.Unlock()

	o.mu.Lock()
	delete(o.byTerminal, terminalID)
	o.mu.Unlock()

	o.persistState(s)
	o.appendEvent(s.id, history.EventStatus, string(status))
	o.publish(events.AgentSessionStatus, map[string]interface{}{
		"session_id": s.id,
		"status":     string(status),
		"phase":      string(phase),
	})
	o.publish(events.AgentSessionClosed, map[string]interface{}{
		"session_id": s.id,
		"exit_code":  code,
	})

	o.logger.Info("agent process exited",
		zap.String("session_id", s.id),
		zap.Int("exit_code", code))
	return nil
}

// Cleanup kills every live session and drops the exit subscription.
func (o *Orchestrator) Cleanup() {
	if o.exitSub != nil {
		if err := o.exitSub.Unsubscribe(); err != nil {
			o.logger.Warn("failed to unsubscribe from terminal exits", zap.Error(err))
		}
	}

	o.mu.RLock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.RUnlock()

	for _, id := range ids {
		if err := o.KillSession(id); err != nil {
			o.logger.Warn("failed to kill session during cleanup",
				zap.String("session_id", id), zap.Error(err))
		}
	}
}

func (o *Orchestrator) lookup(id string) (*session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return s, nil
}

// setStatus applies a handler status update, persists the new state, and
// publishes the status change.
func (o *Orchestrator) setStatus(s *session, update *handler.StatusUpdate) {
	s.mu.Lock()
	changed := s.status != update.Status
	s.status = update.Status
	if update.Phase != "" {
		changed = changed || s.phase != update.Phase
		s.phase = update.Phase
	}
	if update.Summary != "" {
		s.summary = update.Summary
	}
	if update.Status.IsTerminal() && s.endedAt == nil {
		now := time.Now().UTC()
		s.endedAt = &now
	}
	status := s.status
	phase := s.phase
	summary := s.summary
	s.mu.Unlock()

	if !changed {
		return
	}

	o.persistState(s)
	o.appendEvent(s.id, history.EventStatus, string(status))
	o.publish(events.AgentSessionStatus, map[string]interface{}{
		"session_id": s.id,
		"status":     string(status),
		"phase":      string(phase),
		"summary":    summary,
	})
}

// setPhase applies a phase-only change inferred from output text.
func (o *Orchestrator) setPhase(s *session, phase handler.Phase) {
	s.mu.Lock()
	if s.phase == phase {
		s.mu.Unlock()
		return
	}
	s.phase = phase
	status := s.status
	s.mu.Unlock()

	o.persistState(s)
	o.appendEvent(s.id, history.EventStatus, string(phase))
	o.publish(events.AgentSessionUpdated, map[string]interface{}{
		"session_id": s.id,
		"status":     string(status),
		"phase":      string(phase),
	})
}

// persistState writes the session's state snapshot. Persistence failures
// never interrupt the session; they are logged and the in-memory state
// remains authoritative.
func (o *Orchestrator) persistState(s *session) {
	s.mu.Lock()
	state := history.State{
		Status:       string(s.status),
		Phase:        string(s.phase),
		Summary:      s.summary,
		UpdatedAt:    time.Now().UTC(),
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
		LastActivity: s.lastActivity,
		ExitCode:     s.exitCode,
	}
	id := s.id
	s.mu.Unlock()

	if err := o.store.SaveState(id, state); err != nil {
		o.logger.Warn("failed to persist session state",
			zap.String("session_id", id), zap.Error(err))
	}
}

func (o *Orchestrator) appendEvent(sessionID, eventType, content string) {
	if err := o.store.AppendEvent(sessionID, eventType, content); err != nil {
		o.logger.Warn("failed to append session event",
			zap.String("session_id", sessionID),
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func (o *Orchestrator) publish(eventType string, data map[string]interface{}) {
	event := bus.NewEvent(eventType, "orchestrator", data)
	if err := o.eventBus.Publish(context.Background(), eventType, event); err != nil {
		o.logger.Warn("failed to publish event",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
