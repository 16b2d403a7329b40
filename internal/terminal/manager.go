package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/justelson/agentscope/internal/common/config"
	"github.com/justelson/agentscope/internal/common/logger"
	"github.com/justelson/agentscope/internal/events"
	"github.com/justelson/agentscope/internal/events/bus"
)

// ErrSessionLimit is returned by CreateSession when the configured maximum
// number of live sessions has been reached. It is the only operation that
// surfaces an explicit error; all per-session lookups degrade gracefully.
var ErrSessionLimit = errors.New("terminal session limit reached")

// maxBufferedOutput caps the per-session pending output between flush ticks.
// A runaway process cannot grow the buffer without bound; the oldest bytes
// are dropped first.
const maxBufferedOutput = 1 << 20 // 1MB

// Interceptor observes the batched output stream of every session without
// altering delivery to the primary consumer.
type Interceptor func(sessionID string, data string)

// ptySession is the slice of Session the manager depends on. Tests substitute
// a fake to avoid spawning real shell processes.
type ptySession interface {
	ID() string
	Info() *Info
	Write(data []byte)
	Resize(cols, rows int)
	Destroy()
	LastActivity() time.Time
}

// spawnFn creates a live session. The default spawns a real PTY-backed shell.
type spawnFn func(opts sessionOptions, onOutput outputFn, onClose closeFn, log *logger.Logger) (ptySession, error)

func defaultSpawn(opts sessionOptions, onOutput outputFn, onClose closeFn, log *logger.Logger) (ptySession, error) {
	return newSession(opts, onOutput, onClose, log)
}

// Manager multiplexes PTY sessions behind a capacity limit and a uniform
// batched output-delivery contract. Output chunks are buffered per session
// and flushed on a fixed tick so fast-producing processes cannot saturate
// the UI channel with many tiny writes.
type Manager struct {
	cfg      config.TerminalConfig
	logger   *logger.Logger
	eventBus bus.EventBus
	spawn    spawnFn

	mu       sync.RWMutex
	sessions map[string]ptySession
	counter  int

	pendingMu sync.Mutex
	pending   map[string][]byte

	interceptorMu sync.RWMutex
	interceptor   Interceptor

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a terminal session manager and starts its flush and
// idle-sweep timers.
func NewManager(cfg config.TerminalConfig, eventBus bus.EventBus, log *logger.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "terminal-manager")),
		eventBus: eventBus,
		spawn:    defaultSpawn,
		sessions: make(map[string]ptySession),
		pending:  make(map[string][]byte),
		stopCh:   make(chan struct{}),
	}

	m.wg.Add(2)
	go m.flushLoop()
	go m.sweepLoop()

	return m
}

// SetInterceptor installs the secondary observer of the batched output
// stream. The orchestrator uses this to watch agent terminals.
func (m *Manager) SetInterceptor(fn Interceptor) {
	m.interceptorMu.Lock()
	m.interceptor = fn
	m.interceptorMu.Unlock()
}

// CreateSession spawns a new PTY session bound to a resolved shell and
// returns its public info. Fails with ErrSessionLimit at capacity; no
// session is created by a failed attempt.
func (m *Manager) CreateSession(name, cwd, shellPreference string) (*Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrSessionLimit, m.cfg.MaxSessions)
	}

	m.counter++
	if name == "" {
		name = fmt.Sprintf("Terminal %d", m.counter)
	}
	if cwd == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cwd = home
		} else {
			cwd = "."
		}
	}

	shell := resolveShell(shellPreference)
	opts := sessionOptions{
		ID:      "term-" + uuid.NewString()[:8],
		Name:    name,
		Shell:   shell,
		Args:    shellArgs(shell),
		WorkDir: cwd,
		Cols:    m.cfg.Cols,
		Rows:    m.cfg.Rows,
	}

	session, err := m.spawn(opts, m.enqueueOutput, m.handleExit, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create terminal session: %w", err)
	}

	m.sessions[opts.ID] = session
	m.logger.Info("terminal session created",
		zap.String("terminal_id", opts.ID),
		zap.String("name", name),
		zap.String("shell", shell),
		zap.String("cwd", cwd))

	return session.Info(), nil
}

// GetSession returns the public info for a session, or false if unknown.
func (m *Manager) GetSession(id string) (*Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Info(), true
}

// ListSessions returns the public info of every live session.
func (m *Manager) ListSessions() []*Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]*Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Write forwards raw input to a session. No-op on unknown identifiers.
func (m *Manager) Write(id string, data []byte) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.Write(data)
}

// Resize updates a session's PTY dimensions. No-op on unknown identifiers.
func (m *Manager) Resize(id string, cols, rows int) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	s.Resize(cols, rows)
}

// KillSession destroys a session's process. Returns false on unknown
// identifiers; eviction of the record follows the normal exit path.
func (m *Manager) KillSession(id string) bool {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	s.Destroy()
	return true
}

// Cleanup stops both timers, flushes pending output, and destroys every
// session. Safe to call multiple times.
func (m *Manager) Cleanup() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()

	m.flushPending()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]ptySession)
	m.mu.Unlock()

	for id, s := range sessions {
		s.Destroy()
		m.logger.Debug("terminal session destroyed during cleanup", zap.String("terminal_id", id))
	}

	m.logger.Info("terminal manager cleaned up", zap.Int("sessions", len(sessions)))
}

// enqueueOutput buffers a raw chunk for the next flush tick.
func (m *Manager) enqueueOutput(sessionID string, data []byte) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	buf := append(m.pending[sessionID], data...)
	if len(buf) > maxBufferedOutput {
		buf = buf[len(buf)-maxBufferedOutput:]
	}
	m.pending[sessionID] = buf
}

// flushLoop concatenates and delivers each session's buffered chunks as a
// single delivery per tick.
func (m *Manager) flushLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.FlushInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.flushPending()
		}
	}
}

func (m *Manager) flushPending() {
	m.pendingMu.Lock()
	if len(m.pending) == 0 {
		m.pendingMu.Unlock()
		return
	}
	batch := m.pending
	m.pending = make(map[string][]byte)
	m.pendingMu.Unlock()

	m.interceptorMu.RLock()
	interceptor := m.interceptor
	m.interceptorMu.RUnlock()

	for id, data := range batch {
		text := string(data)

		event := bus.NewEvent(events.TerminalOutput, "terminal-manager", map[string]interface{}{
			"terminal_id": id,
			"data":        text,
		})
		if err := m.eventBus.Publish(context.Background(), events.TerminalOutput, event); err != nil {
			m.logger.Warn("failed to publish terminal output", zap.Error(err))
		}

		if interceptor != nil {
			interceptor(id, text)
		}
	}
}

// sweepLoop periodically destroys and evicts sessions idle beyond the
// configured timeout.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.IdleSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	timeout := m.cfg.IdleTimeout()
	now := time.Now()

	m.mu.Lock()
	var stale []ptySession
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity()) > timeout {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.logger.Info("evicting idle terminal session", zap.String("terminal_id", s.ID()))
		s.Destroy()
	}
}

// handleExit publishes the exit notification and schedules removal of the
// session record after a grace period so a final "process exited" message
// can still be displayed.
func (m *Manager) handleExit(sessionID string, exitCode int) {
	event := bus.NewEvent(events.TerminalExit, "terminal-manager", map[string]interface{}{
		"terminal_id": sessionID,
		"exit_code":   exitCode,
	})
	if err := m.eventBus.Publish(context.Background(), events.TerminalExit, event); err != nil {
		m.logger.Warn("failed to publish terminal exit", zap.Error(err))
	}

	time.AfterFunc(m.cfg.ExitGrace(), func() {
		m.mu.Lock()
		delete(m.sessions, sessionID)
		m.mu.Unlock()

		m.pendingMu.Lock()
		delete(m.pending, sessionID)
		m.pendingMu.Unlock()

		m.logger.Debug("terminal session record removed", zap.String("terminal_id", sessionID))
	})
}
