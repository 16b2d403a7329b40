// Package terminal provides PTY-backed shell sessions and the manager that
// multiplexes them behind a capacity limit and a batched output contract.
package terminal

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/justelson/agentscope/internal/common/logger"
)

// Status is the lifecycle status of a PTY session.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

// DestroyedExitCode is the sentinel exit code reported when a session is
// forcibly destroyed rather than exiting on its own.
const DestroyedExitCode = -1

// Info is the read-only projection of a Session exposed outside the manager.
type Info struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Shell     string    `json:"shell"`
	WorkDir   string    `json:"work_dir"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// outputFn receives raw output chunks from the PTY.
type outputFn func(sessionID string, data []byte)

// closeFn is invoked exactly once when the session's process exits.
type closeFn func(sessionID string, exitCode int)

// sessionOptions carries everything needed to spawn a Session.
type sessionOptions struct {
	ID      string
	Name    string
	Shell   string
	Args    []string
	WorkDir string
	Cols    int
	Rows    int
}

// Session owns exactly one spawned interactive shell process and its
// pseudo-terminal device. It does not interpret output, only forwards it.
type Session struct {
	logger *logger.Logger

	id      string
	name    string
	shell   string
	workDir string

	cmd *exec.Cmd
	pty PtyHandle

	mu           sync.RWMutex
	status       Status
	createdAt    time.Time
	lastActivity time.Time
	destroyed    bool

	onOutput   outputFn
	onClose    closeFn
	closeFired sync.Once
}

// newSession spawns the shell process bound to a fresh PTY and starts the
// output reader and exit waiter.
func newSession(opts sessionOptions, onOutput outputFn, onClose closeFn, log *logger.Logger) (*Session, error) {
	cmd := exec.Command(opts.Shell, opts.Args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = buildShellEnv(opts.WorkDir)

	handle, err := startPTYWithSize(cmd, opts.Cols, opts.Rows)
	if err != nil {
		return nil, fmt.Errorf("failed to start PTY: %w", err)
	}

	now := time.Now()
	s := &Session{
		logger:       log.WithFields(zap.String("component", "terminal"), zap.String("terminal_id", opts.ID)),
		id:           opts.ID,
		name:         opts.Name,
		shell:        opts.Shell,
		workDir:      opts.WorkDir,
		cmd:          cmd,
		pty:          handle,
		status:       StatusRunning,
		createdAt:    now,
		lastActivity: now,
		onOutput:     onOutput,
		onClose:      onClose,
	}

	s.logger.Info("terminal session started",
		zap.String("shell", opts.Shell),
		zap.String("cwd", opts.WorkDir),
		zap.Int("pid", cmd.Process.Pid))

	go s.readOutput()
	go s.waitForExit()

	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Info returns the public read-only view of the session.
func (s *Session) Info() *Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &Info{
		ID:        s.id,
		Name:      s.name,
		Shell:     s.shell,
		WorkDir:   s.workDir,
		Status:    s.status,
		CreatedAt: s.createdAt,
	}
}

// LastActivity returns the time of the most recent write, resize, or output.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Write forwards raw input to the shell. It is a silent no-op once the
// process has exited.
func (s *Session) Write(data []byte) {
	s.mu.RLock()
	running := s.status == StatusRunning
	handle := s.pty
	s.mu.RUnlock()

	if !running || handle == nil {
		return
	}

	if _, err := handle.Write(data); err != nil {
		s.logger.Debug("terminal write failed", zap.Error(err))
		return
	}
	s.touch()
}

// Resize informs the pseudo-terminal of new dimensions. No-op if exited.
func (s *Session) Resize(cols, rows int) {
	s.mu.RLock()
	running := s.status == StatusRunning
	handle := s.pty
	s.mu.RUnlock()

	if !running || handle == nil {
		return
	}

	if err := handle.Resize(uint16(cols), uint16(rows)); err != nil {
		s.logger.Debug("terminal resize failed", zap.Error(err))
		return
	}
	s.touch()
}

// Destroy forcibly terminates the underlying process and releases the
// pseudo-terminal. Idempotent.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.status = StatusExited
	handle := s.pty
	proc := s.cmd.Process
	s.mu.Unlock()

	if proc != nil {
		_ = proc.Kill()
	}
	if handle != nil {
		_ = handle.Close()
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// readOutput continuously reads from the PTY and forwards chunks upstream.
func (s *Session) readOutput() {
	buf := make([]byte, 4096)

	for {
		n, err := s.pty.Read(buf)
		if n > 0 {
			s.touch()
			data := make([]byte, n)
			copy(data, buf[:n])
			if s.onOutput != nil {
				s.onOutput(s.id, data)
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("terminal read ended", zap.Error(err))
			}
			return
		}
	}
}

// waitForExit waits for the shell process to exit and fires the close
// callback exactly once with the exit code.
func (s *Session) waitForExit() {
	err := s.cmd.Wait()

	s.mu.Lock()
	destroyed := s.destroyed
	s.status = StatusExited
	s.mu.Unlock()

	exitCode := 0
	if destroyed {
		exitCode = DestroyedExitCode
	} else if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = DestroyedExitCode
		}
	}

	s.logger.Info("terminal process exited", zap.Int("exit_code", exitCode))

	s.closeFired.Do(func() {
		if s.onClose != nil {
			s.onClose(s.id, exitCode)
		}
	})
}

// buildShellEnv creates the environment for the shell process.
func buildShellEnv(workDir string) []string {
	env := os.Environ()
	env = append(env, "PWD="+workDir)
	env = append(env, "TERM=xterm-256color")
	env = append(env, "LANG=C.UTF-8")
	env = append(env, "LC_ALL=C.UTF-8")
	return env
}
