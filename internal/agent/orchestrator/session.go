package orchestrator

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/justelson/agentscope/internal/agent/handler"
)

// newSessionID builds a sortable unique identifier for an agent session.
func newSessionID() string {
	return fmt.Sprintf("agent-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// session is the in-memory record of one agent session. All mutable fields
// are guarded by mu; the orchestrator never holds the lock across terminal
// writes or event publishes.
type session struct {
	id      string
	agentID string
	task    string
	workDir string
	handler handler.Handler

	mu           sync.Mutex
	status       handler.Status
	phase        handler.Phase
	summary      string
	terminalID   string
	createdAt    time.Time
	startedAt    *time.Time
	endedAt      *time.Time
	lastActivity time.Time
	exitCode     *int

	starting    bool
	promptSent  bool
	promptLines map[string]struct{}

	output    []string
	outputCap int
}

func newAgentSession(agentID, task, workDir string, h handler.Handler, outputCap int) *session {
	now := time.Now().UTC()
	return &session{
		id:           newSessionID(),
		agentID:      agentID,
		task:         task,
		workDir:      workDir,
		handler:      h,
		status:       handler.StatusReady,
		phase:        handler.PhaseIdle,
		createdAt:    now,
		lastActivity: now,
		promptLines:  make(map[string]struct{}),
		outputCap:    outputCap,
	}
}

// appendOutput records the non-blank lines of a visible chunk, evicting the
// oldest lines beyond the retention cap.
func (s *session) appendOutput(text string) {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		s.output = append(s.output, line)
	}
	if len(s.output) > s.outputCap {
		s.output = s.output[len(s.output)-s.outputCap:]
	}
}

// markPromptLines registers every non-empty line of the injected prompt so
// its terminal echo can be filtered out of the visible stream.
func (s *session) markPromptLines(prompt string) {
	for _, line := range strings.Split(prompt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			s.promptLines[line] = struct{}{}
		}
	}
}

// consumePromptLine reports whether a line matches a pending prompt echo,
// removing it from the set so later identical output is not filtered.
func (s *session) consumePromptLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if _, ok := s.promptLines[trimmed]; ok {
		delete(s.promptLines, trimmed)
		return true
	}
	return false
}

// SessionInfo is the public snapshot of an agent session.
type SessionInfo struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	AgentName    string         `json:"agent_name"`
	Task         string         `json:"task"`
	WorkDir      string         `json:"work_dir"`
	Status       handler.Status `json:"status"`
	Phase        handler.Phase  `json:"phase"`
	Summary      string         `json:"summary,omitempty"`
	TerminalID   string         `json:"terminal_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	EndedAt      *time.Time     `json:"ended_at,omitempty"`
	LastActivity time.Time      `json:"last_activity"`
	ExitCode     *int           `json:"exit_code,omitempty"`
}

func (s *session) info() *SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &SessionInfo{
		ID:           s.id,
		AgentID:      s.agentID,
		AgentName:    s.handler.DisplayName(),
		Task:         s.task,
		WorkDir:      s.workDir,
		Status:       s.status,
		Phase:        s.phase,
		Summary:      s.summary,
		TerminalID:   s.terminalID,
		CreatedAt:    s.createdAt,
		StartedAt:    s.startedAt,
		EndedAt:      s.endedAt,
		LastActivity: s.lastActivity,
		ExitCode:     s.exitCode,
	}
}
