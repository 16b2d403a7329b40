// Package handler defines the agent-specific adapters the orchestrator
// uses to drive and interpret coding-assistant CLI processes. Each handler
// knows how to start its agent inside a shell, what one-time system prompt
// to inject, and how to extract status and phase signals from the raw
// terminal stream.
package handler

// Status is the lifecycle state of an agent session.
type Status string

const (
	StatusReady           Status = "ready"
	StatusRunning         Status = "running"
	StatusAwaitingInput   Status = "awaiting_input"
	StatusAwaitingConfirm Status = "awaiting_confirm"
	StatusAwaitingReview  Status = "awaiting_review"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// IsTerminal reports whether the status ends the session's active life.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsAwaiting reports whether the agent is blocked on the user.
func (s Status) IsAwaiting() bool {
	switch s {
	case StatusAwaitingInput, StatusAwaitingConfirm, StatusAwaitingReview:
		return true
	}
	return false
}

// Phase is the orthogonal activity descriptor of an agent session. It
// carries no lifecycle semantics; it only describes what the agent appears
// to be doing right now.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseAnalyzing  Phase = "analyzing"
	PhaseGenerating Phase = "generating"
	PhaseEditing    Phase = "editing"
	PhaseTesting    Phase = "testing"
	PhaseReviewing  Phase = "reviewing"
	PhaseWaiting    Phase = "waiting"
	PhaseError      Phase = "error"
)

// StatusUpdate is the interpreted result of one output chunk. Nil fields
// mean "no change"; a handler returns nil when the chunk carries no signal
// at all.
type StatusUpdate struct {
	Status  Status `json:"status"`
	Phase   Phase  `json:"phase,omitempty"`
	Summary string `json:"summary,omitempty"`
	File    string `json:"file,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Handler adapts one agent CLI to the orchestrator's uniform contract.
type Handler interface {
	// ID is the stable registry key, e.g. "claude".
	ID() string

	// DisplayName is the human-facing agent name.
	DisplayName() string

	// StartCommand returns the shell command that launches the agent with
	// the given task description.
	StartCommand(task string) string

	// SystemPrompt is the one-time instruction block injected before the
	// first user message, teaching the agent to emit status markers.
	SystemPrompt() string

	// ParseOutput extracts a status update from a raw output chunk, or nil
	// when the chunk carries no recognizable signal.
	ParseOutput(raw string) *StatusUpdate

	// DetectPhase infers the current activity from visible output text.
	DetectPhase(text string) Phase
}
