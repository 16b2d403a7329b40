package handler

import (
	"fmt"
	"strings"
)

// ClaudeHandler drives the Claude Code CLI.
type ClaudeHandler struct {
	base
}

func NewClaudeHandler() *ClaudeHandler { return &ClaudeHandler{} }

func (h *ClaudeHandler) ID() string          { return "claude" }
func (h *ClaudeHandler) DisplayName() string { return "Claude Code" }

func (h *ClaudeHandler) StartCommand(task string) string {
	if task == "" {
		return "claude"
	}
	return fmt.Sprintf("claude %q", task)
}

// ParseOutput checks Claude Code's interactive prompts before falling back
// to the shared marker and keyword parsing. The permission dialog ("Do you
// want to ...?") is the strongest signal the agent is blocked.
func (h *ClaudeHandler) ParseOutput(raw string) *StatusUpdate {
	if update := parseMarkers(raw); update != nil {
		return update
	}

	lower := strings.ToLower(raw)
	if strings.Contains(lower, "do you want to") || strings.Contains(lower, "❯ 1. yes") {
		return &StatusUpdate{Status: StatusAwaitingConfirm, Phase: PhaseWaiting}
	}
	if strings.Contains(lower, "esc to interrupt") {
		return &StatusUpdate{Status: StatusRunning}
	}

	return keywordFallback(raw)
}

// DetectPhase recognizes Claude Code's spinner verbs in addition to the
// shared vocabulary.
func (h *ClaudeHandler) DetectPhase(text string) Phase {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "thinking"), strings.Contains(lower, "pondering"):
		return PhaseAnalyzing
	case strings.Contains(lower, "crafting"), strings.Contains(lower, "conjuring"):
		return PhaseGenerating
	}
	return detectPhaseText(text)
}
