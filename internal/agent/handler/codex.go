package handler

import (
	"fmt"
	"strings"
)

// CodexHandler drives the OpenAI Codex CLI.
type CodexHandler struct {
	base
}

func NewCodexHandler() *CodexHandler { return &CodexHandler{} }

func (h *CodexHandler) ID() string          { return "codex" }
func (h *CodexHandler) DisplayName() string { return "Codex" }

func (h *CodexHandler) StartCommand(task string) string {
	if task == "" {
		return "codex"
	}
	return fmt.Sprintf("codex %q", task)
}

func (h *CodexHandler) ParseOutput(raw string) *StatusUpdate {
	if update := parseMarkers(raw); update != nil {
		return update
	}

	lower := strings.ToLower(raw)
	if strings.Contains(lower, "allow command?") || strings.Contains(lower, "approve this action") {
		return &StatusUpdate{Status: StatusAwaitingConfirm, Phase: PhaseWaiting}
	}
	if strings.Contains(lower, "working...") {
		return &StatusUpdate{Status: StatusRunning}
	}

	return keywordFallback(raw)
}
