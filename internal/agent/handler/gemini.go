package handler

import (
	"fmt"
	"strings"
)

// GeminiHandler drives the Gemini CLI.
type GeminiHandler struct {
	base
}

func NewGeminiHandler() *GeminiHandler { return &GeminiHandler{} }

func (h *GeminiHandler) ID() string          { return "gemini" }
func (h *GeminiHandler) DisplayName() string { return "Gemini CLI" }

func (h *GeminiHandler) StartCommand(task string) string {
	if task == "" {
		return "gemini"
	}
	return fmt.Sprintf("gemini -i %q", task)
}

func (h *GeminiHandler) ParseOutput(raw string) *StatusUpdate {
	if update := parseMarkers(raw); update != nil {
		return update
	}

	lower := strings.ToLower(raw)
	if strings.Contains(lower, "apply this change?") || strings.Contains(lower, "allow execution") {
		return &StatusUpdate{Status: StatusAwaitingConfirm, Phase: PhaseWaiting}
	}

	return keywordFallback(raw)
}
