package handler

import (
	"encoding/json"
	"regexp"
	"strings"
)

// statusMarker is the JSON key agents are instructed to emit on a line of
// its own whenever their state changes.
const statusMarker = "agentscope_status"

var markerPattern = regexp.MustCompile(`\{[^{}]*"` + statusMarker + `"[^{}]*\}`)

// markerPayload mirrors the JSON object agents emit.
type markerPayload struct {
	Status  string `json:"agentscope_status"`
	Phase   string `json:"phase"`
	Summary string `json:"summary"`
	File    string `json:"file"`
	Error   string `json:"error"`
}

var validStatuses = map[string]Status{
	"running":          StatusRunning,
	"awaiting_input":   StatusAwaitingInput,
	"awaiting_confirm": StatusAwaitingConfirm,
	"awaiting_review":  StatusAwaitingReview,
	"completed":        StatusCompleted,
	"failed":           StatusFailed,
}

var validPhases = map[string]Phase{
	"idle":       PhaseIdle,
	"analyzing":  PhaseAnalyzing,
	"generating": PhaseGenerating,
	"editing":    PhaseEditing,
	"testing":    PhaseTesting,
	"reviewing":  PhaseReviewing,
	"waiting":    PhaseWaiting,
	"error":      PhaseError,
}

// parseMarkers scans a raw chunk for embedded status marker objects and
// returns the update from the last valid one. Agents can emit several
// markers inside a single flush interval; only the most recent reflects
// the current state.
func parseMarkers(raw string) *StatusUpdate {
	matches := markerPattern.FindAllString(raw, -1)
	var update *StatusUpdate
	for _, match := range matches {
		var payload markerPayload
		if err := json.Unmarshal([]byte(match), &payload); err != nil {
			continue
		}
		status, ok := validStatuses[payload.Status]
		if !ok {
			continue
		}
		u := &StatusUpdate{
			Status:  status,
			Summary: payload.Summary,
			File:    payload.File,
			Error:   payload.Error,
		}
		if phase, ok := validPhases[payload.Phase]; ok {
			u.Phase = phase
		}
		update = u
	}
	return update
}

// keywordFallback applies plain-text heuristics when no marker is present.
// Checks run in fixed priority order so an "error" anywhere in the chunk
// dominates a trailing "done".
func keywordFallback(raw string) *StatusUpdate {
	lower := strings.ToLower(raw)

	for _, word := range []string{"error", "failed", "failure", "exception"} {
		if strings.Contains(lower, word) {
			return &StatusUpdate{Status: StatusFailed, Phase: PhaseError}
		}
	}
	if strings.Contains(lower, "done") || strings.Contains(lower, "complete") || strings.Contains(lower, "finished") {
		return &StatusUpdate{Status: StatusCompleted, Phase: PhaseIdle}
	}
	if strings.Contains(lower, "y/n") || strings.Contains(lower, "(y/n)") || strings.Contains(lower, "[y/n]") {
		return &StatusUpdate{Status: StatusAwaitingConfirm, Phase: PhaseWaiting}
	}
	if strings.Contains(lower, "review") {
		return &StatusUpdate{Status: StatusAwaitingReview, Phase: PhaseReviewing}
	}
	return nil
}

// phaseVocabulary maps activity words to phases. Scanned in order; the
// first hit wins.
var phaseVocabulary = []struct {
	words []string
	phase Phase
}{
	{[]string{"analyzing", "analysing", "reading", "searching", "exploring", "scanning"}, PhaseAnalyzing},
	{[]string{"generating", "writing code", "creating", "implementing"}, PhaseGenerating},
	{[]string{"editing", "modifying", "updating", "refactoring", "patching"}, PhaseEditing},
	{[]string{"testing", "running tests", "test suite", "verifying"}, PhaseTesting},
	{[]string{"reviewing", "checking"}, PhaseReviewing},
	{[]string{"waiting", "paused"}, PhaseWaiting},
	{[]string{"error", "failed", "exception"}, PhaseError},
}

// detectPhaseText scans visible output for activity vocabulary. Defaults
// to idle when nothing matches.
func detectPhaseText(text string) Phase {
	lower := strings.ToLower(text)
	for _, entry := range phaseVocabulary {
		for _, word := range entry.words {
			if strings.Contains(lower, word) {
				return entry.phase
			}
		}
	}
	return PhaseIdle
}

// baseSystemPrompt instructs any agent to report state transitions via the
// JSON marker protocol. Individual handlers prefix agent-specific guidance.
const baseSystemPrompt = `IMPORTANT: Whenever your working state changes, print a single line containing only a JSON object of the form {"agentscope_status": "<status>", "phase": "<phase>", "summary": "<short description>"}. Valid statuses: running, awaiting_input, awaiting_confirm, awaiting_review, completed, failed. Valid phases: idle, analyzing, generating, editing, testing, reviewing, waiting, error. When you finish a task print the marker with status "completed". When you need a decision from the user print it with status "awaiting_confirm". Do not explain these markers; just print them. For example: {"agentscope_status": "running", "phase": "analyzing", "summary": "reading the codebase"}`

// base provides shared parsing behavior for all handlers.
type base struct{}

func (base) ParseOutput(raw string) *StatusUpdate {
	if update := parseMarkers(raw); update != nil {
		return update
	}
	return keywordFallback(raw)
}

func (base) DetectPhase(text string) Phase {
	return detectPhaseText(text)
}

func (base) SystemPrompt() string {
	return baseSystemPrompt
}
