package handler

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps agent identifiers to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns a registry preloaded with the built-in handlers.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]Handler)}
	r.Register(NewClaudeHandler())
	r.Register(NewCodexHandler())
	r.Register(NewGeminiHandler())
	return r
}

// Register adds or replaces a handler under its ID.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	r.handlers[h.ID()] = h
	r.mu.Unlock()
}

// Get returns the handler for an agent ID.
func (r *Registry) Get(id string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", id)
	}
	return h, nil
}

// AgentInfo describes one registered agent for listing APIs.
type AgentInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// List returns the registered agents sorted by ID.
func (r *Registry) List() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]AgentInfo, 0, len(r.handlers))
	for _, h := range r.handlers {
		infos = append(infos, AgentInfo{ID: h.ID(), DisplayName: h.DisplayName()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
