// Package events provides event types and utilities for the agentscope event system.
package events

// Event types for agent sessions
const (
	AgentSessionCreated = "agent.session.created"
	AgentSessionUpdated = "agent.session.updated"
	AgentSessionClosed  = "agent.session.closed"
	AgentSessionStatus  = "agent.session.status"
	AgentSessionOutput  = "agent.session.output"
)

// Event types for terminal sessions
const (
	TerminalOutput = "terminal.output"
	TerminalExit   = "terminal.exit"
)
