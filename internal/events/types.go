// Package events provides event types and utilities for the Codedeck event system.
package events

// Event types for sessions
const (
	SessionUpdated = "session.updated" // Full updated session record
	SessionError   = "session.error"   // Structured rejection (code + message)
)

// Event types for messages
const (
	MessageComplete = "message.complete" // Terminal event for one execution round
)

// Event types for agent stream messages
const (
	AgentStream = "agent.stream" // Base subject for raw agent stream events
)

// Event types for projects
const (
	ProjectSessionsSynced = "project.sessions_synced" // Reconciliation finished
)

// SessionEvents is the base subject for per-session lifecycle events.
const SessionEvents = "session.events"

// BuildSessionSubject creates the lifecycle event subject for a specific session.
// session.updated, session.error and message.complete are all published here.
func BuildSessionSubject(sessionID string) string {
	return SessionEvents + "." + sessionID
}

// BuildSessionWildcardSubject creates a wildcard subscription for all session lifecycle events.
func BuildSessionWildcardSubject() string {
	return SessionEvents + ".*"
}

// BuildAgentStreamSubject creates an agent stream subject for a specific session.
func BuildAgentStreamSubject(sessionID string) string {
	return AgentStream + "." + sessionID
}

// BuildAgentStreamWildcardSubject creates a wildcard subscription for all agent stream events.
func BuildAgentStreamWildcardSubject() string {
	return AgentStream + ".*"
}

// BuildProjectSubject creates the subject for project-level events.
func BuildProjectSubject(projectID string) string {
	return "project.events." + projectID
}
