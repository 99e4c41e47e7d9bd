// Package models defines the session domain entities.
package models

import "time"

// SessionState represents the execution state of a session.
// A session is long-lived and moves between these states across many
// execution rounds; there is no terminal state.
type SessionState string

const (
	SessionStateIdle    SessionState = "idle"
	SessionStateWorking SessionState = "working"
	SessionStateError   SessionState = "error"
)

// SessionType classifies how a session is surfaced to users.
type SessionType string

const (
	SessionTypeChat     SessionType = "chat"
	SessionTypeWorkflow SessionType = "workflow"
	// SessionTypeInternal sessions follow the normal lifecycle but are
	// hidden from default listings.
	SessionTypeInternal SessionType = "internal"
)

// AgentKind identifies which external tool backs a session.
type AgentKind string

const (
	AgentKindClaude AgentKind = "claude"
	AgentKindCodex  AgentKind = "codex"
)

// SessionMetadata carries bookkeeping owned by message-ingestion code.
// The reconciler populates it from transcript files when discovering
// sessions; it never overwrites it for existing rows.
type SessionMetadata struct {
	MessageCount  int        `json:"message_count,omitempty"`
	InputTokens   int        `json:"input_tokens,omitempty"`
	OutputTokens  int        `json:"output_tokens,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	Preview       string     `json:"preview,omitempty"`
}

// Session is one logical unit of interaction with an external coding agent,
// persisted as one row and executed many times over its lifetime.
type Session struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	OwnerID   string `json:"owner_id"`

	AgentKind   AgentKind   `json:"agent_kind"`
	SessionType SessionType `json:"session_type"`

	State SessionState `json:"state"`
	// ErrorMessage is non-empty only in the error state.
	ErrorMessage string `json:"error_message,omitempty"`

	// ExternalSessionID is the id handed to the external tool. It may differ
	// from ID, e.g. when a workflow resumes a separate planning session while
	// process tracking stays keyed by ID.
	ExternalSessionID string `json:"external_session_id,omitempty"`
	// TranscriptPath is the absolute path of the transcript file the external
	// agent writes for this session.
	TranscriptPath string `json:"transcript_path,omitempty"`

	Metadata   SessionMetadata `json:"metadata"`
	IsArchived bool            `json:"is_archived"`
	ArchivedAt *time.Time      `json:"archived_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Project is the parent entity sessions belong to. Its filesystem path
// determines where the external agent persists transcripts.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidState reports whether s is one of the known session states.
func ValidState(s SessionState) bool {
	switch s {
	case SessionStateIdle, SessionStateWorking, SessionStateError:
		return true
	}
	return false
}
