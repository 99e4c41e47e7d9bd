// Package api provides HTTP handlers for the session manager API.
package api

import (
	"time"

	"github.com/codedeck/codedeck/internal/session/models"
)

// CreateSessionRequest for creating a session and starting its first round
type CreateSessionRequest struct {
	ProjectID   string `json:"project_id" binding:"required"`
	OwnerID     string `json:"owner_id" binding:"required"`
	AgentKind   string `json:"agent_kind" binding:"required"`
	SessionType string `json:"session_type,omitempty"`
	// ExternalSessionID resumes a different external session while process
	// tracking stays keyed by the new session's own id.
	ExternalSessionID string `json:"external_session_id,omitempty"`

	Prompt         string `json:"prompt" binding:"required"`
	Resume         bool   `json:"resume,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
	Model          string `json:"model,omitempty"`
}

// RoundRequest for starting another execution round on an existing session
type RoundRequest struct {
	OwnerID        string `json:"owner_id" binding:"required"`
	Prompt         string `json:"prompt" binding:"required"`
	PermissionMode string `json:"permission_mode,omitempty"`
	Model          string `json:"model,omitempty"`
}

// CancelSessionRequest for cancelling a working session
type CancelSessionRequest struct {
	OwnerID string `json:"owner_id" binding:"required"`
}

// ArchiveSessionRequest for archiving a session
type ArchiveSessionRequest struct {
	OwnerID string `json:"owner_id" binding:"required"`
}

// SyncSessionsRequest for triggering filesystem reconciliation on a project
type SyncSessionsRequest struct {
	OwnerID string `json:"owner_id" binding:"required"`
	// AgentKind selects which reconciler runs; defaults to claude.
	AgentKind string `json:"agent_kind,omitempty"`
}

// CreateProjectRequest for registering a project
type CreateProjectRequest struct {
	Name    string `json:"name" binding:"required"`
	Path    string `json:"path" binding:"required"`
	OwnerID string `json:"owner_id" binding:"required"`
}

// Response types

// SessionResponse represents a session in API responses
type SessionResponse struct {
	ID                string                 `json:"id"`
	ProjectID         string                 `json:"project_id"`
	OwnerID           string                 `json:"owner_id"`
	AgentKind         string                 `json:"agent_kind"`
	SessionType       string                 `json:"session_type"`
	State             string                 `json:"state"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	ExternalSessionID string                 `json:"external_session_id,omitempty"`
	TranscriptPath    string                 `json:"transcript_path,omitempty"`
	Metadata          models.SessionMetadata `json:"metadata"`
	IsArchived        bool                   `json:"is_archived"`
	ArchivedAt        *time.Time             `json:"archived_at,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// SessionsListResponse wraps a list of sessions
type SessionsListResponse struct {
	Sessions []*SessionResponse `json:"sessions"`
	Total    int                `json:"total"`
}

// CancelSessionResponse reports the outcome of a cancellation
type CancelSessionResponse struct {
	Success bool `json:"success"`
}

// SyncSessionsResponse reports reconciliation counts
type SyncSessionsResponse struct {
	Synced  int `json:"synced"`
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// ProjectResponse represents a project in API responses
type ProjectResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProjectsListResponse wraps a list of projects
type ProjectsListResponse struct {
	Projects []*ProjectResponse `json:"projects"`
	Total    int                `json:"total"`
}
