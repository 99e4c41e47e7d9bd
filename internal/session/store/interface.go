// Package store provides durable storage for sessions and projects.
package store

import (
	"context"
	"errors"

	"github.com/codedeck/codedeck/internal/session/models"
)

// ErrDuplicate is returned (possibly wrapped) when an insert collides with an
// existing row. The reconciler relies on it to skip rows a concurrent sync
// already created.
var ErrDuplicate = errors.New("row already exists")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("row not found")

// SessionFilter narrows ListSessionsByProject.
type SessionFilter struct {
	// AgentKind restricts to one agent kind; empty means all kinds.
	AgentKind models.AgentKind
	// IncludeInternal includes sessions of type "internal".
	IncludeInternal bool
	// IncludeArchived includes archived sessions.
	IncludeArchived bool
}

// Store defines the storage operations used by the session core.
type Store interface {
	// Session operations
	CreateSession(ctx context.Context, session *models.Session) error
	// CreateSessions inserts rows in one batch; all-or-nothing.
	CreateSessions(ctx context.Context, sessions []*models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	// UpdateSessionFields applies a partial field set to a row.
	// Recognized keys: state, error_message, external_session_id,
	// transcript_path, metadata, is_archived, archived_at, created_at.
	UpdateSessionFields(ctx context.Context, id string, fields map[string]interface{}) error
	ListSessionsByProject(ctx context.Context, projectID string, filter SessionFilter) ([]*models.Session, error)
	// ListSessionIDsByProject returns every session id in the project across
	// all agent kinds, for cross-agent collision detection.
	ListSessionIDsByProject(ctx context.Context, projectID string) (map[string]models.AgentKind, error)

	// Project operations
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)

	// Close closes the store (for database connections)
	Close() error
}

// IsDuplicate reports whether err indicates an insert conflict.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsNotFound reports whether err indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
