package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codedeck/codedeck/internal/session/models"
)

// MemoryStore provides in-memory session and project storage.
// Used in development mode and in tests.
type MemoryStore struct {
	sessions map[string]*models.Session
	projects map[string]*models.Project
	mu       sync.RWMutex
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		projects: make(map[string]*models.Project),
	}
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// Session operations

// CreateSession creates a new session
func (s *MemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createSessionLocked(session)
}

func (s *MemoryStore) createSessionLocked(session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if _, ok := s.sessions[session.ID]; ok {
		return fmt.Errorf("session %s: %w", session.ID, ErrDuplicate)
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

// CreateSessions inserts rows in one batch. Any conflict fails the whole
// batch without applying it, mirroring a transactional bulk insert.
func (s *MemoryStore) CreateSessions(ctx context.Context, sessions []*models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range sessions {
		if session.ID == "" {
			session.ID = uuid.New().String()
		}
		if _, ok := s.sessions[session.ID]; ok {
			return fmt.Errorf("session %s: %w", session.ID, ErrDuplicate)
		}
	}
	for _, session := range sessions {
		if err := s.createSessionLocked(session); err != nil {
			return err
		}
	}
	return nil
}

// GetSession retrieves a session by ID
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	copied := *session
	return &copied, nil
}

// UpdateSession updates an existing session
func (s *MemoryStore) UpdateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; !ok {
		return fmt.Errorf("session %s: %w", session.ID, ErrNotFound)
	}
	session.UpdatedAt = time.Now().UTC()
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

// UpdateSessionFields applies a partial field set to a session row
func (s *MemoryStore) UpdateSessionFields(ctx context.Context, id string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	// Validate the whole field set first. A bad key must reject the update
	// without applying any part of it.
	for key := range fields {
		switch key {
		case "state", "error_message", "external_session_id", "transcript_path",
			"metadata", "is_archived", "archived_at", "created_at":
		default:
			return fmt.Errorf("unknown session field: %s", key)
		}
	}

	for key, value := range fields {
		switch key {
		case "state":
			switch v := value.(type) {
			case models.SessionState:
				session.State = v
			case string:
				session.State = models.SessionState(v)
			}
		case "error_message":
			if value == nil {
				session.ErrorMessage = ""
			} else if v, ok := value.(string); ok {
				session.ErrorMessage = v
			}
		case "external_session_id":
			if v, ok := value.(string); ok {
				session.ExternalSessionID = v
			}
		case "transcript_path":
			if v, ok := value.(string); ok {
				session.TranscriptPath = v
			}
		case "metadata":
			if v, ok := value.(models.SessionMetadata); ok {
				session.Metadata = v
			}
		case "is_archived":
			if v, ok := value.(bool); ok {
				session.IsArchived = v
			}
		case "archived_at":
			switch v := value.(type) {
			case nil:
				session.ArchivedAt = nil
			case time.Time:
				t := v
				session.ArchivedAt = &t
			case *time.Time:
				session.ArchivedAt = v
			}
		case "created_at":
			if v, ok := value.(time.Time); ok {
				session.CreatedAt = v
			}
		}
	}
	session.UpdatedAt = time.Now().UTC()
	return nil
}

// ListSessionsByProject returns the project's sessions matching the filter
func (s *MemoryStore) ListSessionsByProject(ctx context.Context, projectID string, filter SessionFilter) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Session
	for _, session := range s.sessions {
		if session.ProjectID != projectID {
			continue
		}
		if filter.AgentKind != "" && session.AgentKind != filter.AgentKind {
			continue
		}
		if !filter.IncludeInternal && session.SessionType == models.SessionTypeInternal {
			continue
		}
		if !filter.IncludeArchived && session.IsArchived {
			continue
		}
		copied := *session
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// ListSessionIDsByProject returns every session id in the project with its agent kind
func (s *MemoryStore) ListSessionIDsByProject(ctx context.Context, projectID string) (map[string]models.AgentKind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]models.AgentKind)
	for _, session := range s.sessions {
		if session.ProjectID == projectID {
			result[session.ID] = session.AgentKind
		}
	}
	return result, nil
}

// Project operations

// CreateProject creates a new project
func (s *MemoryStore) CreateProject(ctx context.Context, project *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if _, ok := s.projects[project.ID]; ok {
		return fmt.Errorf("project %s: %w", project.ID, ErrDuplicate)
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	copied := *project
	s.projects[project.ID] = &copied
	return nil
}

// GetProject retrieves a project by ID
func (s *MemoryStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	project, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	copied := *project
	return &copied, nil
}

// ListProjects returns all projects
func (s *MemoryStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.Project, 0, len(s.projects))
	for _, project := range s.projects {
		copied := *project
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}
