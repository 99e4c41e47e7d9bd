package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/codedeck/codedeck/internal/session/models"
)

// SQLiteStore provides SQLite-backed session and project storage.
type SQLiteStore struct {
	db *sqlx.DB
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database at path and initializes the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// initSchema creates the database tables if they don't exist
func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		owner_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		owner_id TEXT NOT NULL DEFAULT '',
		agent_kind TEXT NOT NULL,
		session_type TEXT NOT NULL DEFAULT 'chat',
		state TEXT NOT NULL DEFAULT 'idle',
		error_message TEXT DEFAULT '',
		external_session_id TEXT DEFAULT '',
		transcript_path TEXT DEFAULT '',
		metadata TEXT DEFAULT '{}',
		is_archived INTEGER NOT NULL DEFAULT 0,
		archived_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_project_id ON sessions(project_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_project_agent ON sessions(project_id, agent_kind);
	CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
	`)
	return err
}

// wrapInsertErr translates sqlite constraint violations into ErrDuplicate.
func wrapInsertErr(err error, what, id string) error {
	if err == nil {
		return nil
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
		return fmt.Errorf("%s %s: %w", what, id, ErrDuplicate)
	}
	return err
}

// Session operations

// CreateSession creates a new session row
func (s *SQLiteStore) CreateSession(ctx context.Context, session *models.Session) error {
	prepareSessionForInsert(session)

	metadataJSON, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize session metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, project_id, owner_id, agent_kind, session_type, state, error_message,
			external_session_id, transcript_path, metadata, is_archived, archived_at,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, session.ID, session.ProjectID, session.OwnerID, string(session.AgentKind),
		string(session.SessionType), string(session.State), session.ErrorMessage,
		session.ExternalSessionID, session.TranscriptPath, string(metadataJSON),
		boolToInt(session.IsArchived), session.ArchivedAt, session.CreatedAt, session.UpdatedAt)

	return wrapInsertErr(err, "session", session.ID)
}

// CreateSessions inserts rows in a single transaction; any conflict rolls
// back the whole batch.
func (s *SQLiteStore) CreateSessions(ctx context.Context, sessions []*models.Session) error {
	if len(sessions) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, session := range sessions {
		prepareSessionForInsert(session)

		metadataJSON, err := json.Marshal(session.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize session metadata: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (
				id, project_id, owner_id, agent_kind, session_type, state, error_message,
				external_session_id, transcript_path, metadata, is_archived, archived_at,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, session.ID, session.ProjectID, session.OwnerID, string(session.AgentKind),
			string(session.SessionType), string(session.State), session.ErrorMessage,
			session.ExternalSessionID, session.TranscriptPath, string(metadataJSON),
			boolToInt(session.IsArchived), session.ArchivedAt, session.CreatedAt, session.UpdatedAt)
		if err != nil {
			return wrapInsertErr(err, "session", session.ID)
		}
	}

	return tx.Commit()
}

func prepareSessionForInsert(session *models.Session) {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.SessionType == "" {
		session.SessionType = models.SessionTypeChat
	}
	if session.State == "" {
		session.State = models.SessionStateIdle
	}
}

const sessionColumns = `id, project_id, owner_id, agent_kind, session_type, state, error_message,
	external_session_id, transcript_path, metadata, is_archived, archived_at, created_at, updated_at`

func scanSession(row interface {
	Scan(dest ...interface{}) error
}) (*models.Session, error) {
	session := &models.Session{}
	var agentKind, sessionType, state, metadataJSON string
	var isArchived int
	var archivedAt sql.NullTime

	err := row.Scan(&session.ID, &session.ProjectID, &session.OwnerID, &agentKind,
		&sessionType, &state, &session.ErrorMessage, &session.ExternalSessionID,
		&session.TranscriptPath, &metadataJSON, &isArchived, &archivedAt,
		&session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}

	session.AgentKind = models.AgentKind(agentKind)
	session.SessionType = models.SessionType(sessionType)
	session.State = models.SessionState(state)
	session.IsArchived = isArchived != 0
	if archivedAt.Valid {
		session.ArchivedAt = &archivedAt.Time
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize session metadata: %w", err)
		}
	}
	return session, nil
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// UpdateSession updates an existing session row
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *models.Session) error {
	session.UpdatedAt = time.Now().UTC()

	metadataJSON, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize session metadata: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, error_message = ?, external_session_id = ?, transcript_path = ?,
			metadata = ?, is_archived = ?, archived_at = ?, created_at = ?, updated_at = ?
		WHERE id = ?
	`, string(session.State), session.ErrorMessage, session.ExternalSessionID,
		session.TranscriptPath, string(metadataJSON), boolToInt(session.IsArchived),
		session.ArchivedAt, session.CreatedAt, session.UpdatedAt, session.ID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", session.ID, ErrNotFound)
	}
	return nil
}

// UpdateSessionFields applies a partial field set to a session row
func (s *SQLiteStore) UpdateSessionFields(ctx context.Context, id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}

	setClauses := make([]string, 0, len(fields)+1)
	args := make([]interface{}, 0, len(fields)+2)

	for key, value := range fields {
		switch key {
		case "state":
			setClauses = append(setClauses, "state = ?")
			args = append(args, fmt.Sprintf("%v", value))
		case "error_message":
			setClauses = append(setClauses, "error_message = ?")
			if value == nil {
				args = append(args, "")
			} else {
				args = append(args, value)
			}
		case "external_session_id":
			setClauses = append(setClauses, "external_session_id = ?")
			args = append(args, value)
		case "transcript_path":
			setClauses = append(setClauses, "transcript_path = ?")
			args = append(args, value)
		case "metadata":
			metadataJSON, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("failed to serialize session metadata: %w", err)
			}
			setClauses = append(setClauses, "metadata = ?")
			args = append(args, string(metadataJSON))
		case "is_archived":
			setClauses = append(setClauses, "is_archived = ?")
			if v, ok := value.(bool); ok {
				args = append(args, boolToInt(v))
			} else {
				args = append(args, value)
			}
		case "archived_at":
			setClauses = append(setClauses, "archived_at = ?")
			args = append(args, value)
		case "created_at":
			setClauses = append(setClauses, "created_at = ?")
			args = append(args, value)
		default:
			return fmt.Errorf("unknown session field: %s", key)
		}
	}

	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, id)

	query := "UPDATE sessions SET " + strings.Join(setClauses, ", ") + " WHERE id = ?"
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListSessionsByProject returns the project's sessions matching the filter
func (s *SQLiteStore) ListSessionsByProject(ctx context.Context, projectID string, filter SessionFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE project_id = ?`
	args := []interface{}{projectID}

	if filter.AgentKind != "" {
		query += ` AND agent_kind = ?`
		args = append(args, string(filter.AgentKind))
	}
	if !filter.IncludeInternal {
		query += ` AND session_type != ?`
		args = append(args, string(models.SessionTypeInternal))
	}
	if !filter.IncludeArchived {
		query += ` AND is_archived = 0`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListSessionIDsByProject returns every session id in the project with its agent kind
func (s *SQLiteStore) ListSessionIDsByProject(ctx context.Context, projectID string) (map[string]models.AgentKind, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, agent_kind FROM sessions WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]models.AgentKind)
	for rows.Next() {
		var id, agentKind string
		if err := rows.Scan(&id, &agentKind); err != nil {
			return nil, err
		}
		result[id] = models.AgentKind(agentKind)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Project operations

// CreateProject creates a new project row
func (s *SQLiteStore) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, path, owner_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, project.ID, project.Name, project.Path, project.OwnerID, project.CreatedAt, project.UpdatedAt)

	return wrapInsertErr(err, "project", project.ID)
}

// GetProject retrieves a project by ID
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	project := &models.Project{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, owner_id, created_at, updated_at FROM projects WHERE id = ?
	`, id).Scan(&project.ID, &project.Name, &project.Path, &project.OwnerID,
		&project.CreatedAt, &project.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return project, nil
}

// ListProjects returns all projects
func (s *SQLiteStore) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, path, owner_id, created_at, updated_at FROM projects ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Project
	for rows.Next() {
		project := &models.Project{}
		if err := rows.Scan(&project.ID, &project.Name, &project.Path, &project.OwnerID,
			&project.CreatedAt, &project.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, project)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
