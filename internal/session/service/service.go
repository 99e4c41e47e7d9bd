// Package service implements the session lifecycle state machine.
package service

import (
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/codedeck/codedeck/internal/common/errors"
	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/internal/events"
	"github.com/codedeck/codedeck/internal/events/bus"
	"github.com/codedeck/codedeck/internal/session/executor"
	"github.com/codedeck/codedeck/internal/session/models"
	"github.com/codedeck/codedeck/internal/session/registry"
	"github.com/codedeck/codedeck/internal/session/store"
	"github.com/codedeck/codedeck/internal/session/transcript"
)

// eventSource identifies this service on the event bus.
const eventSource = "session-manager"

// defaultErrorMessage is stored when a round fails without reporting a cause.
const defaultErrorMessage = "Agent execution failed"

// Service enforces the session state machine: idle, working, error. A
// session is long-lived; there is no terminal state. All mutations go
// through the durable store and are broadcast on the session's subject.
type Service struct {
	store          store.Store
	registry       *registry.Registry
	executor       *executor.Executor
	bus            bus.EventBus
	logger         *logger.Logger
	transcriptRoot string
	killGrace      time.Duration
}

// New creates a lifecycle service.
func New(st store.Store, reg *registry.Registry, exec *executor.Executor, eventBus bus.EventBus, transcriptRoot string, killGrace time.Duration, log *logger.Logger) *Service {
	return &Service{
		store:          st,
		registry:       reg,
		executor:       exec,
		bus:            eventBus,
		logger:         log.WithFields(zap.String("component", "session-service")),
		transcriptRoot: transcriptRoot,
		killGrace:      killGrace,
	}
}

// CreateSessionParams describes a new session. A session is always created
// because an execution is about to start, so the row is born in working
// state.
type CreateSessionParams struct {
	ID          string
	ProjectID   string
	OwnerID     string
	AgentKind   models.AgentKind
	SessionType models.SessionType
	// ExternalSessionID overrides the id passed to the external tool.
	// Empty means the session's own id is used.
	ExternalSessionID string
}

// CreateSession inserts a new session row in working state. The parent
// project must exist.
func (s *Service) CreateSession(ctx context.Context, params CreateSessionParams) (*models.Session, error) {
	project, err := s.store.GetProject(ctx, params.ProjectID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, apperrors.NotFound("project", params.ProjectID)
		}
		return nil, apperrors.InternalError("failed to load project", err)
	}

	if params.AgentKind == "" {
		return nil, apperrors.ValidationError("agent_kind", "must not be empty")
	}
	sessionType := params.SessionType
	if sessionType == "" {
		sessionType = models.SessionTypeChat
	}

	session := &models.Session{
		ID:                params.ID,
		ProjectID:         params.ProjectID,
		OwnerID:           params.OwnerID,
		AgentKind:         params.AgentKind,
		SessionType:       sessionType,
		State:             models.SessionStateWorking,
		ExternalSessionID: params.ExternalSessionID,
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		if store.IsDuplicate(err) {
			return nil, apperrors.Conflict("session already exists: " + session.ID)
		}
		return nil, apperrors.InternalError("failed to create session", err)
	}

	// The external tool keys its transcript by the id it was handed.
	externalID := session.ExternalSessionID
	if externalID == "" {
		externalID = session.ID
	}
	path := transcript.FileForSession(s.transcriptRoot, project.Path, externalID)
	if err := s.store.UpdateSessionFields(ctx, session.ID, map[string]interface{}{
		"transcript_path": path,
	}); err != nil {
		return nil, apperrors.InternalError("failed to store transcript path", err)
	}
	session.TranscriptPath = path

	s.logger.Info("session created",
		zap.String("session_id", session.ID),
		zap.String("project_id", session.ProjectID),
		zap.String("agent_kind", string(session.AgentKind)))

	s.publishSessionUpdated(ctx, session)
	return session, nil
}

// CreateProject registers a project. The path determines where the external
// agent persists transcripts for the project's sessions.
func (s *Service) CreateProject(ctx context.Context, project *models.Project) (*models.Project, error) {
	if project.Path == "" {
		return nil, apperrors.ValidationError("path", "must not be empty")
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		if store.IsDuplicate(err) {
			return nil, apperrors.Conflict("project already exists: " + project.ID)
		}
		return nil, apperrors.InternalError("failed to create project", err)
	}
	return project, nil
}

// ListProjects returns all registered projects.
func (s *Service) ListProjects(ctx context.Context) ([]*models.Project, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, apperrors.InternalError("failed to list projects", err)
	}
	return projects, nil
}

// GetSession loads one session row.
func (s *Service) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, apperrors.NotFound("session", id)
		}
		return nil, apperrors.InternalError("failed to load session", err)
	}
	return session, nil
}

// ListSessions returns the project's sessions matching the filter.
func (s *Service) ListSessions(ctx context.Context, projectID string, filter store.SessionFilter) ([]*models.Session, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		if store.IsNotFound(err) {
			return nil, apperrors.NotFound("project", projectID)
		}
		return nil, apperrors.InternalError("failed to load project", err)
	}
	sessions, err := s.store.ListSessionsByProject(ctx, projectID, filter)
	if err != nil {
		return nil, apperrors.InternalError("failed to list sessions", err)
	}
	return sessions, nil
}

// UpdateSession applies a partial field set to the row and, unless
// suppressed, broadcasts the full updated record. Subscribers replace
// their local copy wholesale instead of merging deltas.
func (s *Service) UpdateSession(ctx context.Context, id string, fields map[string]interface{}, suppressEvent bool) (*models.Session, error) {
	if err := s.store.UpdateSessionFields(ctx, id, fields); err != nil {
		if store.IsNotFound(err) {
			return nil, apperrors.NotFound("session", id)
		}
		return nil, apperrors.InternalError("failed to update session", err)
	}
	session, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, apperrors.InternalError("failed to reload session", err)
	}
	if !suppressEvent {
		s.publishSessionUpdated(ctx, session)
	}
	return session, nil
}

// UpdateSessionState moves the session to a new state. errorMessage is
// cleared on working and idle; on error it is stored, defaulting to a
// generic message when the caller supplied none.
func (s *Service) UpdateSessionState(ctx context.Context, id string, state models.SessionState, errorMessage string) (*models.Session, error) {
	if !models.ValidState(state) {
		return nil, apperrors.ValidationError("state", "unknown session state: "+string(state))
	}

	fields := map[string]interface{}{"state": state}
	switch state {
	case models.SessionStateError:
		if errorMessage == "" {
			errorMessage = defaultErrorMessage
		}
		fields["error_message"] = errorMessage
	default:
		fields["error_message"] = nil
	}
	return s.UpdateSession(ctx, id, fields, false)
}

// ArchiveSession marks a session archived. Archived sessions are excluded
// from default listings but keep their row and transcript.
func (s *Service) ArchiveSession(ctx context.Context, id, ownerID string) (*models.Session, error) {
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != ownerID {
		return nil, apperrors.Unauthorized("session is owned by another user")
	}
	if session.State == models.SessionStateWorking {
		return nil, apperrors.InvalidState("cannot archive a session that is currently working")
	}
	now := time.Now().UTC()
	return s.UpdateSession(ctx, id, map[string]interface{}{
		"is_archived": true,
		"archived_at": &now,
	}, false)
}

// CancelSession stops a running execution round.
//
// The only silently absorbed condition is the completion race: the row says
// working but the registry has no process because the round finished between
// the state check and the lookup. Killing a process that no longer exists is
// not an error from the user's perspective, so the row is moved to idle and
// the call succeeds. Every rejection is also published as a session.error
// event so an already-subscribed client sees it even if the HTTP response
// is lost.
func (s *Service) CancelSession(ctx context.Context, sessionID, ownerID string) error {
	log := s.logger.WithSessionID(sessionID)

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if store.IsNotFound(err) {
			return s.rejectCancel(ctx, sessionID, apperrors.NotFound("session", sessionID))
		}
		return apperrors.InternalError("failed to load session", err)
	}

	if session.OwnerID != ownerID {
		return s.rejectCancel(ctx, sessionID, apperrors.Unauthorized("session is owned by another user"))
	}
	if session.State != models.SessionStateWorking {
		return s.rejectCancel(ctx, sessionID,
			apperrors.InvalidState("session is not working, current state: "+string(session.State)))
	}

	cmd, ok := s.registry.GetProcess(sessionID)
	if !ok {
		// Completion race: the round finished after the state check.
		log.Info("cancel found no live process, treating as already finished")
		return s.finishCancel(ctx, sessionID)
	}

	// The flag must be set before the kill so the executor's post-exit
	// check reclassifies the exit as a non-error.
	s.registry.Update(sessionID, func(rec *registry.Record) {
		rec.Cancelled = true
	})

	// The round may have finished between the lookup and the flag. Its
	// cleanup already dropped the record, and the Update above recreated it
	// empty; a flag on a record no round owns would poison the session's
	// next round, so drop it and take the benign path.
	if _, ok := s.registry.GetProcess(sessionID); !ok {
		s.registry.Clear(sessionID)
		log.Info("process exited before kill, treating as already finished")
		return s.finishCancel(ctx, sessionID)
	}

	log.Info("killing agent process", zap.Duration("grace", s.killGrace))
	executor.KillGracefully(cmd, s.killGrace)

	s.registry.ClearProcess(sessionID)
	return s.finishCancel(ctx, sessionID)
}

// finishCancel moves the row to idle and publishes both the state update and
// the terminal message.complete event, so clients that distinguish "done"
// from "updated" still unblock.
func (s *Service) finishCancel(ctx context.Context, sessionID string) error {
	session, err := s.UpdateSession(ctx, sessionID, map[string]interface{}{
		"state":         models.SessionStateIdle,
		"error_message": nil,
	}, false)
	if err != nil {
		return err
	}
	s.publishMessageComplete(ctx, session.ID, true)
	return nil
}

// rejectCancel publishes the rejection on the session channel and returns it.
func (s *Service) rejectCancel(ctx context.Context, sessionID string, appErr *apperrors.AppError) error {
	s.publishSessionError(ctx, sessionID, appErr)
	return appErr
}

// RoundParams describes one execution round of an existing session.
type RoundParams struct {
	Prompt         string
	Resume         bool
	PermissionMode string
	Model          string
	Images         []executor.ImageAttachment
}

// StartRound runs one execution round for the session and blocks until the
// agent process exits. Callers run it on its own goroutine; many sessions'
// rounds run concurrently.
//
// The registry entry is fully cleared before StartRound returns, including
// the cancelled flag a concurrent CancelSession may have set.
func (s *Service) StartRound(ctx context.Context, sessionID string, params RoundParams) error {
	log := s.logger.WithSessionID(sessionID)

	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	project, err := s.store.GetProject(ctx, session.ProjectID)
	if err != nil {
		return apperrors.InternalError("failed to load project", err)
	}

	if session.State != models.SessionStateWorking {
		if _, err := s.UpdateSessionState(ctx, sessionID, models.SessionStateWorking, ""); err != nil {
			return err
		}
	}

	externalID := session.ExternalSessionID
	if externalID == "" {
		externalID = session.ID
	}

	// A round owns the registry record for its session. Leftover transient
	// state from an earlier round, such as a cancelled flag set after that
	// round's cleanup, must not carry into this one.
	s.registry.Clear(sessionID)

	result := s.executor.Execute(ctx, executor.ExecuteConfig{
		AgentKind:         session.AgentKind,
		Prompt:            params.Prompt,
		WorkingDir:        project.Path,
		ProcessTrackingID: session.ID,
		ExternalSessionID: externalID,
		Resume:            params.Resume,
		PermissionMode:    params.PermissionMode,
		Model:             params.Model,
		Images:            params.Images,
		OnStart: func(cmd *exec.Cmd) {
			s.registry.SetProcess(session.ID, cmd)
		},
		OnEvent: func(event executor.AgentEvent) {
			s.publishAgentEvent(ctx, session.ID, event)
		},
	})

	cancelled := false
	if rec, ok := s.registry.Get(session.ID); ok {
		cancelled = rec.Cancelled
	}
	// CancelSession already finalized the row and published the terminal
	// event; this round only has to drop the transient record.
	s.registry.Clear(session.ID)
	if cancelled {
		log.Info("round ended by cancellation")
		return nil
	}

	if result.ExternalSessionID != "" && result.ExternalSessionID != session.ExternalSessionID {
		if _, err := s.UpdateSession(ctx, sessionID, map[string]interface{}{
			"external_session_id": result.ExternalSessionID,
		}, true); err != nil {
			log.Warn("failed to store external session id", zap.Error(err))
		}
	}

	if result.Success {
		if _, err := s.UpdateSessionState(ctx, sessionID, models.SessionStateIdle, ""); err != nil {
			return err
		}
	} else {
		if _, err := s.UpdateSessionState(ctx, sessionID, models.SessionStateError, result.ErrorMessage); err != nil {
			return err
		}
	}
	s.publishMessageComplete(ctx, sessionID, false)

	if !result.Success {
		return apperrors.ExecutionFailed(result.ErrorMessage, nil)
	}
	return nil
}

// Event publication. Publish failures are logged, never propagated: the
// store is the system of record and a missed broadcast must not fail the
// operation that already committed.

func (s *Service) publishSessionUpdated(ctx context.Context, session *models.Session) {
	event := bus.NewEvent(events.SessionUpdated, eventSource, map[string]interface{}{
		"session": session,
	})
	if err := s.bus.Publish(ctx, events.BuildSessionSubject(session.ID), event); err != nil {
		s.logger.Warn("failed to publish session.updated",
			zap.String("session_id", session.ID), zap.Error(err))
	}
}

func (s *Service) publishSessionError(ctx context.Context, sessionID string, appErr *apperrors.AppError) {
	event := bus.NewEvent(events.SessionError, eventSource, map[string]interface{}{
		"session_id": sessionID,
		"code":       appErr.Code,
		"message":    appErr.Message,
	})
	if err := s.bus.Publish(ctx, events.BuildSessionSubject(sessionID), event); err != nil {
		s.logger.Warn("failed to publish session.error",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Service) publishMessageComplete(ctx context.Context, sessionID string, cancelled bool) {
	event := bus.NewEvent(events.MessageComplete, eventSource, map[string]interface{}{
		"session_id": sessionID,
		"cancelled":  cancelled,
	})
	if err := s.bus.Publish(ctx, events.BuildSessionSubject(sessionID), event); err != nil {
		s.logger.Warn("failed to publish message.complete",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Service) publishAgentEvent(ctx context.Context, sessionID string, agentEvent executor.AgentEvent) {
	var payload map[string]interface{}
	if len(agentEvent.Raw) > 0 {
		if err := json.Unmarshal(agentEvent.Raw, &payload); err != nil {
			payload = map[string]interface{}{"type": agentEvent.Type}
		}
	}
	event := bus.NewEvent(events.AgentStream, eventSource, payload)
	if err := s.bus.Publish(ctx, events.BuildAgentStreamSubject(sessionID), event); err != nil {
		s.logger.Debug("failed to publish agent stream event",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}
