package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/common/errors"
	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/internal/session/models"
	"github.com/codedeck/codedeck/internal/session/reconciler"
	"github.com/codedeck/codedeck/internal/session/service"
	"github.com/codedeck/codedeck/internal/session/store"
)

// Handler contains HTTP handlers for the session manager API
type Handler struct {
	service     *service.Service
	reconcilers map[models.AgentKind]*reconciler.Reconciler
	logger      *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(svc *service.Service, reconcilers map[models.AgentKind]*reconciler.Reconciler, log *logger.Logger) *Handler {
	return &Handler{
		service:     svc,
		reconcilers: reconcilers,
		logger:      log,
	}
}

// respondError writes the error in its AppError form.
func respondError(c *gin.Context, err error) {
	appErr := errors.AsAppError(err)
	c.JSON(appErr.HTTPStatus, appErr)
}

// Session endpoints

// CreateSession creates a session and starts its first execution round
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	session, err := h.service.CreateSession(c.Request.Context(), service.CreateSessionParams{
		ProjectID:         req.ProjectID,
		OwnerID:           req.OwnerID,
		AgentKind:         models.AgentKind(req.AgentKind),
		SessionType:       models.SessionType(req.SessionType),
		ExternalSessionID: req.ExternalSessionID,
	})
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		respondError(c, err)
		return
	}

	// The round outlives this request; its outcome is broadcast on the
	// session's event subject.
	go func() {
		if err := h.service.StartRound(context.Background(), session.ID, service.RoundParams{
			Prompt:         req.Prompt,
			Resume:         req.Resume,
			PermissionMode: req.PermissionMode,
			Model:          req.Model,
		}); err != nil {
			h.logger.Warn("execution round failed",
				zap.String("session_id", session.ID), zap.Error(err))
		}
	}()

	c.JSON(http.StatusCreated, sessionToResponse(session))
}

// GetSession retrieves a session by ID
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		respondError(c, errors.BadRequest("sessionId is required"))
		return
	}

	session, err := h.service.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionToResponse(session))
}

// StartRound starts another execution round on an existing session
// POST /api/v1/sessions/:sessionId/rounds
func (h *Handler) StartRound(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		respondError(c, errors.BadRequest("sessionId is required"))
		return
	}

	var req RoundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	session, err := h.service.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		respondError(c, err)
		return
	}
	if session.OwnerID != req.OwnerID {
		respondError(c, errors.Unauthorized("session is owned by another user"))
		return
	}
	if session.State == models.SessionStateWorking {
		respondError(c, errors.InvalidState("session already has a round in flight"))
		return
	}

	go func() {
		if err := h.service.StartRound(context.Background(), sessionID, service.RoundParams{
			Prompt:         req.Prompt,
			Resume:         true,
			PermissionMode: req.PermissionMode,
			Model:          req.Model,
		}); err != nil {
			h.logger.Warn("execution round failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, sessionToResponse(session))
}

// CancelSession cancels a working session
// POST /api/v1/sessions/:sessionId/cancel
func (h *Handler) CancelSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		respondError(c, errors.BadRequest("sessionId is required"))
		return
	}

	var req CancelSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	if err := h.service.CancelSession(c.Request.Context(), sessionID, req.OwnerID); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, CancelSessionResponse{Success: true})
}

// ArchiveSession archives a session
// POST /api/v1/sessions/:sessionId/archive
func (h *Handler) ArchiveSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		respondError(c, errors.BadRequest("sessionId is required"))
		return
	}

	var req ArchiveSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	session, err := h.service.ArchiveSession(c.Request.Context(), sessionID, req.OwnerID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, sessionToResponse(session))
}

// ListSessions returns all sessions for a project
// GET /api/v1/projects/:projectId/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	projectID := c.Param("projectId")
	if projectID == "" {
		respondError(c, errors.BadRequest("projectId is required"))
		return
	}

	filter := store.SessionFilter{
		AgentKind:       models.AgentKind(c.Query("agent_kind")),
		IncludeInternal: c.Query("include_internal") == "true",
		IncludeArchived: c.Query("include_archived") == "true",
	}

	sessions, err := h.service.ListSessions(c.Request.Context(), projectID, filter)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := SessionsListResponse{
		Sessions: make([]*SessionResponse, len(sessions)),
		Total:    len(sessions),
	}
	for i, s := range sessions {
		resp.Sessions[i] = sessionToResponse(s)
	}

	c.JSON(http.StatusOK, resp)
}

// SyncSessions reconciles a project's transcript directory against the store
// POST /api/v1/projects/:projectId/sessions/sync
func (h *Handler) SyncSessions(c *gin.Context) {
	projectID := c.Param("projectId")
	if projectID == "" {
		respondError(c, errors.BadRequest("projectId is required"))
		return
	}

	var req SyncSessionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	agentKind := models.AgentKind(req.AgentKind)
	if agentKind == "" {
		agentKind = models.AgentKindClaude
	}
	rec, ok := h.reconcilers[agentKind]
	if !ok {
		respondError(c, errors.BadRequest("no reconciler for agent kind: "+string(agentKind)))
		return
	}

	counts, err := rec.SyncProjectSessions(c.Request.Context(), projectID, req.OwnerID)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(c, errors.NotFound("project", projectID))
			return
		}
		h.logger.Error("reconciliation failed",
			zap.String("project_id", projectID), zap.Error(err))
		respondError(c, errors.InternalError("reconciliation failed", err))
		return
	}

	c.JSON(http.StatusOK, SyncSessionsResponse{
		Synced:  counts.Synced,
		Created: counts.Created,
		Updated: counts.Updated,
	})
}

// Project endpoints

// CreateProject registers a new project
// POST /api/v1/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	project, err := h.service.CreateProject(c.Request.Context(), &models.Project{
		Name:    req.Name,
		Path:    req.Path,
		OwnerID: req.OwnerID,
	})
	if err != nil {
		h.logger.Error("failed to create project", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, projectToResponse(project))
}

// ListProjects returns all registered projects
// GET /api/v1/projects
func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.service.ListProjects(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	resp := ProjectsListResponse{
		Projects: make([]*ProjectResponse, len(projects)),
		Total:    len(projects),
	}
	for i, p := range projects {
		resp.Projects[i] = projectToResponse(p)
	}

	c.JSON(http.StatusOK, resp)
}

// HealthCheck reports service liveness
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Helper functions to convert models to response types

func sessionToResponse(s *models.Session) *SessionResponse {
	return &SessionResponse{
		ID:                s.ID,
		ProjectID:         s.ProjectID,
		OwnerID:           s.OwnerID,
		AgentKind:         string(s.AgentKind),
		SessionType:       string(s.SessionType),
		State:             string(s.State),
		ErrorMessage:      s.ErrorMessage,
		ExternalSessionID: s.ExternalSessionID,
		TranscriptPath:    s.TranscriptPath,
		Metadata:          s.Metadata,
		IsArchived:        s.IsArchived,
		ArchivedAt:        s.ArchivedAt,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

func projectToResponse(p *models.Project) *ProjectResponse {
	return &ProjectResponse{
		ID:        p.ID,
		Name:      p.Name,
		Path:      p.Path,
		OwnerID:   p.OwnerID,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
	}
}
