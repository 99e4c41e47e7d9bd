package api

import (
	"github.com/gin-gonic/gin"

	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/internal/session/models"
	"github.com/codedeck/codedeck/internal/session/reconciler"
	"github.com/codedeck/codedeck/internal/session/service"
)

// SetupRoutes configures the session manager API routes
func SetupRoutes(router *gin.RouterGroup, svc *service.Service, reconcilers map[models.AgentKind]*reconciler.Reconciler, log *logger.Logger) {
	handler := NewHandler(svc, reconcilers, log)

	// Session routes
	sessions := router.Group("/sessions")
	{
		sessions.POST("", handler.CreateSession)
		sessions.GET("/:sessionId", handler.GetSession)
		sessions.POST("/:sessionId/rounds", handler.StartRound)
		sessions.POST("/:sessionId/cancel", handler.CancelSession)
		sessions.POST("/:sessionId/archive", handler.ArchiveSession)
	}

	// Project routes
	projects := router.Group("/projects")
	{
		projects.POST("", handler.CreateProject)
		projects.GET("", handler.ListProjects)
		projects.GET("/:projectId/sessions", handler.ListSessions)
		projects.POST("/:projectId/sessions/sync", handler.SyncSessions)
	}
}
