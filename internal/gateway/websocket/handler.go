package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codedeck/codedeck/internal/common/errors"
	"github.com/codedeck/codedeck/internal/common/logger"
	"github.com/codedeck/codedeck/internal/events/bus"
	"github.com/codedeck/codedeck/internal/session/service"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checks belong to the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests into session event feeds.
type Handler struct {
	service *service.Service
	bus     bus.EventBus
	logger  *logger.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(svc *service.Service, eventBus bus.EventBus, log *logger.Logger) *Handler {
	return &Handler{
		service: svc,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "ws-gateway")),
	}
}

// Serve handles GET /ws/sessions/:sessionId
func (h *Handler) Serve(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if sessionID == "" {
		appErr := errors.BadRequest("sessionId is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	// Reject feeds for sessions that do not exist before upgrading.
	if _, err := h.service.GetSession(c.Request.Context(), sessionID); err != nil {
		appErr := errors.AsAppError(err)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	client := NewClient(sessionID, conn, h.bus, h.logger)
	if err := client.Start(); err != nil {
		h.logger.Error("failed to start session feed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	h.logger.Debug("session feed opened", zap.String("session_id", sessionID))
}
