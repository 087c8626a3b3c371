package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/retrosync/internal/models"
	"github.com/victorivanov/retrosync/internal/session"
)

// ConversationHandler serves the open conversation and connectivity.
type ConversationHandler struct {
	session Session
}

// NewConversationHandler creates a ConversationHandler.
func NewConversationHandler(s Session) *ConversationHandler {
	return &ConversationHandler{session: s}
}

type conversationResponse struct {
	Status   session.Status `json:"status"`
	Messages []models.View  `json:"messages"`
}

func (h *ConversationHandler) current() conversationResponse {
	return conversationResponse{
		Status:   h.session.Status(),
		Messages: h.session.Snapshot(),
	}
}

// GetStatus handles GET /api/v1/status.
func (h *ConversationHandler) GetStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.session.Status())
}

// GetConversation handles GET /api/v1/conversation.
func (h *ConversationHandler) GetConversation(c echo.Context) error {
	return c.JSON(http.StatusOK, h.current())
}

// SwitchConversation handles PUT /api/v1/conversation/:id.
func (h *ConversationHandler) SwitchConversation(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return Error(c, http.StatusBadRequest, "INVALID_ID", "invalid conversation ID")
	}

	if err := h.session.Open(c.Request().Context(), id); err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, h.current())
}

// ReloadConversation handles POST /api/v1/conversation/reload.
func (h *ConversationHandler) ReloadConversation(c echo.Context) error {
	if err := h.session.Reload(c.Request().Context()); err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, h.current())
}
