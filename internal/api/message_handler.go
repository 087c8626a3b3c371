package api

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/retrosync/internal/coordinator"
)

// MessageHandler serves the local user's writes.
type MessageHandler struct {
	session Session
}

// NewMessageHandler creates a MessageHandler.
func NewMessageHandler(s Session) *MessageHandler {
	return &MessageHandler{session: s}
}

type starResponse struct {
	StarredBy []string `json:"starred_by"`
}

// SendMessage handles POST /api/v1/messages.
func (h *MessageHandler) SendMessage(c echo.Context) error {
	var req coordinator.SendInput
	if err := c.Bind(&req); err != nil {
		return Error(c, http.StatusBadRequest, "INVALID_BODY", "invalid request body")
	}

	msg, err := h.session.Send(c.Request().Context(), req)
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusCreated, msg)
}

// RetryMessage handles POST /api/v1/messages/:id/retry.
func (h *MessageHandler) RetryMessage(c echo.Context) error {
	msg, err := h.session.Retry(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, msg)
}

// DismissMessage handles DELETE /api/v1/messages/:id/failed.
func (h *MessageHandler) DismissMessage(c echo.Context) error {
	if err := h.session.Dismiss(c.Param("id")); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ToggleReaction handles PUT /api/v1/messages/:id/reactions/:emoji.
func (h *MessageHandler) ToggleReaction(c echo.Context) error {
	emoji, err := url.PathUnescape(c.Param("emoji"))
	if err != nil || emoji == "" {
		return Error(c, http.StatusBadRequest, "INVALID_EMOJI", "invalid emoji")
	}

	if err := h.session.ToggleReaction(c.Request().Context(), c.Param("id"), emoji); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ToggleStar handles PUT /api/v1/messages/:id/star.
func (h *MessageHandler) ToggleStar(c echo.Context) error {
	starred, err := h.session.ToggleStar(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapError(c, err)
	}
	return c.JSON(http.StatusOK, starResponse{StarredBy: starred})
}

// DeleteMessage handles DELETE /api/v1/messages/:id.
func (h *MessageHandler) DeleteMessage(c echo.Context) error {
	if err := h.session.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
