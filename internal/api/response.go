package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/victorivanov/retrosync/internal/coordinator"
	"github.com/victorivanov/retrosync/internal/remote"
	"github.com/victorivanov/retrosync/internal/session"
	"github.com/victorivanov/retrosync/internal/store"
)

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error code and message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeFailedResponse is returned when a durable write failed after the store
// was updated. MessageID names the entry that now carries the failure.
type writeFailedResponse struct {
	Error     ErrorDetail `json:"error"`
	MessageID string      `json:"message_id"`
}

// Error sends a JSON error response.
func Error(c echo.Context, status int, code, message string) error {
	return c.JSON(status, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

// mapError translates session, coordinator and store errors to the error
// envelope.
func mapError(c echo.Context, err error) error {
	var opErr *coordinator.OpError
	if errors.As(err, &opErr) {
		status, code := upstreamStatus(opErr.Err)
		return c.JSON(status, writeFailedResponse{
			Error:     ErrorDetail{Code: code, Message: opErr.Error()},
			MessageID: opErr.MessageID,
		})
	}

	switch {
	case errors.Is(err, session.ErrNoConversation):
		return Error(c, http.StatusConflict, "NO_CONVERSATION", "no conversation is open")
	case errors.Is(err, session.ErrSwitched):
		return Error(c, http.StatusConflict, "SWITCHED", "conversation was switched during load")
	case errors.Is(err, session.ErrEmptyConversation):
		return Error(c, http.StatusBadRequest, "INVALID_ID", "invalid conversation ID")
	case errors.Is(err, coordinator.ErrEmptyMessage):
		return Error(c, http.StatusBadRequest, "INVALID_CONTENT", err.Error())
	case errors.Is(err, coordinator.ErrInvalidAttachment):
		return Error(c, http.StatusBadRequest, "INVALID_ATTACHMENT", err.Error())
	case errors.Is(err, coordinator.ErrEmptyEmoji):
		return Error(c, http.StatusBadRequest, "INVALID_EMOJI", err.Error())
	case errors.Is(err, coordinator.ErrNotConfirmed):
		return Error(c, http.StatusConflict, "NOT_CONFIRMED", err.Error())
	case errors.Is(err, coordinator.ErrNotFailed):
		return Error(c, http.StatusConflict, "NOT_FAILED", err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrRemoved):
		return Error(c, http.StatusNotFound, "NOT_FOUND", "message not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Error(c, http.StatusServiceUnavailable, "CANCELED", err.Error())
	}

	status, code := upstreamStatus(err)
	if status == http.StatusBadGateway {
		return Error(c, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
	return Error(c, status, code, err.Error())
}

// upstreamStatus picks the status for an error returned by the durable API.
// Client errors the server reported are passed through.
func upstreamStatus(err error) (int, string) {
	var httpErr *remote.HTTPStatusError
	if errors.As(err, &httpErr) && httpErr.StatusCode >= 400 && httpErr.StatusCode < 500 {
		code := httpErr.Code
		if code == "" {
			code = http.StatusText(httpErr.StatusCode)
		}
		return httpErr.StatusCode, code
	}
	return http.StatusBadGateway, "UPSTREAM_ERROR"
}
