package loopback

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal")
)

// Error wraps a sentinel error with a code and message, the way the server
// reports a failed request.
type Error struct {
	Err     error
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }
func (e *Error) Unwrap() error { return e.Err }

// NewError creates an Error wrapping the given sentinel.
func NewError(sentinel error, code, message string) *Error {
	return &Error{Err: sentinel, Code: code, Message: message}
}

func notFound(message string) *Error {
	return NewError(ErrNotFound, "NOT_FOUND", message)
}

func forbidden(message string) *Error {
	return NewError(ErrForbidden, "FORBIDDEN", message)
}

func badRequest(code, message string) *Error {
	return NewError(ErrBadRequest, code, message)
}
