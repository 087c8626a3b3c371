package coordinator

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage      = errors.New("message must have content or attachments")
	ErrInvalidAttachment = errors.New("invalid attachment")
	ErrEmptyEmoji        = errors.New("emoji must not be empty")
	ErrNotConfirmed      = errors.New("message is not confirmed")
	ErrNotFailed         = errors.New("message has not failed")
)

// Op names a user-initiated write.
type Op string

const (
	OpSend     Op = "send"
	OpRetry    Op = "retry"
	OpReaction Op = "reaction"
	OpStar     Op = "star"
	OpDelete   Op = "delete"
)

// OpError reports a durable write that failed. The store has already been
// updated to reflect the failure when it is returned.
type OpError struct {
	Op        Op
	MessageID string
	Err       error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.MessageID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
