package reconcile

import "errors"

var (
	errMissingMessage = errors.New("reconcile: event has no message")
	errUnknownEvent   = errors.New("reconcile: unknown event type")
)
