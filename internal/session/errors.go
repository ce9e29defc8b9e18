package session

import "errors"

var (
	ErrShuttingDown     = errors.New("gateway is shutting down")
	ErrTooManyMalformed = errors.New("too many malformed frames")
)
