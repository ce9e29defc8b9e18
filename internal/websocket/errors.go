package websocket

import "errors"

// Connection errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrQueueFull        = errors.New("outbound queue full")
)

// Registry errors
var (
	ErrNilConnection     = errors.New("connection cannot be nil")
	ErrInvalidConnection = errors.New("connection requires user and group ids")
)
