package router

import "errors"

var (
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrLimiterUnavailable = errors.New("rate limiter unavailable")
	ErrPersistenceFailed  = errors.New("message could not be stored")
	ErrBroadcastFailed    = errors.New("message stored but broadcast failed")
)
