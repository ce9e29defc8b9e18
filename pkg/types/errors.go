package types

import "errors"

var (
	ErrMalformedFrame  = errors.New("frame is not valid JSON")
	ErrUnknownFrame    = errors.New("unknown or missing frame type")
	ErrEmptyBody       = errors.New("message body cannot be empty")
	ErrBodyTooLong     = errors.New("message body exceeds maximum length")
	ErrInvalidID       = errors.New("identifier must be 1-64 characters, alphanumeric + underscore/hyphen/dot only")
	ErrInvalidKind     = errors.New("invalid message kind")
	ErrInvalidLocation = errors.New("location out of range")
)
