package interfaces

import "errors"

// Common errors shared by the collaborator implementations.
var (
	ErrUnauthenticated = errors.New("credential missing, invalid or expired")
	ErrForbidden       = errors.New("not a member of this group")
	ErrGroupNotFound   = errors.New("group not found")
	ErrGroupExists     = errors.New("group already exists")
	ErrGroupFull       = errors.New("group has reached its maximum size")
	ErrStoreClosed     = errors.New("message store is closed")
)
