package interfaces

import "context"

// Identity is what the gateway knows about an authenticated caller.
type Identity struct {
	UserID   string
	Username string
	Roles    []string
}

// IdentityVerifier turns a bearer credential into a user identity.
// Implementations return ErrUnauthenticated for any rejected credential;
// callers never fall back to an anonymous identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}
