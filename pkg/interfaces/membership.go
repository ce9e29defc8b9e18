package interfaces

import "context"

// MembershipOracle answers authorization and fan-out targeting questions.
// The gateway never mutates membership through this interface.
type MembershipOracle interface {
	// IsMember reports whether userID belongs to groupID. An unknown group
	// is reported as (false, nil) so callers cannot tell it apart from a
	// group the user is not in.
	IsMember(ctx context.Context, groupID, userID string) (bool, error)

	// Members lists the user IDs of a group.
	Members(ctx context.Context, groupID string) ([]string, error)

	// GroupsForEvent resolves an event to the chat groups scoped to it.
	GroupsForEvent(ctx context.Context, eventID string) ([]string, error)
}
