package interfaces

import (
	"context"
	"time"

	"groupchat/pkg/types"
)

// MessageStore is the durable append-only log of chat messages per group.
type MessageStore interface {
	// StoreMessage appends a message. It must return only after the
	// message is durably recorded; the gateway broadcasts after it returns.
	StoreMessage(ctx context.Context, message *types.ChatMessage) error

	// GroupHistory returns up to limit messages of a group sent strictly
	// before the given time (zero time means now), oldest first.
	GroupHistory(ctx context.Context, groupID string, before time.Time, limit int) ([]*types.ChatMessage, error)
}

// MembershipStore is the persistent side of the membership oracle.
type MembershipStore interface {
	CreateGroup(ctx context.Context, group *types.Group) error
	GetGroup(ctx context.Context, groupID string) (*types.Group, error)
	AddMember(ctx context.Context, groupID, userID string, maxGroupSize int) error
	RemoveMember(ctx context.Context, groupID, userID string) error
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
	ListMembers(ctx context.Context, groupID string) ([]string, error)
	GroupsForEvent(ctx context.Context, eventID string) ([]string, error)
}

// DatabaseManager groups every persistence operation behind one handle.
type DatabaseManager interface {
	MessageStore
	MembershipStore

	// HealthCheck verifies database connectivity and basic operations.
	HealthCheck(ctx context.Context) error

	// Close waits for pending writes and closes the database.
	Close() error
}
