// Package membership answers "is this user in this group" for the chat path.
package membership

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"groupchat/internal/logging"
	"groupchat/pkg/interfaces"
)

// Oracle is a read-through cache in front of the membership store. Both
// positive and negative answers are cached for the TTL; a zero TTL disables
// caching.
type Oracle struct {
	store  interfaces.MembershipStore
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[key]entry
}

type key struct {
	groupID string
	userID  string
}

type entry struct {
	member  bool
	expires time.Time
}

var _ interfaces.MembershipOracle = (*Oracle)(nil)

// NewOracle wraps store.
func NewOracle(store interfaces.MembershipStore, ttl time.Duration, logger *zap.Logger) *Oracle {
	return &Oracle{
		store:   store,
		ttl:     ttl,
		logger:  logging.OrNop(logger).Named("membership"),
		now:     time.Now,
		entries: make(map[key]entry),
	}
}

// IsMember reports (false, nil) for unknown groups.
func (o *Oracle) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	k := key{groupID: groupID, userID: userID}

	if o.ttl > 0 {
		o.mu.RLock()
		e, ok := o.entries[k]
		o.mu.RUnlock()
		if ok && o.now().Before(e.expires) {
			return e.member, nil
		}
	}

	member, err := o.store.IsMember(ctx, groupID, userID)
	if err != nil {
		return false, fmt.Errorf("membership lookup failed: %w", err)
	}

	if o.ttl > 0 {
		o.mu.Lock()
		o.entries[k] = entry{member: member, expires: o.now().Add(o.ttl)}
		o.mu.Unlock()
	}
	return member, nil
}

// Members is never cached.
func (o *Oracle) Members(ctx context.Context, groupID string) ([]string, error) {
	return o.store.ListMembers(ctx, groupID)
}

// GroupsForEvent is never cached; the alert path must see groups created
// moments before.
func (o *Oracle) GroupsForEvent(ctx context.Context, eventID string) ([]string, error) {
	return o.store.GroupsForEvent(ctx, eventID)
}

// AddMember writes through to the store and drops the cached answer.
func (o *Oracle) AddMember(ctx context.Context, groupID, userID string, maxGroupSize int) error {
	if err := o.store.AddMember(ctx, groupID, userID, maxGroupSize); err != nil {
		return err
	}
	o.forget(groupID, userID)
	o.logger.Info("member added", zap.String("group_id", groupID), zap.String("user_id", userID))
	return nil
}

// RemoveMember writes through to the store and drops the cached answer.
// Live connections of the user are not closed.
func (o *Oracle) RemoveMember(ctx context.Context, groupID, userID string) error {
	if err := o.store.RemoveMember(ctx, groupID, userID); err != nil {
		return err
	}
	o.forget(groupID, userID)
	o.logger.Info("member removed", zap.String("group_id", groupID), zap.String("user_id", userID))
	return nil
}

func (o *Oracle) forget(groupID, userID string) {
	o.mu.Lock()
	delete(o.entries, key{groupID: groupID, userID: userID})
	o.mu.Unlock()
}

// Sweep drops expired cache entries and returns how many were removed.
func (o *Oracle) Sweep() int {
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for k, e := range o.entries {
		if !now.Before(e.expires) {
			delete(o.entries, k)
			removed++
		}
	}
	return removed
}
