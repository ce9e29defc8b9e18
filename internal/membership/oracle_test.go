package membership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupchat/pkg/interfaces"
	"groupchat/pkg/types"
)

type fakeStore struct {
	mu      sync.Mutex
	members map[string]map[string]bool
	events  map[string][]string
	lookups int
	fail    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{members: map[string]map[string]bool{}, events: map[string][]string{}}
}

func (f *fakeStore) CreateGroup(_ context.Context, g *types.Group) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[g.ID] = map[string]bool{}
	f.events[g.EventID] = append(f.events[g.EventID], g.ID)
	return nil
}

func (f *fakeStore) GetGroup(context.Context, string) (*types.Group, error) {
	return nil, interfaces.ErrGroupNotFound
}

func (f *fakeStore) AddMember(_ context.Context, groupID, userID string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[groupID] == nil {
		return interfaces.ErrGroupNotFound
	}
	f.members[groupID][userID] = true
	return nil
}

func (f *fakeStore) RemoveMember(_ context.Context, groupID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.members[groupID], userID)
	return nil
}

func (f *fakeStore) IsMember(_ context.Context, groupID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.fail != nil {
		return false, f.fail
	}
	return f.members[groupID][userID], nil
}

func (f *fakeStore) ListMembers(_ context.Context, groupID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for u := range f.members[groupID] {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeStore) GroupsForEvent(_ context.Context, eventID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[eventID], nil
}

func setup(t *testing.T, ttl time.Duration) (*Oracle, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	ctx := context.Background()
	require.NoError(t, store.CreateGroup(ctx, &types.Group{ID: "g1", EventID: "e1"}))
	require.NoError(t, store.AddMember(ctx, "g1", "u1", 50))
	return NewOracle(store, ttl, nil), store
}

func TestIsMember_UnknownGroup(t *testing.T) {
	o, _ := setup(t, time.Minute)

	ok, err := o.IsMember(context.Background(), "nope", "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsMember_Caches(t *testing.T) {
	o, store := setup(t, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := o.IsMember(ctx, "g1", "u1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, store.lookups)
}

func TestIsMember_Expires(t *testing.T) {
	o, store := setup(t, time.Minute)
	now := time.Now()
	o.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = o.IsMember(ctx, "g1", "u2")
	require.NoError(t, store.AddMember(ctx, "g1", "u2", 50))

	ok, _ := o.IsMember(ctx, "g1", "u2")
	assert.False(t, ok, "negative answer still cached")

	now = now.Add(2 * time.Minute)
	ok, _ = o.IsMember(ctx, "g1", "u2")
	assert.True(t, ok)
}

func TestIsMember_NoCache(t *testing.T) {
	o, store := setup(t, 0)
	ctx := context.Background()

	_, _ = o.IsMember(ctx, "g1", "u1")
	_, _ = o.IsMember(ctx, "g1", "u1")
	assert.Equal(t, 2, store.lookups)
	assert.Empty(t, o.entries)
}

func TestIsMember_StoreError(t *testing.T) {
	o, store := setup(t, time.Minute)
	store.fail = errors.New("disk on fire")

	_, err := o.IsMember(context.Background(), "g1", "u1")
	assert.Error(t, err)
	assert.Empty(t, o.entries)
}

func TestWriteThroughInvalidates(t *testing.T) {
	o, _ := setup(t, time.Minute)
	ctx := context.Background()

	ok, _ := o.IsMember(ctx, "g1", "u2")
	assert.False(t, ok)
	require.NoError(t, o.AddMember(ctx, "g1", "u2", 50))
	ok, _ = o.IsMember(ctx, "g1", "u2")
	assert.True(t, ok)

	require.NoError(t, o.RemoveMember(ctx, "g1", "u2"))
	ok, _ = o.IsMember(ctx, "g1", "u2")
	assert.False(t, ok)

	assert.ErrorIs(t, o.AddMember(ctx, "missing", "u1", 50), interfaces.ErrGroupNotFound)
}

func TestSweep(t *testing.T) {
	o, _ := setup(t, time.Minute)
	now := time.Now()
	o.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = o.IsMember(ctx, "g1", "u1")
	_, _ = o.IsMember(ctx, "g1", "u2")
	assert.Equal(t, 0, o.Sweep())

	now = now.Add(time.Hour)
	assert.Equal(t, 2, o.Sweep())
}

func TestPassThrough(t *testing.T) {
	o, _ := setup(t, time.Minute)
	ctx := context.Background()

	groups, err := o.GroupsForEvent(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, groups)

	members, err := o.Members(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members)
}
