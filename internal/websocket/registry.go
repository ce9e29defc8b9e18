package websocket

import (
	"sort"
	"sync"
)

// Registry tracks every live connection by id, by group and by user. A
// single RWMutex guards all three indexes so a connection is either in all
// of them or in none.
type Registry struct {
	mu      sync.RWMutex
	byID    map[string]*Connection
	byGroup map[string]map[string]*Connection // groupID -> connID -> conn
	byUser  map[string]map[string]*Connection // userID -> connID -> conn
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections int `json:"connections"`
	Groups      int `json:"groups"`
	Users       int `json:"users"`
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:    make(map[string]*Connection),
		byGroup: make(map[string]map[string]*Connection),
		byUser:  make(map[string]map[string]*Connection),
	}
}

// Register adds conn. A user may hold many connections, in the same group
// or in different ones. Registering the same connection twice is a no-op.
func (r *Registry) Register(conn *Connection) (string, error) {
	if conn == nil {
		return "", ErrNilConnection
	}
	if conn.ID == "" || conn.UserID == "" || conn.GroupID == "" {
		return "", ErrInvalidConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[conn.ID]; exists {
		return conn.ID, nil
	}

	r.byID[conn.ID] = conn
	add(r.byGroup, conn.GroupID, conn)
	add(r.byUser, conn.UserID, conn)

	return conn.ID, nil
}

// Unregister removes the connection and reports whether it was present.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.byID[connID]
	if !exists {
		return false
	}

	delete(r.byID, connID)
	remove(r.byGroup, conn.GroupID, connID)
	remove(r.byUser, conn.UserID, connID)
	return true
}

func add(index map[string]map[string]*Connection, key string, conn *Connection) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]*Connection)
		index[key] = set
	}
	set[conn.ID] = conn
}

func remove(index map[string]map[string]*Connection, key, connID string) {
	if set, ok := index[key]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

// MembersOf returns the ids of the group's live connections, sorted. Unknown
// groups yield an empty slice.
func (r *Registry) MembersOf(groupID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byGroup[groupID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the group's live connections, ordered by id.
func (r *Registry) Snapshot(groupID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byGroup[groupID]
	conns := make([]*Connection, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}

// All returns every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	return conns
}

// Lookup finds a connection by id.
func (r *Registry) Lookup(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.byID[connID]
	return conn, ok
}

// UserConnectionCount counts the user's live connections across groups.
func (r *Registry) UserConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

// HasUser reports whether the user has at least one live connection.
func (r *Registry) HasUser(userID string) bool {
	return r.UserConnectionCount(userID) > 0
}

// GroupCount is the number of groups with at least one live connection.
func (r *Registry) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byGroup)
}

// Stats returns registry counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Connections: len(r.byID),
		Groups:      len(r.byGroup),
		Users:       len(r.byUser),
	}
}
