package router

import (
	"context"
	"sync"
	"time"
)

// Limiter is a per-user check-and-increment message counter.
type Limiter interface {
	// Allow counts one message for userID and reports whether it fits in
	// the current window.
	Allow(ctx context.Context, userID string) (bool, error)
	// Limit is the number of messages allowed per window.
	Limit() int
}

// MemoryLimiter is a fixed-window limiter local to this process. The first
// message of a user opens a window; exactly limit messages are allowed until
// the window has fully elapsed.
type MemoryLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
	limit   int
	window  time.Duration
	now     func() time.Time
}

type clientWindow struct {
	count int
	start time.Time
}

// NewMemoryLimiter allows limit messages per window per user.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		clients: make(map[string]*clientWindow),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

func (l *MemoryLimiter) Limit() int { return l.limit }

func (l *MemoryLimiter) Allow(_ context.Context, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.clients[userID]
	if !ok || now.Sub(w.start) >= l.window {
		l.clients[userID] = &clientWindow{count: 1, start: now}
		return l.limit > 0, nil
	}

	if w.count >= l.limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// Cleanup forgets users whose window has elapsed and who have no live
// connection according to isActive. It returns how many were removed.
func (l *MemoryLimiter) Cleanup(isActive func(userID string) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for userID, w := range l.clients {
		if now.Sub(w.start) < l.window {
			continue
		}
		if isActive != nil && isActive(userID) {
			continue
		}
		delete(l.clients, userID)
		removed++
	}
	return removed
}

// Tracked is the number of users with limiter state.
func (l *MemoryLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
