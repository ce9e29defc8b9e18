// Package hub fans chat frames out to every live connection of a group.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"groupchat/internal/logging"
	"groupchat/internal/metrics"
	ws "groupchat/internal/websocket"
	"groupchat/pkg/types"
)

// Result counts the outcome of one broadcast.
type Result struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
}

// Option adjusts a single broadcast.
type Option func(*broadcastOptions)

type broadcastOptions struct {
	exclude string
}

// ExcludeConnection skips one connection, typically the sender's own socket.
func ExcludeConnection(connID string) Option {
	return func(o *broadcastOptions) { o.exclude = connID }
}

// Hub is the broadcast engine. Frames for one group are enqueued under that
// group's lock, and every connection drains its queue on a single writer,
// so members observe a group's frames in the order they were broadcast.
// Different groups never wait on each other.
type Hub struct {
	registry *ws.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*groupLock

	running bool
	mu      sync.RWMutex
}

type groupLock struct {
	mu   sync.Mutex
	refs int
}

// NewHub creates a hub over registry. The hub starts stopped.
func NewHub(registry *ws.Registry, m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		registry: registry,
		metrics:  m,
		logger:   logging.OrNop(logger).Named("hub"),
		locks:    make(map[string]*groupLock),
	}
}

// Start enables broadcasting.
func (h *Hub) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.logger.Info("hub started")
	return nil
}

// Stop rejects further broadcasts. Broadcasts already in progress finish.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false
	h.logger.Info("hub stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Broadcast delivers frame to every live connection of groupID. A
// connection whose queue is full or that is already closing is unregistered
// and closed; the rest of the group still gets the frame. An empty group is
// not an error.
func (h *Hub) Broadcast(ctx context.Context, groupID string, frame types.OutboundFrame, opts ...Option) (Result, error) {
	if groupID == "" {
		return Result{}, ErrInvalidGroup
	}
	if !h.IsRunning() {
		return Result{}, ErrHubNotRunning
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var o broadcastOptions
	for _, opt := range opts {
		opt(&o)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode %s frame: %w", frame.Type, err)
	}

	start := time.Now()
	unlock := h.lockGroup(groupID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var res Result
	for _, conn := range h.registry.Snapshot(groupID) {
		if conn.ID == o.exclude {
			continue
		}
		if err := conn.Enqueue(data); err != nil {
			res.Failed++
			h.drop(conn, err)
			continue
		}
		res.Delivered++
	}

	h.metrics.Fanout(res.Delivered, res.Failed, time.Since(start))
	return res, nil
}

// Send enqueues frame to a single connection, applying the same isolation
// policy as Broadcast.
func (h *Hub) Send(conn *ws.Connection, frame types.OutboundFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", frame.Type, err)
	}
	if err := conn.Enqueue(data); err != nil {
		h.drop(conn, err)
		return err
	}
	return nil
}

func (h *Hub) drop(conn *ws.Connection, cause error) {
	h.registry.Unregister(conn.ID)
	if cause == ws.ErrQueueFull {
		h.logger.Warn("dropping slow connection",
			zap.String("conn_id", conn.ID),
			zap.String("user_id", conn.UserID),
			zap.String("group_id", conn.GroupID),
		)
		conn.Close(websocket.CloseTryAgainLater, "slow consumer")
		return
	}
	h.logger.Debug("skipping closed connection",
		zap.String("conn_id", conn.ID),
		zap.Error(cause),
	)
	conn.Close(websocket.CloseGoingAway, "")
}

// lockGroup takes the group's broadcast lock and returns its release. Locks
// are reference counted and removed once no broadcast holds or waits on them.
func (h *Hub) lockGroup(groupID string) func() {
	h.locksMu.Lock()
	l, ok := h.locks[groupID]
	if !ok {
		l = &groupLock{}
		h.locks[groupID] = l
	}
	l.refs++
	h.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		h.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.locks, groupID)
		}
		h.locksMu.Unlock()
	}
}
