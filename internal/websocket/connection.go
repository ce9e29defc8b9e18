// Package websocket owns chat sockets: the per-connection writer and the
// registry of live connections.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"groupchat/internal/logging"
)

// Transport is the write side of a socket. *websocket.Conn satisfies it.
// WriteControl and Close may be called concurrently with WriteMessage.
type Transport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Options tune a Connection.
type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
	// PingInterval of zero disables heartbeats.
	PingInterval time.Duration
	Logger       *zap.Logger
}

// DefaultOptions matches the gateway defaults.
func DefaultOptions() Options {
	return Options{
		QueueSize:    256,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Connection is one authenticated chat socket bound to one group. All writes
// to the transport happen on a single writer goroutine draining a bounded
// queue, so frames reach the client in enqueue order.
type Connection struct {
	ID        string
	UserID    string
	GroupID   string
	CreatedAt time.Time

	transport    Transport
	send         chan []byte
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closing   chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	closeCode int
	closeMsg  string
}

// NewConnection wraps transport and starts the writer.
func NewConnection(transport Transport, userID, groupID string, opts Options) *Connection {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultOptions().WriteTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	c := &Connection{
		ID:           id,
		UserID:       userID,
		GroupID:      groupID,
		CreatedAt:    time.Now(),
		transport:    transport,
		send:         make(chan []byte, opts.QueueSize),
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		logger: logging.OrNop(opts.Logger).With(
			zap.String("conn_id", id),
			zap.String("user_id", userID),
			zap.String("group_id", groupID),
		),
		ctx:       ctx,
		cancel:    cancel,
		closing:   make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}

	go c.writeLoop()
	return c
}

// Enqueue hands data to the writer without blocking. A full queue returns
// ErrQueueFull and the caller decides whether to drop the connection.
func (c *Connection) Enqueue(data []byte) error {
	select {
	case <-c.closing:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.closing:
		return ErrConnectionClosed
	default:
		return ErrQueueFull
	}
}

// Done is closed once the writer has stopped and the transport is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Context is canceled when the connection is gone.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Close asks the writer to flush what is already queued, send a close frame
// with code and reason, and close the transport. Only the first call has an
// effect; Close never blocks on the network.
func (c *Connection) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeMsg = reason
		c.mu.Unlock()
		close(c.closing)
	})
}

// IsClosed reports whether Close was called or the writer has failed.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *Connection) writeLoop() {
	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	defer c.shutdown()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.logger.Debug("socket write failed", zap.Error(err))
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ping:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.transport.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.closing:
			c.flush()
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	if err := c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.transport.WriteMessage(websocket.TextMessage, data)
}

// flush writes whatever was queued before Close.
func (c *Connection) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) shutdown() {
	c.mu.Lock()
	code, reason := c.closeCode, c.closeMsg
	c.mu.Unlock()

	if code != websocket.CloseAbnormalClosure {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.transport.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	_ = c.transport.Close()
	c.cancel()
}
