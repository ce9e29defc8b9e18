// Package router handles the frames of an active chat connection: limits,
// persistence and fan-out.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"groupchat/internal/hub"
	"groupchat/internal/logging"
	"groupchat/internal/metrics"
	ws "groupchat/internal/websocket"
	"groupchat/pkg/interfaces"
	"groupchat/pkg/types"
)

// Broadcaster is the part of the hub the router needs.
type Broadcaster interface {
	Broadcast(ctx context.Context, groupID string, frame types.OutboundFrame, opts ...hub.Option) (hub.Result, error)
	Send(conn *ws.Connection, frame types.OutboundFrame) error
}

// Config is the chat policy applied to inbound frames.
type Config struct {
	MaxBodyLength       int
	TypingExcludeSender bool
	TypingPerSecond     float64
	TypingBurst         int
}

// Router persists then broadcasts chat messages, relays typing
// notifications and answers pings.
type Router struct {
	store   interfaces.MessageStore
	hub     Broadcaster
	limiter Limiter
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	typingMu sync.Mutex
	typing   map[string]*rate.Limiter // connID -> bucket
}

// NewRouter wires a router.
func NewRouter(store interfaces.MessageStore, b Broadcaster, limiter Limiter, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Router {
	return &Router{
		store:   store,
		hub:     b,
		limiter: limiter,
		config:  cfg,
		metrics: m,
		logger:  logging.OrNop(logger).Named("router"),
		now:     time.Now,
		typing:  make(map[string]*rate.Limiter),
	}
}

// Route handles one parsed frame from conn. Rejections are reported to the
// sender as error frames and returned; they never affect other members.
func (r *Router) Route(ctx context.Context, conn *ws.Connection, frame *types.InboundFrame) error {
	switch frame.Type {
	case types.FrameMessage:
		return r.handleMessage(ctx, conn, frame.Body)
	case types.FrameTyping:
		return r.handleTyping(ctx, conn)
	case types.FramePing:
		return r.hub.Send(conn, types.PongFrame())
	default:
		r.reject(conn, types.CodeInvalidFrame, "unknown frame type")
		return types.ErrUnknownFrame
	}
}

func (r *Router) handleMessage(ctx context.Context, conn *ws.Connection, body string) error {
	body = strings.TrimSpace(body)
	if err := types.ValidateBody(body, r.config.MaxBodyLength); err != nil {
		if errors.Is(err, types.ErrBodyTooLong) {
			r.reject(conn, types.CodeMessageTooLong,
				fmt.Sprintf("message exceeds %d characters", r.config.MaxBodyLength))
		} else {
			r.reject(conn, types.CodeInvalidFrame, "message body is empty")
		}
		return err
	}

	allowed, err := r.limiter.Allow(ctx, conn.UserID)
	if err != nil {
		r.logger.Error("rate limiter failed", zap.String("user_id", conn.UserID), zap.Error(err))
		r.reject(conn, types.CodeInternal, "message could not be processed")
		return err
	}
	if !allowed {
		r.reject(conn, types.CodeRateLimited,
			fmt.Sprintf("limit of %d messages per minute exceeded", r.limiter.Limit()))
		return ErrRateLimited
	}

	msg := &types.ChatMessage{
		ID:       uuid.NewString(),
		GroupID:  conn.GroupID,
		SenderID: conn.UserID,
		Body:     body,
		SentAt:   r.now().UTC(),
		Kind:     types.KindNormal,
	}

	if _, err := r.Publish(ctx, msg); err != nil {
		if errors.Is(err, ErrPersistenceFailed) {
			r.reject(conn, types.CodePersistenceFailed, "message could not be stored")
		}
		return err
	}
	return nil
}

// Publish stores msg and then broadcasts it to the whole group, sender
// included. Nothing is broadcast when the store fails. Typing messages are
// broadcast without being stored.
func (r *Router) Publish(ctx context.Context, msg *types.ChatMessage) (hub.Result, error) {
	if err := msg.Validate(r.config.MaxBodyLength); err != nil {
		return hub.Result{}, err
	}

	if msg.Persistent() {
		if err := r.store.StoreMessage(ctx, msg); err != nil {
			r.logger.Error("failed to persist message",
				zap.String("group_id", msg.GroupID),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			return hub.Result{}, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
		}
	}
	r.metrics.MessageAccepted(msg.Kind)

	res, err := r.hub.Broadcast(ctx, msg.GroupID, types.MessageFrame(msg))
	if err != nil {
		r.logger.Warn("broadcast failed after persist",
			zap.String("group_id", msg.GroupID),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return res, fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	return res, nil
}

func (r *Router) handleTyping(ctx context.Context, conn *ws.Connection) error {
	if !r.typingBucket(conn.ID).Allow() {
		return nil
	}

	var opts []hub.Option
	if r.config.TypingExcludeSender {
		opts = append(opts, hub.ExcludeConnection(conn.ID))
	}
	_, err := r.hub.Broadcast(ctx, conn.GroupID, types.TypingFrame(conn.GroupID, conn.UserID), opts...)
	return err
}

func (r *Router) typingBucket(connID string) *rate.Limiter {
	r.typingMu.Lock()
	defer r.typingMu.Unlock()

	l, ok := r.typing[connID]
	if !ok {
		perSecond, burst := r.config.TypingPerSecond, r.config.TypingBurst
		if perSecond <= 0 {
			perSecond = 5
		}
		if burst <= 0 {
			burst = 10
		}
		l = rate.NewLimiter(rate.Limit(perSecond), burst)
		r.typing[connID] = l
	}
	return l
}

// Forget drops per-connection state once the connection is gone.
func (r *Router) Forget(connID string) {
	r.typingMu.Lock()
	delete(r.typing, connID)
	r.typingMu.Unlock()
}

// Reject sends an error frame to conn alone.
func (r *Router) Reject(conn *ws.Connection, code, detail string) {
	r.reject(conn, code, detail)
}

func (r *Router) reject(conn *ws.Connection, code, detail string) {
	r.metrics.FrameRejected(code)
	if err := r.hub.Send(conn, types.ErrorFrame(code, detail)); err != nil {
		r.logger.Debug("could not deliver error frame",
			zap.String("conn_id", conn.ID),
			zap.String("code", code),
			zap.Error(err),
		)
	}
}
