// Package session runs the lifecycle of a chat socket: handshake, history
// replay, the read loop and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"groupchat/internal/auth"
	"groupchat/internal/logging"
	"groupchat/internal/metrics"
	ws "groupchat/internal/websocket"
	"groupchat/pkg/interfaces"
	"groupchat/pkg/types"
)

// FrameRouter handles frames of an active connection.
type FrameRouter interface {
	Route(ctx context.Context, conn *ws.Connection, frame *types.InboundFrame) error
	Reject(conn *ws.Connection, code, detail string)
	Forget(connID string)
}

// Sender delivers a frame to one connection.
type Sender interface {
	Send(conn *ws.Connection, frame types.OutboundFrame) error
}

// Config tunes chat sockets.
type Config struct {
	PingInterval       time.Duration
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	SendQueueSize      int
	MaxFrameBytes      int64
	HistoryReplay      int
	MaxMalformedFrames int
	// AllowedOrigins empty means any origin.
	AllowedOrigins []string
}

// Handler upgrades authorized requests to chat sockets.
type Handler struct {
	verifier interfaces.IdentityVerifier
	oracle   interfaces.MembershipOracle
	history  interfaces.MessageStore
	registry *ws.Registry
	router   FrameRouter
	sender   Sender
	config   Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader

	sessions sync.WaitGroup
	mu       sync.RWMutex
	closing  bool
}

// NewHandler wires a handler.
func NewHandler(
	verifier interfaces.IdentityVerifier,
	oracle interfaces.MembershipOracle,
	history interfaces.MessageStore,
	registry *ws.Registry,
	router FrameRouter,
	sender Sender,
	cfg Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Handler {
	h := &Handler{
		verifier: verifier,
		oracle:   oracle,
		history:  history,
		registry: registry,
		router:   router,
		sender:   sender,
		config:   cfg,
		metrics:  m,
		logger:   logging.OrNop(logger).Named("session"),
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || lo.Contains(h.config.AllowedOrigins, origin)
}

// ServeHTTP handles GET /ws?group_id=G and GET /ws/groups/{groupID}.
// Credential failures are answered with 401 and membership failures with
// 403 before any upgrade; unknown groups look exactly like groups the user
// is not in.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closing := h.closing
	if !closing {
		h.sessions.Add(1)
	}
	h.mu.RUnlock()
	if closing {
		http.Error(w, ErrShuttingDown.Error(), http.StatusServiceUnavailable)
		return
	}
	defer h.sessions.Done()

	var state stateMachine

	groupID := r.PathValue("groupID")
	if groupID == "" {
		groupID = r.URL.Query().Get("group_id")
	}

	identity, err := h.verifier.Verify(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		if !auth.IsUnauthenticated(err) {
			h.metrics.Handshake("error")
			h.logger.Error("identity verification failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		h.metrics.Handshake("unauthorized")
		h.logger.Debug("handshake rejected", zap.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	state.Advance(StateAuthenticated)

	if !types.IsValidID(groupID) {
		h.metrics.Handshake("forbidden")
		http.Error(w, interfaces.ErrForbidden.Error(), http.StatusForbidden)
		return
	}
	member, err := h.oracle.IsMember(r.Context(), groupID, identity.UserID)
	if err != nil {
		h.metrics.Handshake("error")
		h.logger.Error("membership check failed",
			zap.String("group_id", groupID),
			zap.String("user_id", identity.UserID),
			zap.Error(err),
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !member {
		h.metrics.Handshake("forbidden")
		http.Error(w, interfaces.ErrForbidden.Error(), http.StatusForbidden)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.metrics.Handshake("error")
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	h.metrics.Handshake("accepted")

	conn := ws.NewConnection(wsConn, identity.UserID, groupID, ws.Options{
		QueueSize:    h.config.SendQueueSize,
		WriteTimeout: h.config.WriteTimeout,
		PingInterval: h.config.PingInterval,
		Logger:       h.logger,
	})

	s := &chatSession{
		handler: h,
		socket:  wsConn,
		conn:    conn,
		state:   &state,
		logger: h.logger.With(
			zap.String("conn_id", conn.ID),
			zap.String("user_id", conn.UserID),
			zap.String("group_id", conn.GroupID),
		),
	}
	s.run()
}

// Shutdown stops accepting sockets, closes every live connection with
// 1001 and waits for their teardown or for ctx.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()

	for _, conn := range h.registry.All() {
		conn.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isClosing reports whether Shutdown has started.
func (h *Handler) isClosing() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closing
}

// chatSession is one upgraded socket.
type chatSession struct {
	handler  *Handler
	socket   *websocket.Conn
	conn     *ws.Connection
	state    *stateMachine
	logger   *zap.Logger
	teardown sync.Once
}

func (s *chatSession) run() {
	defer s.close(websocket.CloseNormalClosure, "")

	h := s.handler
	if _, err := h.registry.Register(s.conn); err != nil {
		s.logger.Error("register failed", zap.Error(err))
		return
	}
	// Shutdown may have taken its registry snapshot before this Register.
	if h.isClosing() {
		s.close(websocket.CloseGoingAway, ErrShuttingDown.Error())
		return
	}
	s.state.Advance(StateJoined)
	h.metrics.ConnectionOpened()
	s.logger.Info("connection joined")

	s.replayHistory()

	s.state.Advance(StateActive)
	s.readLoop()
}

// replayHistory sends the most recent persisted messages of the group to
// this connection only, followed by history_complete.
func (s *chatSession) replayHistory() {
	h := s.handler
	if h.config.HistoryReplay > 0 {
		ctx, cancel := context.WithTimeout(s.conn.Context(), 5*time.Second)
		messages, err := h.history.GroupHistory(ctx, s.conn.GroupID, time.Time{}, h.config.HistoryReplay)
		cancel()
		if err != nil {
			s.logger.Warn("history unavailable", zap.Error(err))
			_ = h.sender.Send(s.conn, types.SystemFrame("history_unavailable", "message history could not be loaded"))
			return
		}
		for _, m := range messages {
			frame := types.MessageFrame(m)
			frame.Replay = true
			if err := h.sender.Send(s.conn, frame); err != nil {
				return
			}
		}
	}
	_ = h.sender.Send(s.conn, types.SystemFrame("history_complete", ""))
}

func (s *chatSession) readLoop() {
	h := s.handler
	timeout := h.config.ReadTimeout
	extend := func() {
		if timeout > 0 {
			_ = s.socket.SetReadDeadline(time.Now().Add(timeout))
		}
	}
	extend()
	s.socket.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	malformed := 0
	for {
		messageType, data, oversized, err := s.readFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		extend()

		if oversized {
			h.router.Reject(s.conn, types.CodeMessageTooLong,
				fmt.Sprintf("frame exceeds %d bytes", h.config.MaxFrameBytes))
			continue
		}

		var frame *types.InboundFrame
		if messageType == websocket.TextMessage {
			frame, err = types.ParseInboundFrame(data)
		} else {
			err = types.ErrMalformedFrame
		}
		if err != nil {
			malformed++
			h.router.Reject(s.conn, types.CodeInvalidFrame, detailFor(err))
			if h.config.MaxMalformedFrames > 0 && malformed >= h.config.MaxMalformedFrames {
				s.logger.Info("closing after malformed frames", zap.Int("count", malformed))
				s.close(websocket.ClosePolicyViolation, ErrTooManyMalformed.Error())
				return
			}
			continue
		}
		malformed = 0

		if err := h.router.Route(s.conn.Context(), s.conn, frame); err != nil {
			s.logger.Debug("frame rejected", zap.String("type", frame.Type), zap.Error(err))
		}
	}
}

// readFrame reads one frame, keeping at most MaxFrameBytes of it. A larger
// frame is drained from the socket and reported as oversized so the session
// survives it.
func (s *chatSession) readFrame() (int, []byte, bool, error) {
	messageType, r, err := s.socket.NextReader()
	if err != nil {
		return 0, nil, false, err
	}
	limit := s.handler.config.MaxFrameBytes
	if limit <= 0 {
		data, err := io.ReadAll(r)
		return messageType, data, false, err
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return 0, nil, false, err
	}
	if int64(len(data)) <= limit {
		return messageType, data, false, nil
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return 0, nil, false, err
	}
	return messageType, nil, true, nil
}

func detailFor(err error) string {
	switch {
	case errors.Is(err, types.ErrUnknownFrame):
		return "unknown frame type"
	default:
		return "frame is not valid JSON"
	}
}

// close tears the session down exactly once: unregister first so no new
// broadcast targets this socket, then flush and close it.
func (s *chatSession) close(code int, reason string) {
	s.teardown.Do(func() {
		wasJoined := s.state.Current() >= StateJoined
		s.state.Advance(StateClosed)

		h := s.handler
		h.registry.Unregister(s.conn.ID)
		h.router.Forget(s.conn.ID)
		s.conn.Close(code, reason)

		select {
		case <-s.conn.Done():
		case <-time.After(2 * time.Second):
			_ = s.socket.Close()
		}

		if wasJoined {
			h.metrics.ConnectionClosed()
		}
		s.logger.Info("connection closed", zap.Int("code", code))
	})
}
