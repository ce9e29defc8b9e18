package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"groupchat/internal/api"
	"groupchat/internal/auth"
	"groupchat/internal/database"
	"groupchat/internal/hub"
	"groupchat/internal/membership"
	"groupchat/internal/metrics"
	"groupchat/internal/router"
	"groupchat/internal/session"
	ws "groupchat/internal/websocket"
	pkgdatabase "groupchat/pkg/database"
	"groupchat/pkg/types"
)

const (
	jwtSecret      = "integration-secret"
	internalSecret = "internal-secret"
)

// stallingStore blocks writes for the listed groups until the caller's
// context expires.
type stallingStore struct {
	*database.Manager
	stalled map[string]bool
}

func (s *stallingStore) StoreMessage(ctx context.Context, msg *types.ChatMessage) error {
	if s.stalled[msg.GroupID] {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.Manager.StoreMessage(ctx, msg)
}

type stack struct {
	server   *httptest.Server
	store    *database.Manager
	registry *ws.Registry
	sessions *session.Handler
}

type stackOptions struct {
	perMinute    int
	stalled      []string
	alertTimeout time.Duration
}

func newStack(t *testing.T, opts stackOptions) *stack {
	t.Helper()
	if opts.perMinute == 0 {
		opts.perMinute = 60
	}
	if opts.alertTimeout == 0 {
		opts.alertTimeout = 3 * time.Second
	}
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	dbConfig := pkgdatabase.DefaultConfig()
	dbConfig.DatabasePath = filepath.Join(t.TempDir(), "groupchat.db")
	store, err := database.NewManager(dbConfig, logger)
	require.NoError(t, err)

	messages := &stallingStore{Manager: store, stalled: map[string]bool{}}
	for _, g := range opts.stalled {
		messages.stalled[g] = true
	}

	oracle := membership.NewOracle(store, 0, logger)
	verifier, err := auth.NewJWTVerifier(auth.VerifierConfig{Secret: jwtSecret})
	require.NoError(t, err)

	registry := ws.NewRegistry()
	messageHub := hub.NewHub(registry, m, logger)
	require.NoError(t, messageHub.Start())

	limiter := router.NewMemoryLimiter(opts.perMinute, time.Minute)
	messageRouter := router.NewRouter(messages, messageHub, limiter, router.Config{
		MaxBodyLength:       1000,
		TypingExcludeSender: true,
		TypingPerSecond:     5,
		TypingBurst:         10,
	}, m, logger)

	sessions := session.NewHandler(verifier, oracle, store, registry, messageRouter, messageHub, session.Config{
		PingInterval:       time.Second,
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       time.Second,
		SendQueueSize:      256,
		MaxFrameBytes:      16 * 1024,
		HistoryReplay:      50,
		MaxMalformedFrames: 5,
	}, m, logger)

	apiServer := api.NewServer(api.Dependencies{
		Publisher: messageRouter,
		Oracle:    oracle,
		History:   store,
		Verifier:  verifier,
		Health:    store,
		Registry:  registry,
		Gatherer:  reg,
	}, api.Config{
		SharedSecret:        internalSecret,
		GroupTimeout:        opts.alertTimeout,
		MaxConcurrentGroups: 4,
	}, m, logger)
	apiServer.Handle("GET /ws/groups/{groupID}", sessions)

	s := &stack{
		server:   httptest.NewServer(apiServer),
		store:    store,
		registry: registry,
		sessions: sessions,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sessions.Shutdown(ctx)
		s.server.Close()
		_ = messageHub.Stop()
		_ = store.Close()
	})
	return s
}

func (s *stack) group(t *testing.T, groupID, eventID string, members ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.store.CreateGroup(ctx, &types.Group{ID: groupID, EventID: eventID, Name: groupID}))
	for _, u := range members {
		require.NoError(t, s.store.AddMember(ctx, groupID, u, 50))
	}
}

func (s *stack) dial(groupID, userID string) (*websocket.Conn, *http.Response, error) {
	token, err := auth.Sign(jwtSecret, userID, time.Hour)
	if err != nil {
		return nil, nil, err
	}
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/groups/" + groupID
	header := http.Header{"Authorization": {"Bearer " + token}}
	return websocket.DefaultDialer.Dial(url, header)
}

// join dials and waits for history replay to finish.
func (s *stack) join(t *testing.T, groupID, userID string) *client {
	t.Helper()
	conn, _, err := s.dial(groupID, userID)
	require.NoError(t, err)
	c := &client{t: t, conn: conn}
	t.Cleanup(func() { _ = conn.Close() })
	c.waitFor(func(f types.OutboundFrame) bool {
		return f.Type == types.FrameSystem && f.Event == "history_complete"
	})
	return c
}

func (s *stack) history(t *testing.T, groupID string) []*types.ChatMessage {
	t.Helper()
	messages, err := s.store.GroupHistory(context.Background(), groupID, time.Time{}, 1000)
	require.NoError(t, err)
	return messages
}

type client struct {
	t    *testing.T
	conn *websocket.Conn
}

func (c *client) send(frame types.InboundFrame) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(frame))
}

func (c *client) next(timeout time.Duration) (types.OutboundFrame, error) {
	var f types.OutboundFrame
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return f, err
	}
	err = json.Unmarshal(data, &f)
	return f, err
}

// waitFor reads frames until match returns true.
func (c *client) waitFor(match func(types.OutboundFrame) bool) types.OutboundFrame {
	c.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f, err := c.next(time.Until(deadline))
		require.NoError(c.t, err)
		if match(f) {
			return f
		}
	}
	c.t.Fatal("timed out waiting for frame")
	return types.OutboundFrame{}
}

// quiet asserts no frame arrives within d.
func (c *client) quiet(d time.Duration) {
	c.t.Helper()
	f, err := c.next(d)
	if err == nil {
		c.t.Fatalf("unexpected frame %+v", f)
	}
}
