package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupchat/internal/hub"
	"groupchat/internal/router"
	ws "groupchat/internal/websocket"
	"groupchat/pkg/interfaces"
	"groupchat/pkg/types"
)

type fakeVerifier map[string]string // token -> user

func (f fakeVerifier) Verify(_ context.Context, token string) (*interfaces.Identity, error) {
	if u, ok := f[token]; ok {
		return &interfaces.Identity{UserID: u}, nil
	}
	return nil, interfaces.ErrUnauthenticated
}

type fakeOracle map[string][]string // group -> members

func (f fakeOracle) IsMember(_ context.Context, groupID, userID string) (bool, error) {
	for _, m := range f[groupID] {
		if m == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f fakeOracle) Members(_ context.Context, groupID string) ([]string, error) {
	return f[groupID], nil
}

func (f fakeOracle) GroupsForEvent(context.Context, string) ([]string, error) {
	return nil, nil
}

// gatedOracle holds IsMember until release is closed.
type gatedOracle struct {
	fakeOracle
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedOracle) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.fakeOracle.IsMember(ctx, groupID, userID)
}

type brokenVerifier struct{}

func (brokenVerifier) Verify(context.Context, string) (*interfaces.Identity, error) {
	return nil, errors.New("key store unreachable")
}

type memoryStore struct {
	mu       sync.Mutex
	messages []*types.ChatMessage
}

func (m *memoryStore) StoreMessage(_ context.Context, msg *types.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memoryStore) GroupHistory(_ context.Context, groupID string, _ time.Time, limit int) ([]*types.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.ChatMessage
	for _, msg := range m.messages {
		if msg.GroupID == groupID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type testEnv struct {
	server   *httptest.Server
	handler  *Handler
	registry *ws.Registry
	store    *memoryStore
}

type envDeps struct {
	verifier interfaces.IdentityVerifier
	oracle   interfaces.MembershipOracle
}

func newEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	return newEnvWith(t, envDeps{}, mutate...)
}

func newEnvWith(t *testing.T, deps envDeps, mutate ...func(*Config)) *testEnv {
	t.Helper()
	if deps.verifier == nil {
		deps.verifier = fakeVerifier{"tok-alice": "alice", "tok-bob": "bob", "tok-eve": "eve"}
	}
	if deps.oracle == nil {
		deps.oracle = fakeOracle{"g1": {"alice", "bob"}, "g2": {"eve"}}
	}
	registry := ws.NewRegistry()
	h := hub.NewHub(registry, nil, nil)
	require.NoError(t, h.Start())
	store := &memoryStore{}
	r := router.NewRouter(store, h, router.NewMemoryLimiter(60, time.Minute), router.Config{
		MaxBodyLength:       1000,
		TypingExcludeSender: true,
		TypingPerSecond:     5,
		TypingBurst:         10,
	}, nil, nil)

	cfg := Config{
		PingInterval:       time.Second,
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       time.Second,
		SendQueueSize:      64,
		MaxFrameBytes:      16 * 1024,
		HistoryReplay:      50,
		MaxMalformedFrames: 3,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	handler := NewHandler(deps.verifier, deps.oracle, store, registry, r, h, cfg, nil, nil)

	mux := http.NewServeMux()
	mux.Handle("GET /ws", handler)
	mux.Handle("GET /ws/groups/{groupID}", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, handler: handler, registry: registry, store: store}
}

func (e *testEnv) url(path string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + path
}

func (e *testEnv) dial(t *testing.T, path, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	c, resp, err := websocket.DefaultDialer.Dial(e.url(path), header)
	if err == nil {
		t.Cleanup(func() { _ = c.Close() })
	}
	return c, resp, err
}

func readFrame(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m map[string]any
	require.NoError(t, c.ReadJSON(&m))
	return m
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, c *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	for i := 0; i < 100; i++ {
		m := readFrame(t, c)
		if m["type"] == frameType {
			return m
		}
	}
	t.Fatalf("no %s frame", frameType)
	return nil
}

func join(t *testing.T, e *testEnv, token, group string) *websocket.Conn {
	t.Helper()
	c, _, err := e.dial(t, "/ws?group_id="+group, token)
	require.NoError(t, err)
	m := readUntil(t, c, types.FrameSystem)
	require.Equal(t, "history_complete", m["event"])
	return c
}

func TestHandshake_Unauthorized(t *testing.T) {
	e := newEnv(t)

	for _, token := range []string{"", "bogus"} {
		_, resp, err := e.dial(t, "/ws?group_id=g1", token)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	assert.Zero(t, e.registry.Stats().Connections)
}

func TestHandshake_ForbiddenDoesNotLeakExistence(t *testing.T) {
	e := newEnv(t)

	_, notMember, err := e.dial(t, "/ws?group_id=g2", "tok-alice")
	require.Error(t, err)
	_, unknown, err := e.dial(t, "/ws?group_id=nope", "tok-alice")
	require.Error(t, err)

	assert.Equal(t, http.StatusForbidden, notMember.StatusCode)
	assert.Equal(t, http.StatusForbidden, unknown.StatusCode)

	a, _ := io.ReadAll(notMember.Body)
	b, _ := io.ReadAll(unknown.Body)
	assert.Equal(t, string(a), string(b))
	assert.Contains(t, string(a), interfaces.ErrForbidden.Error())
}

func TestHandshake_VerifierFailureIsNotUnauthorized(t *testing.T) {
	e := newEnvWith(t, envDeps{verifier: brokenVerifier{}})

	_, resp, err := e.dial(t, "/ws?group_id=g1", "tok-alice")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Zero(t, e.registry.Stats().Connections)
}

func TestHandshake_QueryToken(t *testing.T) {
	e := newEnv(t)
	c, _, err := e.dial(t, "/ws?group_id=g1&access_token=tok-bob", "")
	require.NoError(t, err)
	readUntil(t, c, types.FrameSystem)
}

func TestHandshake_PathGroup(t *testing.T) {
	e := newEnv(t)
	c, _, err := e.dial(t, "/ws/groups/g1", "tok-alice")
	require.NoError(t, err)
	readUntil(t, c, types.FrameSystem)
	require.Eventually(t, func() bool { return len(e.registry.MembersOf("g1")) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHandshake_OriginCheck(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.AllowedOrigins = []string{"https://app.example"} })

	header := http.Header{}
	header.Set("Authorization", "Bearer tok-alice")
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(e.url("/ws?group_id=g1"), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example")
	c, _, err := websocket.DefaultDialer.Dial(e.url("/ws?group_id=g1"), header)
	require.NoError(t, err)
	_ = c.Close()
}

func TestSession_HistoryReplay(t *testing.T) {
	e := newEnv(t)
	for _, body := range []string{"one", "two"} {
		require.NoError(t, e.store.StoreMessage(context.Background(), &types.ChatMessage{
			ID: body, GroupID: "g1", SenderID: "bob", Body: body, SentAt: time.Now(), Kind: types.KindNormal,
		}))
	}

	c, _, err := e.dial(t, "/ws?group_id=g1", "tok-alice")
	require.NoError(t, err)

	first := readFrame(t, c)
	second := readFrame(t, c)
	done := readFrame(t, c)
	assert.Equal(t, "one", first["body"])
	assert.Equal(t, true, first["replay"])
	assert.Equal(t, "two", second["body"])
	assert.Equal(t, "history_complete", done["event"])
}

func TestSession_MessageEchoAndFanout(t *testing.T) {
	e := newEnv(t)
	alice := join(t, e, "tok-alice", "g1")
	bob := join(t, e, "tok-bob", "g1")
	eve := join(t, e, "tok-eve", "g2")

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "message", "body": "hi all"}))

	for _, c := range []*websocket.Conn{alice, bob} {
		m := readUntil(t, c, types.FrameMessage)
		assert.Equal(t, "hi all", m["body"])
		assert.Equal(t, "alice", m["sender"])
	}

	_ = eve.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := eve.ReadMessage()
	assert.Error(t, err, "other groups see nothing")
}

func TestSession_OversizedFrameKeepsConnection(t *testing.T) {
	e := newEnv(t)
	alice := join(t, e, "tok-alice", "g1")
	bob := join(t, e, "tok-bob", "g1")

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "message", "body": strings.Repeat("x", 20000)}))
	rejected := readUntil(t, alice, types.FrameError)
	assert.Equal(t, types.CodeMessageTooLong, rejected["code"])

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "message", "body": "still here"}))
	m := readUntil(t, bob, types.FrameMessage)
	assert.Equal(t, "still here", m["body"])
	assert.Equal(t, 2, e.registry.Stats().Connections)

	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	require.Len(t, e.store.messages, 1)
	assert.Equal(t, "still here", e.store.messages[0].Body)
}

func TestSession_TypingNotEchoedToSendingSocket(t *testing.T) {
	e := newEnv(t)
	alice := join(t, e, "tok-alice", "g1")
	bob := join(t, e, "tok-bob", "g1")

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "typing"}))
	m := readUntil(t, bob, types.FrameTyping)
	assert.Equal(t, "alice", m["sender"])

	require.NoError(t, alice.WriteJSON(map[string]string{"type": "ping"}))
	pong := readFrame(t, alice)
	assert.Equal(t, types.FramePong, pong["type"], "typing frame never reached the sender")
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	assert.Empty(t, e.store.messages)
}

func TestSession_MalformedFramesClose1008(t *testing.T) {
	e := newEnv(t)
	c := join(t, e, "tok-alice", "g1")

	// a valid frame resets the streak
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{nope")))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	require.NoError(t, c.WriteJSON(map[string]string{"type": "ping"}))

	assert.Equal(t, types.CodeInvalidFrame, readFrame(t, c)["code"])
	unknown := readFrame(t, c)
	assert.Equal(t, types.CodeInvalidFrame, unknown["code"])
	assert.Equal(t, "unknown frame type", unknown["detail"])
	assert.Equal(t, types.FramePong, readFrame(t, c)["type"])

	for i := 0; i < 3; i++ {
		require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("garbage")))
	}

	var closeErr *websocket.CloseError
	for i := 0; i < 10; i++ {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := c.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	require.NotNil(t, closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)

	require.Eventually(t, func() bool { return e.registry.Stats().Connections == 0 }, time.Second, 5*time.Millisecond)
}

func TestSession_DisconnectUnregisters(t *testing.T) {
	e := newEnv(t)
	c := join(t, e, "tok-alice", "g1")
	require.Equal(t, 1, e.registry.Stats().Connections)

	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.Close()

	assert.Eventually(t, func() bool { return e.registry.Stats().Connections == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHandler_Shutdown(t *testing.T) {
	e := newEnv(t)
	c := join(t, e, "tok-alice", "g1")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, e.handler.Shutdown(ctx))

	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Zero(t, e.registry.Stats().Connections)

	_, resp, err := e.dial(t, "/ws?group_id=g1", "tok-alice")
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), ErrShuttingDown.Error())
}

func TestHandler_ShutdownDuringHandshake(t *testing.T) {
	gate := &gatedOracle{
		fakeOracle: fakeOracle{"g1": {"alice"}},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	e := newEnvWith(t, envDeps{oracle: gate})

	dialed := make(chan *websocket.Conn, 1)
	go func() {
		header := http.Header{"Authorization": {"Bearer tok-alice"}}
		c, _, err := websocket.DefaultDialer.Dial(e.url("/ws?group_id=g1"), header)
		if err != nil {
			dialed <- nil
			return
		}
		dialed <- c
	}()

	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake never reached the membership check")
	}

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		shutdown <- e.handler.Shutdown(ctx)
	}()
	require.Eventually(t, e.handler.isClosing, time.Second, 5*time.Millisecond)
	close(gate.release)

	c := <-dialed
	require.NotNil(t, c, "upgrade already passed the closing check")
	defer c.Close()

	var closeErr *websocket.CloseError
	for i := 0; i < 10; i++ {
		_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := c.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	require.NotNil(t, closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)

	require.NoError(t, <-shutdown)
	assert.Zero(t, e.registry.Stats().Connections)
}
