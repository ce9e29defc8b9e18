package websocket

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupchat/internal/websocket/wstest"
)

func newTestConnection(t *testing.T, tr Transport, opts Options) *Connection {
	t.Helper()
	c := NewConnection(tr, "u1", "g1", opts)
	t.Cleanup(func() { c.Close(websocket.CloseNormalClosure, "") })
	return c
}

func TestConnection_Identity(t *testing.T) {
	c := newTestConnection(t, wstest.New(), DefaultOptions())

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "u1", c.UserID)
	assert.Equal(t, "g1", c.GroupID)
	assert.False(t, c.CreatedAt.IsZero())

	other := newTestConnection(t, wstest.New(), DefaultOptions())
	assert.NotEqual(t, c.ID, other.ID)
}

func TestConnection_WritesInOrder(t *testing.T) {
	tr := wstest.New()
	c := newTestConnection(t, tr, DefaultOptions())

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Enqueue([]byte(fmt.Sprintf(`{"type":"message","body":"%d"}`, i))))
	}
	require.True(t, tr.WaitFrames(20, time.Second))

	for i, f := range tr.Frames() {
		assert.Contains(t, string(f), fmt.Sprintf(`"body":"%d"`, i))
	}
}

func TestConnection_QueueFull(t *testing.T) {
	tr := wstest.NewBlocked()
	defer tr.Unblock()
	opts := DefaultOptions()
	opts.QueueSize = 2
	c := newTestConnection(t, tr, opts)

	// one frame is held by the blocked writer, two sit in the queue
	require.NoError(t, c.Enqueue([]byte("a")))
	require.Eventually(t, func() bool { return len(c.send) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, c.Enqueue([]byte("b")))
	require.NoError(t, c.Enqueue([]byte("c")))

	assert.ErrorIs(t, c.Enqueue([]byte("d")), ErrQueueFull)
}

func TestConnection_CloseFlushesAndSendsCode(t *testing.T) {
	tr := wstest.New()
	c := NewConnection(tr, "u1", "g1", DefaultOptions())

	require.NoError(t, c.Enqueue([]byte(`{"type":"error"}`)))
	c.Close(websocket.ClosePolicyViolation, "too many malformed frames")
	c.Close(websocket.CloseNormalClosure, "ignored")

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("connection did not shut down")
	}

	assert.True(t, tr.Closed())
	assert.Equal(t, websocket.ClosePolicyViolation, tr.CloseCode())
	assert.Len(t, tr.Frames(), 1)
	assert.True(t, c.IsClosed())
	assert.ErrorIs(t, c.Enqueue([]byte("late")), ErrConnectionClosed)
}

func TestConnection_WriteErrorClosesConnection(t *testing.T) {
	tr := wstest.New()
	tr.Break()
	c := NewConnection(tr, "u1", "g1", DefaultOptions())

	require.NoError(t, c.Enqueue([]byte("x")))

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("write error did not close the connection")
	}
	assert.True(t, tr.Closed())
	assert.Zero(t, tr.CloseCode(), "no close frame on a broken socket")
}

func TestConnection_Heartbeat(t *testing.T) {
	tr := wstest.New()
	opts := DefaultOptions()
	opts.PingInterval = 10 * time.Millisecond
	newTestConnection(t, tr, opts)

	assert.Eventually(t, func() bool { return tr.Pings() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestConnection_RealSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConnection(ws, "u1", "g1", DefaultOptions())
		_ = c.Enqueue([]byte(`{"type":"system","event":"hello"}`))
		c.Close(websocket.CloseNormalClosure, "bye")
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	go func() {
		_, data, err := ws.ReadMessage()
		if err == nil {
			received <- string(data)
		}
	}()

	select {
	case msg := <-received:
		assert.JSONEq(t, `{"type":"system","event":"hello"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
}
