// Package wstest provides an in-memory Transport for tests of code that
// writes to chat sockets.
package wstest

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrBroken is returned by writes once a Transport is marked broken.
var ErrBroken = errors.New("transport broken")

// Transport records every frame written to it.
type Transport struct {
	mu        sync.Mutex
	frames    [][]byte
	pings     int
	closeCode int
	closed    bool
	broken    bool
	// Block, when non-nil, stalls WriteMessage until it is closed.
	Block chan struct{}
	wrote chan struct{}
}

// New returns a working transport.
func New() *Transport {
	return &Transport{wrote: make(chan struct{}, 1024)}
}

// NewBlocked returns a transport whose writes stall until Unblock.
func NewBlocked() *Transport {
	t := New()
	t.Block = make(chan struct{})
	return t
}

// Unblock releases a blocked transport.
func (t *Transport) Unblock() {
	if t.Block != nil {
		close(t.Block)
	}
}

// Break makes every later write fail.
func (t *Transport) Break() {
	t.mu.Lock()
	t.broken = true
	t.mu.Unlock()
}

func (t *Transport) WriteMessage(_ int, data []byte) error {
	if t.Block != nil {
		<-t.Block
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken || t.closed {
		return ErrBroken
	}
	t.frames = append(t.frames, append([]byte(nil), data...))
	select {
	case t.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (t *Transport) WriteControl(messageType int, data []byte, _ time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.broken || t.closed {
		return ErrBroken
	}
	switch messageType {
	case websocket.PingMessage:
		t.pings++
	case websocket.CloseMessage:
		if len(data) >= 2 {
			t.closeCode = int(data[0])<<8 | int(data[1])
		}
	}
	return nil
}

func (t *Transport) SetWriteDeadline(time.Time) error { return nil }

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Frames returns a copy of the data frames written so far.
func (t *Transport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.frames))
	copy(out, t.frames)
	return out
}

// Decoded unmarshals every written frame into a generic map.
func (t *Transport) Decoded() []map[string]any {
	var out []map[string]any
	for _, f := range t.Frames() {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Types lists the "type" field of every written frame.
func (t *Transport) Types() []string {
	var out []string
	for _, m := range t.Decoded() {
		s, _ := m["type"].(string)
		out = append(out, s)
	}
	return out
}

// WaitFrames waits until at least n frames were written or the timeout
// elapses, and reports whether n was reached.
func (t *Transport) WaitFrames(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if len(t.Frames()) >= n {
			return true
		}
		select {
		case <-t.wrote:
		case <-deadline:
			return len(t.Frames()) >= n
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// CloseCode is the code of the close frame, or zero if none was sent.
func (t *Transport) CloseCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode
}

// Pings counts heartbeat pings.
func (t *Transport) Pings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}
