package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quiz-duel/internal/config"
)

// echoHandler binds on "bind:<id>", panics on "panic" and echoes the rest.
type echoHandler struct {
	mu     sync.Mutex
	closed []string
	lost   []string
}

func (h *echoHandler) HandleMessage(ctx context.Context, sess *Session, data []byte) {
	text := string(data)
	switch {
	case strings.HasPrefix(text, "bind:"):
		sess.Bind(strings.TrimPrefix(text, "bind:"))
		sess.Reply([]byte(`{"type":"bound"}`))
	case text == "panic":
		panic("boom")
	default:
		sess.Reply(data)
	}
}

func (h *echoHandler) HandleClose(ctx context.Context, sess *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sess.Release() {
		h.lost = append(h.lost, sess.UserID())
	}
	h.closed = append(h.closed, sess.UserID())
}

func (h *echoHandler) snapshot() (closed, lost []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.closed...), append([]string(nil), h.lost...)
}

func startServer(t *testing.T) (*Server, *echoHandler, string) {
	t.Helper()
	handler := &echoHandler{}
	srv := New(config.ServerConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendQueueSize:   8,
		PingInterval:    time.Second,
	}, NewHub(), handler)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	return srv, handler, "ws://" + ln.Addr().String() + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestEchoAndBind(t *testing.T) {
	srv, _, url := startServer(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	assert.Equal(t, "hello", read(t, conn))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("bind:alice")))
	assert.JSONEq(t, `{"type":"bound"}`, read(t, conn))
	assert.True(t, srv.Hub().IsOnline("alice"))

	assert.True(t, srv.Hub().Send("alice", []byte("pushed")))
	assert.Equal(t, "pushed", read(t, conn))
	assert.False(t, srv.Hub().Send("bob", []byte("nobody")))
}

func TestPanicIsContained(t *testing.T) {
	_, _, url := startServer(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("panic")))
	var env struct {
		Type string `json:"type"`
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal([]byte(read(t, conn)), &env))
	assert.Equal(t, "error", env.Type)
	assert.Equal(t, "internal", env.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("still alive")))
	assert.Equal(t, "still alive", read(t, conn))
}

func TestCloseReleasesUser(t *testing.T) {
	srv, handler, url := startServer(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("bind:alice")))
	read(t, conn)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		_, lost := handler.snapshot()
		return len(lost) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, srv.Hub().IsOnline("alice"))
}

func TestReconnectReplacesOldConnection(t *testing.T) {
	srv, handler, url := startServer(t)
	first := dial(t, url)
	require.NoError(t, first.WriteMessage(websocket.TextMessage, []byte("bind:alice")))
	read(t, first)

	second := dial(t, url)
	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte("bind:alice")))
	read(t, second)

	// The first connection is closed by the server.
	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	assert.Eventually(t, func() bool {
		closed, _ := handler.snapshot()
		return len(closed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, lost := handler.snapshot()
	assert.Empty(t, lost, "a replaced connection does not count as the user leaving")
	assert.True(t, srv.Hub().IsOnline("alice"))
	assert.True(t, srv.Hub().Send("alice", []byte("to-second")))
	assert.Equal(t, "to-second", read(t, second))
}

func TestPlainHTTPUpgradeRequired(t *testing.T) {
	srv := New(config.ServerConfig{}, NewHub(), &echoHandler{})
	resp, err := srv.App().Test(httptest.NewRequest("GET", "/ws", nil))
	require.NoError(t, err)
	assert.Equal(t, 426, resp.StatusCode)
}

func TestHubUnregisterOnlyCurrent(t *testing.T) {
	hub := NewHub()
	a, b := newClient(1), newClient(1)

	hub.Register("u1", a)
	hub.Register("u1", b)
	assert.False(t, hub.Unregister("u1", a))
	assert.True(t, hub.IsOnline("u1"))
	assert.True(t, hub.Unregister("u1", b))
	assert.False(t, hub.IsOnline("u1"))

	select {
	case <-a.done:
	default:
		t.Fatal("replaced client was not closed")
	}
}

func TestHubSendFullQueue(t *testing.T) {
	hub := NewHub()
	c := newClient(1)
	hub.Register("u1", c)

	assert.True(t, hub.Send("u1", []byte("1")))
	assert.False(t, hub.Send("u1", []byte("2")))
}

func TestShutdownIsNotDisconnect(t *testing.T) {
	srv, handler, url := startServer(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("bind:alice")))
	assert.JSONEq(t, `{"type":"bound"}`, read(t, conn))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	time.Sleep(50 * time.Millisecond)
	closed, _ := handler.snapshot()
	assert.Empty(t, closed)
}
