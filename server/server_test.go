package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"roomrelay"
)

type testRelay struct {
	server   *Server
	registry *roomrelay.Registry
	addr     string
}

func startRelay(t *testing.T, opts Options, synchronous bool) *testRelay {
	t.Helper()

	reg := roomrelay.NewRegistry()
	q := roomrelay.NewQueue()
	b := roomrelay.NewBroadcaster(q, reg, zap.NewNop())
	go b.Run()

	var d roomrelay.Dispatcher = q
	if synchronous {
		d = b
	}
	s := New(reg, d, zap.NewNop(), nil, opts)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() {
		served <- s.Serve(context.Background(), lis)
	}()
	require.Eventually(t, s.Serving, time.Second, 5*time.Millisecond)

	t.Cleanup(func() {
		_ = s.Shutdown(time.Second)
		q.Close()
		<-served
	})
	return &testRelay{server: s, registry: reg, addr: lis.Addr().String()}
}

func (r *testRelay) dial(t *testing.T) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", r.addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// join connects a client to room and waits until the relay registered it.
func (r *testRelay) join(t *testing.T, room string) net.Conn {
	t.Helper()
	n := r.registry.Len()
	c := r.dial(t)
	send(t, c, room)
	require.Eventually(t, func() bool {
		return r.registry.Len() == n+1
	}, time.Second, 5*time.Millisecond)
	return c
}

func (r *testRelay) waitRooms(t *testing.T, want map[roomrelay.RoomID]int) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := r.registry.RoomCounts()
		if len(got) != len(want) {
			return false
		}
		for room, n := range want {
			if got[room] != n {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
}

func send(t *testing.T, c net.Conn, msg string) {
	t.Helper()
	_, err := c.Write([]byte(msg))
	require.NoError(t, err)
}

// recv reads until n NUL-terminated messages arrived.
func recv(t *testing.T, c net.Conn, n int) []string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))

	var buf []byte
	tmp := make([]byte, 4096)
	for bytes.Count(buf, []byte{0}) < n {
		k, err := c.Read(tmp)
		require.NoError(t, err)
		buf = append(buf, tmp[:k]...)
	}
	parts := strings.Split(string(buf), "\x00")
	return parts[:n]
}

func assertSilent(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	buf := make([]byte, 64)
	n, err := c.Read(buf)
	assert.Zero(t, n, "unexpected message %q", buf[:n])
	var ne net.Error
	if assert.ErrorAs(t, err, &ne) {
		assert.True(t, ne.Timeout())
	}
}

func TestServer_SameRoomFanOut(t *testing.T) {
	r := startRelay(t, DefaultOptions(), false)

	x := r.join(t, "1")
	y := r.join(t, "1")
	z := r.join(t, "2")

	send(t, x, "hello")

	assert.Equal(t, []string{"hello"}, recv(t, y, 1))
	assertSilent(t, z)
	assertSilent(t, x)
}

func TestServer_MessagesAreNullTerminated(t *testing.T) {
	r := startRelay(t, DefaultOptions(), false)

	x := r.join(t, "1")
	y := r.join(t, "1")
	send(t, x, "raw")

	require.NoError(t, y.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 16)
	n, err := io.ReadAtLeast(y, buf, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("raw\x00"), buf[:n])
}

func TestServer_Rejoin(t *testing.T) {
	r := startRelay(t, DefaultOptions(), false)

	w := r.join(t, "3")
	x := r.join(t, "1")
	y := r.join(t, "1")

	send(t, x, "before")
	assert.Equal(t, []string{"before"}, recv(t, y, 1))

	send(t, x, "REJOIN_3")
	r.waitRooms(t, map[roomrelay.RoomID]int{1: 1, 3: 2})

	send(t, x, "hi")
	assert.Equal(t, []string{"hi"}, recv(t, w, 1))
	assertSilent(t, y)
}

func TestServer_RejoinOutOfRange(t *testing.T) {
	r := startRelay(t, DefaultOptions(), false)

	x := r.join(t, "1")
	y := r.join(t, "1")

	send(t, x, "REJOIN_9")
	time.Sleep(50 * time.Millisecond)
	r.waitRooms(t, map[roomrelay.RoomID]int{1: 2})

	send(t, x, "hello")
	assert.Equal(t, []string{"hello"}, recv(t, y, 1))
}

func TestServer_OrderFromOneSender(t *testing.T) {
	r := startRelay(t, DefaultOptions(), false)

	x := r.join(t, "1")
	y := r.join(t, "1")

	want := []string{"m1", "m2", "m3", "m4"}
	for _, m := range want {
		send(t, x, m)
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, want, recv(t, y, len(want)))
}

func TestServer_Disconnect(t *testing.T) {
	r := startRelay(t, DefaultOptions(), false)

	x := r.join(t, "1")
	y := r.join(t, "1")
	z := r.join(t, "1")

	require.NoError(t, z.Close())
	require.Eventually(t, func() bool {
		return r.registry.Len() == 2
	}, time.Second, 5*time.Millisecond)

	send(t, x, "after")
	assert.Equal(t, []string{"after"}, recv(t, y, 1))

	send(t, y, "again")
	assert.Equal(t, []string{"again"}, recv(t, x, 1))
}

func TestServer_MalformedJoinDisconnects(t *testing.T) {
	r := startRelay(t, DefaultOptions(), false)

	c := r.dial(t)
	send(t, c, "lobby")

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.Read(make([]byte, 16))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, r.registry.Len())
}

func TestServer_SynchronousDispatch(t *testing.T) {
	r := startRelay(t, DefaultOptions(), true)

	x := r.join(t, "2")
	y := r.join(t, "2")
	z := r.join(t, "1")

	send(t, x, "sync")
	assert.Equal(t, []string{"sync"}, recv(t, y, 1))
	assertSilent(t, z)
}

func TestServer_Shutdown(t *testing.T) {
	reg := roomrelay.NewRegistry()
	q := roomrelay.NewQueue()
	s := New(reg, q, zap.NewNop(), nil, DefaultOptions())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() {
		served <- s.Serve(context.Background(), lis)
	}()

	c, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	send(t, c, "1")
	require.Eventually(t, func() bool { return reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Shutdown(time.Second))

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
	assert.False(t, s.Serving())
	assert.Equal(t, 0, reg.Len())

	require.NoError(t, c.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = c.Read(make([]byte, 16))
	assert.Error(t, err)
}

func TestServer_ServeStopsOnContextCancel(t *testing.T) {
	s := New(roomrelay.NewRegistry(), roomrelay.NewQueue(), zap.NewNop(), nil, DefaultOptions())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- s.Serve(ctx, lis)
	}()
	require.Eventually(t, s.Serving, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServer_WebSocket(t *testing.T) {
	r := startRelay(t, DefaultOptions(), false)
	hs := httptest.NewServer(r.server.HTTPHandler(nil))
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("1")))
	require.Eventually(t, func() bool { return r.registry.Len() == 1 }, time.Second, 5*time.Millisecond)

	tcp := r.join(t, "1")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("from ws")))
	assert.Equal(t, []string{"from ws"}, recv(t, tcp, 1))

	send(t, tcp, "from tcp")
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, p, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "from tcp", string(p))
}

func TestServer_WebSocketOrigin(t *testing.T) {
	opts := DefaultOptions()
	opts.AllowedOrigins = []string{"http://chat.example"}
	r := startRelay(t, opts, false)
	hs := httptest.NewServer(r.server.HTTPHandler(nil))
	defer hs.Close()

	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"

	h := http.Header{}
	h.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(url, h)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	h.Set("Origin", "http://chat.example")
	ws, _, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	ws.Close()
}

func TestServer_Healthz(t *testing.T) {
	r := startRelay(t, DefaultOptions(), false)
	r.join(t, "1")

	hs := httptest.NewServer(r.server.HTTPHandler(http.NotFoundHandler()))
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "connections=1\n", string(body))

	resp, err = http.Get(hs.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
