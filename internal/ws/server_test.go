package ws

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/minichat/chat-app/internal/protocol"
	"github.com/minichat/chat-app/internal/session"
)

type clientConn struct {
	io.Reader
	io.Writer
	raw net.Conn
}

func dial(t *testing.T, url string) *clientConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, url)
	require.NoError(t, err)

	var r io.Reader = conn
	if br != nil {
		r = io.MultiReader(br, conn)
	}
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return &clientConn{Reader: bufio.NewReader(r), Writer: conn, raw: conn}
}

func startServer(t *testing.T, onConnect func(*Connection), onDisconnect func(*Connection)) (*Server, string) {
	t.Helper()

	d := NewMessageDispatcher(zap.NewNop())
	s := NewServer(DefaultServerConfig(), zap.NewNop(), d.Dispatch)
	s.SetOnConnect(onConnect)
	s.SetOnDisconnect(onDisconnect)

	h, err := s.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	require.NoError(t, err)

	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		ts.Close()
	})
	return s, ts.URL
}

func TestServer_ConnectHookAndPing(t *testing.T) {
	history, err := protocol.NewServerMessage(protocol.TypeChatHistory, protocol.ChatHistoryMsg{Messages: []protocol.ChatMessage{}})
	require.NoError(t, err)

	s, url := startServer(t, func(c *Connection) {
		_ = c.WriteMessage(history)
	}, nil)

	c := dial(t, "ws"+strings.TrimPrefix(url, "http")+"/ws")
	defer c.raw.Close()

	got, err := wsutil.ReadServerText(c)
	require.NoError(t, err)
	assert.JSONEq(t, string(history), string(got))

	require.NoError(t, wsutil.WriteClientText(c, []byte(`{"type":"ping"}`)))
	got, err = wsutil.ReadServerText(c)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(got))

	assert.Equal(t, 1, s.Connections().Count())
}

func TestServer_DisconnectHookRunsOnce(t *testing.T) {
	gone := make(chan string, 4)
	s, url := startServer(t, nil, func(c *Connection) { gone <- c.ID })

	c := dial(t, "ws"+strings.TrimPrefix(url, "http")+"/ws")
	require.NoError(t, ws.WriteFrame(c, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))))

	select {
	case id := <-gone:
		assert.NotEmpty(t, id)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect hook not called")
	}
	c.raw.Close()

	select {
	case <-gone:
		t.Fatal("disconnect hook called twice")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, s.Connections().Count())
}

func TestServer_DelegatesOtherRoutes(t *testing.T) {
	_, url := startServer(t, nil, nil)

	resp, err := http.Get(url + "/api/shop")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	resp, err = http.Get(url + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConnectionManager_Lookups(t *testing.T) {
	cm := NewConnectionManager()
	a, b := net.Pipe()
	defer b.Close()

	c := &Connection{ID: "c1", Conn: a}
	cm.Add(c)

	assert.Same(t, c, cm.Get("c1"))
	assert.Same(t, c, cm.GetByConn(a))
	assert.Nil(t, cm.GetByConn(b))
	assert.Equal(t, 1, cm.Count())

	assert.True(t, cm.Remove("c1"))
	assert.False(t, cm.Remove("c1"))
	assert.Nil(t, cm.GetByConn(a))
	assert.Equal(t, 0, cm.Count())
}

func TestServer_BroadcastSkipsStalledReader(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.WriteTimeout = 5 * time.Second

	gone := make(chan string, 4)
	s := NewServer(cfg, zap.NewNop(), nil)
	s.SetOnDisconnect(func(c *Connection) { gone <- c.ID })

	stalledSrv, stalledCli := net.Pipe()
	healthySrv, healthyCli := net.Pipe()
	t.Cleanup(func() {
		stalledCli.Close()
		healthyCli.Close()
		stalledSrv.Close()
		healthySrv.Close()
	})

	for _, c := range []*Connection{
		NewConnection("stalled", stalledSrv, session.New(0), 2, cfg.WriteTimeout),
		NewConnection("healthy", healthySrv, session.New(0), 16, cfg.WriteTimeout),
	} {
		s.conns.Add(c)
		c.StartWriter(s.RemoveConnection)
	}

	frames := make(chan string, 16)
	go func() {
		for {
			data, err := wsutil.ReadServerText(healthyCli)
			if err != nil {
				return
			}
			frames <- string(data)
		}
	}()

	const n = 6
	start := time.Now()
	for i := 0; i < n; i++ {
		s.Broadcast([]byte(fmt.Sprintf(`{"n":%d}`, i)))
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "broadcast must not wait on socket writes")

	for i := 0; i < n; i++ {
		select {
		case f := <-frames:
			assert.Equal(t, fmt.Sprintf(`{"n":%d}`, i), f, "frames arrive in order")
		case <-time.After(2 * time.Second):
			t.Fatalf("healthy reader missed frame %d", i)
		}
	}

	select {
	case id := <-gone:
		assert.Equal(t, "stalled", id)
	case <-time.After(2 * time.Second):
		t.Fatal("stalled connection not evicted")
	}
	select {
	case id := <-gone:
		t.Fatalf("unexpected second disconnect for %s", id)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, s.Connections().Count())
	assert.NotNil(t, s.Connections().Get("healthy"))
}

func TestConnection_EnqueueAfterClose(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	c := NewConnection("c1", a, session.New(0), 4, time.Second)
	assert.True(t, c.Enqueue([]byte("x")))
	require.NoError(t, c.Close())
	assert.False(t, c.Enqueue([]byte("y")))
	assert.NoError(t, c.Close(), "second close only repeats the socket close")
}
