package websocket

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEchoServer 把收到的字节原样写回
func newEchoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r, DefaultConfig())
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestStreamConn_Echo(t *testing.T) {
	url := newEchoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := Dial(ctx, url, DefaultConfig())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("   5hello"))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 9)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "   5hello", string(buf))
}

// TestStreamConn_ReadAcrossMessages 一个帧被拆成多条消息时按字节流读取
func TestStreamConn_ReadAcrossMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := NewUpgrader(DefaultConfig()).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for _, part := range []string{"  ", "11", "hello", " world"} {
			_ = ws.WriteMessage(websocket.BinaryMessage, []byte(part))
		}
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), DefaultConfig())
	require.NoError(t, err)
	defer conn.Close()

	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "  11hello world", string(data))
}

func TestStreamConn_CloseIdempotent(t *testing.T) {
	url := newEchoServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, err := Dial(ctx, url, DefaultConfig())
	require.NoError(t, err)

	first := conn.Close()
	assert.Equal(t, first, conn.Close())

	_, err = conn.Write([]byte("x"))
	assert.Error(t, err)
}

func TestNewUpgrader_CheckOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://relay.example"}
	up := NewUpgrader(cfg)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://relay.example")
	assert.True(t, up.CheckOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, up.CheckOrigin(req))

	open := NewUpgrader(DefaultConfig())
	assert.True(t, open.CheckOrigin(req))
}

func TestIsNormalClose(t *testing.T) {
	assert.True(t, IsNormalClose(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.False(t, IsNormalClose(&websocket.CloseError{Code: websocket.CloseProtocolError}))
	assert.False(t, IsNormalClose(io.ErrUnexpectedEOF))
}

// stalledWS 写消息阻塞到连接关闭，控制帧等到截止时间
type stalledWS struct {
	writing      chan struct{}
	closed       chan struct{}
	closeOnce    sync.Once
	controlCalls atomic.Int32
}

func newStalledWS() *stalledWS {
	return &stalledWS{writing: make(chan struct{}, 1), closed: make(chan struct{})}
}

func (w *stalledWS) NextReader() (int, io.Reader, error) {
	<-w.closed
	return 0, nil, io.ErrUnexpectedEOF
}

func (w *stalledWS) WriteMessage(int, []byte) error {
	w.writing <- struct{}{}
	<-w.closed
	return net.ErrClosed
}

func (w *stalledWS) WriteControl(_ int, _ []byte, deadline time.Time) error {
	w.controlCalls.Add(1)
	select {
	case <-time.After(time.Until(deadline)):
		return os.ErrDeadlineExceeded
	case <-w.closed:
		return net.ErrClosed
	}
}

func (w *stalledWS) SetReadDeadline(time.Time) error  { return nil }
func (w *stalledWS) SetWriteDeadline(time.Time) error { return nil }

func (w *stalledWS) Close() error {
	w.closeOnce.Do(func() { close(w.closed) })
	return nil
}

// TestStreamConn_CloseDuringStalledWrite 写入卡住时Close不等待关闭帧
func TestStreamConn_CloseDuringStalledWrite(t *testing.T) {
	ws := newStalledWS()
	conn := NewStreamConn(ws, time.Second)

	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write([]byte("   1x"))
		writeErr <- err
	}()
	<-ws.writing

	start := time.Now()
	require.NoError(t, conn.Close())
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Zero(t, ws.controlCalls.Load())

	select {
	case err := <-writeErr:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("stalled write was not aborted by Close")
	}
}

func TestStreamConn_CloseSendsCloseFrameWhenIdle(t *testing.T) {
	ws := newStalledWS()
	conn := NewStreamConn(ws, 50*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Equal(t, int32(1), ws.controlCalls.Load())
}
