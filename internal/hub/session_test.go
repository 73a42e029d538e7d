package hub

import (
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorelay/internal/frame"
)

// pipeSession 用net.Pipe创建会话，返回会话和客户端一端
func pipeSession(t *testing.T, h *Hub, cfg Config) (*Session, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	s := NewSession("", server, h, cfg, nil)
	t.Cleanup(func() {
		s.Close()
		_ = client.Close()
	})
	return s, client
}

func sendBody(t *testing.T, c net.Conn, body string) {
	t.Helper()
	_ = c.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := c.Write(frame.MustEncode([]byte(body)).Bytes())
	require.NoError(t, err)
}

func recvBody(t *testing.T, c net.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := frame.Read(c)
	require.NoError(t, err)
	return f.String()
}

// expectSilence 短时间内客户端不应收到任何字节
func expectSilence(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := c.Read(buf)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestSession_Echo(t *testing.T) {
	h := newTestHub(t, 100)
	s, client := pipeSession(t, h, DefaultConfig())
	s.Start()

	sendBody(t, client, "ping")
	assert.Equal(t, "ping", recvBody(t, client))
	assert.True(t, h.Contains(s.Token()))
}

// TestSession_Scenario A和B先加入，A发送hi；C之后加入，第一帧是回放的hi
func TestSession_Scenario(t *testing.T) {
	h := newTestHub(t, 100)
	cfg := DefaultConfig()

	a, ca := pipeSession(t, h, cfg)
	b, cb := pipeSession(t, h, cfg)
	a.Start()
	b.Start()

	sendBody(t, ca, "hi")
	assert.Equal(t, "hi", recvBody(t, cb))
	assert.Equal(t, "hi", recvBody(t, ca))
	expectSilence(t, cb)

	c, cc := pipeSession(t, h, cfg)
	c.Start()
	assert.Equal(t, "hi", recvBody(t, cc))
	expectSilence(t, cc)
	assert.Equal(t, 3, h.MemberCount())
}

// TestSession_MidFrameDisconnect 只发头部就断开，不会投递残缺的帧
func TestSession_MidFrameDisconnect(t *testing.T) {
	h := newTestHub(t, 100)
	cfg := DefaultConfig()

	a, ca := pipeSession(t, h, cfg)
	b, cb := pipeSession(t, h, cfg)
	c, cc := pipeSession(t, h, cfg)
	a.Start()
	b.Start()
	c.Start()

	_ = ca.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := ca.Write([]byte("   5"))
	require.NoError(t, err)
	require.NoError(t, ca.Close())

	waitDone(t, a)
	assert.False(t, h.Contains(a.Token()))
	assert.Equal(t, 2, h.MemberCount())
	assert.Equal(t, ReasonEOF, Classify(a.Err()))
	assert.Equal(t, StateClosed, a.State())

	expectSilence(t, cb)
	expectSilence(t, cc)
	assert.Empty(t, h.History())
}

func TestSession_InvalidHeaderCloses(t *testing.T) {
	for _, hdr := range []string{"abcd", "9999", " -12", "    "} {
		t.Run(fmt.Sprintf("%q", hdr), func(t *testing.T) {
			h := newTestHub(t, 100)
			s, client := pipeSession(t, h, DefaultConfig())
			s.Start()

			_ = client.SetWriteDeadline(time.Now().Add(2 * time.Second))
			_, err := client.Write([]byte(hdr))
			require.NoError(t, err)

			waitDone(t, s)
			assert.ErrorIs(t, s.Err(), frame.ErrInvalidHeader)
			assert.Equal(t, ReasonHeader, Classify(s.Err()))
			assert.False(t, h.Contains(s.Token()))
			assert.Empty(t, h.History())
		})
	}
}

func TestSession_ReplayOnStart(t *testing.T) {
	h := newTestHub(t, 100)
	h.Deliver(frame.MustEncode([]byte("old-1")))
	h.Deliver(frame.MustEncode([]byte("old-2")))

	s, client := pipeSession(t, h, DefaultConfig())
	s.Start()

	assert.Equal(t, "old-1", recvBody(t, client))
	assert.Equal(t, "old-2", recvBody(t, client))
}

func TestSession_EmptyBody(t *testing.T) {
	h := newTestHub(t, 100)
	s, client := pipeSession(t, h, DefaultConfig())
	s.Start()

	sendBody(t, client, "")
	assert.Equal(t, "", recvBody(t, client))
}

// TestSession_FIFOWriteOrder 出站帧按入队顺序写出，同一时间最多一个写操作
func TestSession_FIFOWriteOrder(t *testing.T) {
	h := newTestHub(t, 100)
	conn := newFakeConn()
	conn.writeDelay = time.Millisecond

	s := NewSession("fifo", conn, h, DefaultConfig(), nil)
	s.Start()
	t.Cleanup(s.Close)

	var want []string
	for i := 0; i < 30; i++ {
		body := fmt.Sprintf("f%02d", i)
		want = append(want, body)
		s.Deliver(frame.MustEncode([]byte(body)))
	}

	require.Eventually(t, func() bool {
		return len(conn.frames(t)) == len(want)
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, want, conn.frames(t))
	assert.Equal(t, int32(1), conn.maxInflight.Load())
	assert.Zero(t, s.Pending())
}

func TestSession_WriteFailureCloses(t *testing.T) {
	h := newTestHub(t, 100)
	conn := newFakeConn()
	conn.writeErr = errors.New("connection reset by peer")

	s := NewSession("", conn, h, DefaultConfig(), nil)
	s.Start()
	h.Deliver(frame.MustEncode([]byte("boom")))

	waitDone(t, s)
	var te *TransportError
	require.ErrorAs(t, s.Err(), &te)
	assert.Equal(t, "write", te.Op)
	assert.Equal(t, ReasonTransport, Classify(s.Err()))
	assert.False(t, h.Contains(s.Token()))
}

func TestSession_QueueOverflow(t *testing.T) {
	h := newTestHub(t, 100)
	conn := newFakeConn()
	conn.block = make(chan struct{})

	cfg := DefaultConfig()
	cfg.MaxPendingFrames = 2
	s := NewSession("", conn, h, cfg, nil)
	s.Start()

	for i := 0; i < 3; i++ {
		s.Deliver(frame.MustEncode([]byte(fmt.Sprint(i))))
	}

	waitDone(t, s)
	assert.ErrorIs(t, s.Err(), ErrQueueOverflow)
	assert.Equal(t, ReasonOverflow, Classify(s.Err()))
	assert.Zero(t, s.Pending())
}

// TestSession_OverflowCloseOffHubLoop 关闭流阻塞时集线器仍然可以处理命令
func TestSession_OverflowCloseOffHubLoop(t *testing.T) {
	h := newTestHub(t, 100)
	conn := newFakeConn()
	conn.block = make(chan struct{})
	conn.closeBlock = make(chan struct{})

	cfg := DefaultConfig()
	cfg.MaxPendingFrames = 2
	s := NewSession("", conn, h, cfg, nil)
	s.Start()

	for i := 0; i < 4; i++ {
		h.Deliver(frame.MustEncode([]byte(fmt.Sprint(i))))
	}

	start := time.Now()
	assert.Equal(t, 1, h.MemberCount())
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	// 溢出已在Deliver中记录，流还没关掉
	assert.ErrorIs(t, s.Err(), ErrQueueOverflow)
	assert.Zero(t, s.Pending())
	s.Deliver(frame.MustEncode([]byte("dropped")))
	assert.Zero(t, s.Pending())

	close(conn.closeBlock)
	waitDone(t, s)
	assert.False(t, h.Contains(s.Token()))
	assert.Equal(t, ReasonOverflow, Classify(s.Err()))
}

func TestSession_ReadTimeout(t *testing.T) {
	h := newTestHub(t, 100)
	cfg := DefaultConfig()
	cfg.ReadTimeout = 50 * time.Millisecond

	s, _ := pipeSession(t, h, cfg)
	s.Start()

	waitDone(t, s)
	assert.ErrorIs(t, s.Err(), os.ErrDeadlineExceeded)
	assert.Equal(t, ReasonTransport, Classify(s.Err()))
}

func TestSession_CloseCallsOnClose(t *testing.T) {
	h := newTestHub(t, 100)
	closed := make(chan string, 1)

	s := NewSession("client-1", newFakeConn(), h, DefaultConfig(), func(id string) { closed <- id })
	s.Start()
	require.True(t, h.Contains(s.Token()))

	s.Close()
	waitDone(t, s)

	assert.Equal(t, "client-1", <-closed)
	assert.ErrorIs(t, s.Err(), ErrSessionClosed)
	assert.Equal(t, ReasonClosed, Classify(s.Err()))
	assert.False(t, h.Contains(s.Token()))

	// 关闭后的投递被静默丢弃
	s.Deliver(frame.MustEncode([]byte("late")))
	assert.Zero(t, s.Pending())
}

func TestSession_CloseBeforeStart(t *testing.T) {
	h := newTestHub(t, 100)
	s := NewSession("", newFakeConn(), h, DefaultConfig(), nil)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, StateAwaitingHeader, s.State())

	s.Close()
	waitDone(t, s)
	s.Start()

	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, h.MemberCount())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "awaiting_header", StateAwaitingHeader.String())
	assert.Equal(t, "awaiting_body", StateAwaitingBody.String())
	assert.Equal(t, "dispatch", StateDispatch.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}
