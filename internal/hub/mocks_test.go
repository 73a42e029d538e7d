package hub

import (
	"bytes"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gorelay/internal/frame"
)

// recorder 记录收到的帧，用于断言
type recorder struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (r *recorder) Deliver(f frame.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) bodies() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.String()
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// fakeConn 模拟字节流：读阻塞到关闭，写入追加到缓冲
type fakeConn struct {
	mu       sync.Mutex
	written  bytes.Buffer
	writeErr error

	writeDelay time.Duration
	block      chan struct{} // 非nil时写入阻塞直到关闭或连接关闭
	closeBlock chan struct{} // 非nil时Close阻塞直到关闭

	inflight    atomic.Int32
	maxInflight atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	<-c.closed
	return 0, io.EOF
}

func (c *fakeConn) Write(p []byte) (int, error) {
	n := c.inflight.Add(1)
	defer c.inflight.Add(-1)
	for {
		peak := c.maxInflight.Load()
		if n <= peak || c.maxInflight.CompareAndSwap(peak, n) {
			break
		}
	}

	if c.block != nil {
		select {
		case <-c.block:
		case <-c.closed:
			return 0, io.ErrClosedPipe
		}
	}
	if c.writeDelay > 0 {
		time.Sleep(c.writeDelay)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.written.Write(p)
}

func (c *fakeConn) Close() error {
	if c.closeBlock != nil {
		<-c.closeBlock
	}
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

// frames 解析已写出的字节流
func (c *fakeConn) frames(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	data := append([]byte(nil), c.written.Bytes()...)
	c.mu.Unlock()

	r := bytes.NewReader(data)
	var out []string
	for r.Len() > 0 {
		f, err := frame.Read(r)
		if err != nil {
			t.Fatalf("written stream is malformed: %v", err)
		}
		out = append(out, f.String())
	}
	return out
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s did not close", s.ID())
	}
}
