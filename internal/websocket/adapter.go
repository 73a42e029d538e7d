package websocket

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamConn 把消息边界抹平成连续字节流：读跨消息拼接，每次写发送一条二进制消息
type StreamConn struct {
	ws           WSConn
	closeTimeout time.Duration

	reader io.Reader // 当前正在读的消息

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn 包装一个已建立的WebSocket连接
func NewStreamConn(ws WSConn, closeTimeout time.Duration) *StreamConn {
	return &StreamConn{ws: ws, closeTimeout: closeTimeout}
}

// Upgrade 升级HTTP请求并返回字节流连接
func Upgrade(w http.ResponseWriter, r *http.Request, cfg Config) (*StreamConn, error) {
	ws, err := NewUpgrader(cfg).Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewStreamConn(ws, cfg.CloseTimeout), nil
}

// Dial 连接WebSocket服务端
func Dial(ctx context.Context, url string, cfg Config) (*StreamConn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   cfg.ReadBufferSize,
		WriteBufferSize:  cfg.WriteBufferSize,
		HandshakeTimeout: 10 * time.Second,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewStreamConn(ws, cfg.CloseTimeout), nil
}

// Read 正常关闭映射为io.EOF
func (c *StreamConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			_, r, err := c.ws.NextReader()
			if err != nil {
				if IsNormalClose(err) {
					return 0, io.EOF
				}
				return 0, err
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *StreamConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close 没有写入进行中时发送关闭帧，然后关闭底层连接
//
// 写入卡住时直接关闭底层连接，不等待关闭帧。
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		if c.writeMu.TryLock() {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.closeTimeout))
			c.writeMu.Unlock()
		}
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *StreamConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *StreamConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// IsNormalClose 判断是否为对端正常关闭
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}

var _ WSConn = (*websocket.Conn)(nil)
