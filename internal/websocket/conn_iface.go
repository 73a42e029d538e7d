package websocket

import (
	"io"
	"time"
)

// WSConn StreamConn依赖的WebSocket连接方法，*websocket.Conn满足
type WSConn interface {
	NextReader() (int, io.Reader, error)
	WriteMessage(int, []byte) error
	WriteControl(int, []byte, time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	Close() error
}
