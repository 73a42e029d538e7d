package hub

import (
	"errors"
	"io"

	"gorelay/internal/frame"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrQueueOverflow = errors.New("outbound queue overflow")
)

// 会话关闭原因，用于指标标签和日志
const (
	ReasonHeader    = "header"
	ReasonEOF       = "eof"
	ReasonTransport = "transport"
	ReasonOverflow  = "overflow"
	ReasonClosed    = "closed"
)

// TransportError 读写流失败
type TransportError struct {
	Op  string // read / write
	Err error
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Classify 把会话错误映射为关闭原因
func Classify(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrSessionClosed):
		return ReasonClosed
	case errors.Is(err, ErrQueueOverflow):
		return ReasonOverflow
	case errors.Is(err, frame.ErrInvalidHeader):
		return ReasonHeader
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ReasonEOF
	default:
		return ReasonTransport
	}
}
