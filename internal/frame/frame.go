// Package frame 实现中继协议的定长头部帧编解码
//
// 线路格式: 4字节ASCII十进制长度头(右对齐, 空格填充) + 对应长度的消息体,
// 帧与帧之间没有其他分隔符。
package frame

import (
	"errors"
	"fmt"
	"io"
	"strconv"
)

const (
	HeaderLen  = 4   // 头部固定长度
	MaxBodyLen = 512 // 消息体最大长度
)

var (
	ErrBodyTooLarge  = errors.New("frame body too large")
	ErrInvalidHeader = errors.New("invalid frame header")
	ErrTrailingBytes = errors.New("trailing bytes after frame")
)

// Frame 一个完整的帧，构造后不可修改
type Frame struct {
	wire []byte // 头部+消息体
}

// Encode 将消息体编码为帧，消息体会被复制
func Encode(body []byte) (Frame, error) {
	if len(body) > MaxBodyLen {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, len(body), MaxBodyLen)
	}
	wire := make([]byte, HeaderLen+len(body))
	copy(wire, fmt.Sprintf("%4d", len(body)))
	copy(wire[HeaderLen:], body)
	return Frame{wire: wire}, nil
}

// MustEncode 用于常量消息，超长时panic
func MustEncode(body []byte) Frame {
	f, err := Encode(body)
	if err != nil {
		panic(err)
	}
	return f
}

// DecodeHeader 解析头部，返回消息体长度
func DecodeHeader(h []byte) (int, error) {
	if len(h) != HeaderLen {
		return 0, fmt.Errorf("%w: length %d", ErrInvalidHeader, len(h))
	}

	i := 0
	for i < len(h) && h[i] == ' ' {
		i++
	}
	digits := h[i:]
	if len(digits) == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHeader, h)
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrInvalidHeader, h)
		}
	}

	n, err := strconv.Atoi(string(digits))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHeader, h)
	}
	if n > MaxBodyLen {
		return 0, fmt.Errorf("%w: %q exceeds %d", ErrInvalidHeader, h, MaxBodyLen)
	}
	return n, nil
}

// Decode 从完整的字节切片中解析出一个帧
func Decode(wire []byte) (Frame, error) {
	if len(wire) < HeaderLen {
		return Frame{}, fmt.Errorf("%w: short header", ErrInvalidHeader)
	}
	n, err := DecodeHeader(wire[:HeaderLen])
	if err != nil {
		return Frame{}, err
	}
	rest := wire[HeaderLen:]
	switch {
	case len(rest) < n:
		return Frame{}, io.ErrUnexpectedEOF
	case len(rest) > n:
		return Frame{}, ErrTrailingBytes
	}
	return Encode(rest)
}

// Read 从流中读取恰好一个帧，先读头部再读消息体
func Read(r io.Reader) (Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n, err := DecodeHeader(hdr[:])
	if err != nil {
		return Frame{}, err
	}

	wire := make([]byte, HeaderLen+n)
	copy(wire, hdr[:])
	if _, err := io.ReadFull(r, wire[HeaderLen:]); err != nil {
		return Frame{}, err
	}
	return Frame{wire: wire}, nil
}

// Body 返回消息体，调用方不得修改
func (f Frame) Body() []byte {
	if len(f.wire) < HeaderLen {
		return nil
	}
	return f.wire[HeaderLen:]
}

// Len 消息体长度
func (f Frame) Len() int {
	return len(f.Body())
}

// Bytes 返回线路格式的字节，调用方不得修改
func (f Frame) Bytes() []byte {
	if f.wire == nil {
		return MustEncode(nil).wire
	}
	return f.wire
}

func (f Frame) String() string {
	return string(f.Body())
}
