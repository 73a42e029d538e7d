// Package hub 实现广播集线器和连接会话
package hub

import "gorelay/internal/frame"

// Participant 能接收广播帧的成员，Deliver不得阻塞
type Participant interface {
	Deliver(f frame.Frame)
}

// ParticipantFunc 函数形式的成员
type ParticipantFunc func(f frame.Frame)

func (fn ParticipantFunc) Deliver(f frame.Frame) {
	fn(f)
}

// Token 集线器分配给每次加入的句柄
type Token uint64
