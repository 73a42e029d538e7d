package hub

import "gorelay/internal/frame"

// history 定长环形缓冲，满了覆盖最旧的帧
type history struct {
	buf   []frame.Frame
	start int
	size  int
}

func newHistory(capacity int) *history {
	if capacity < 0 {
		capacity = 0
	}
	return &history{buf: make([]frame.Frame, capacity)}
}

// push 追加一帧，返回是否淘汰了最旧的帧
func (h *history) push(f frame.Frame) bool {
	if len(h.buf) == 0 {
		return false
	}
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = f
		h.size++
		return false
	}
	h.buf[h.start] = f
	h.start = (h.start + 1) % len(h.buf)
	return true
}

// each 从旧到新遍历
func (h *history) each(fn func(frame.Frame)) {
	for i := 0; i < h.size; i++ {
		fn(h.buf[(h.start+i)%len(h.buf)])
	}
}

func (h *history) snapshot() []frame.Frame {
	out := make([]frame.Frame, 0, h.size)
	h.each(func(f frame.Frame) { out = append(out, f) })
	return out
}

func (h *history) len() int {
	return h.size
}
