package hub

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gorelay/internal/frame"
	"gorelay/internal/metrics"
)

// Conn 会话使用的字节流，net.Conn和websocket适配器都满足
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// State 读循环状态
type State int32

const (
	StateAwaitingHeader State = iota
	StateAwaitingBody
	StateDispatch
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHeader:
		return "awaiting_header"
	case StateAwaitingBody:
		return "awaiting_body"
	case StateDispatch:
		return "dispatch"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session 一个客户端连接：读循环把帧交给集线器，写循环按入队顺序写出
type Session struct {
	id      string
	conn    Conn
	hub     *Hub
	cfg     Config
	onClose func(string) // 关闭时的回调函数
	token   Token

	state atomic.Int32

	mu      sync.Mutex
	queue   []frame.Frame // 待写出的帧，队首可能正在写
	writing bool
	closed  bool
	started bool
	err     error

	wake      chan struct{}
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession 创建会话，id为空时自动生成
func NewSession(id string, conn Conn, h *Hub, cfg Config, onClose func(string)) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		id:      id,
		conn:    conn,
		hub:     h,
		cfg:     cfg,
		onClose: onClose,
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start 加入集线器(回放历史)，然后启动读写循环
func (s *Session) Start() {
	s.mu.Lock()
	if s.closed || s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	metrics.SessionOpened()
	s.token = s.hub.Join(s)

	go s.writeLoop()
	go s.readLoop()
}

// Deliver 把帧加入出站队列，从不阻塞；会话关闭后静默丢弃
func (s *Session) Deliver(f frame.Frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.cfg.MaxPendingFrames > 0 && len(s.queue) >= s.cfg.MaxPendingFrames {
		// 锁内先标记关闭，关闭流可能阻塞，不能占用集线器循环
		s.closed = true
		s.queue = nil
		s.err = ErrQueueOverflow
		s.mu.Unlock()
		slog.Warn("outbound queue overflow, closing session", "session_id", s.id, "limit", s.cfg.MaxPendingFrames)
		go s.shutdown(ErrQueueOverflow)
		return
	}
	s.queue = append(s.queue, f)
	idle := !s.writing
	s.writing = true
	s.mu.Unlock()

	if idle {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

func (s *Session) readLoop() {
	var err error
	defer func() { s.finish(err) }()

	var hdr [frame.HeaderLen]byte
	body := make([]byte, frame.MaxBodyLen)
	n := 0

	for {
		switch s.State() {
		case StateAwaitingHeader:
			if err = s.readFull(hdr[:]); err != nil {
				return
			}
			if n, err = frame.DecodeHeader(hdr[:]); err != nil {
				return
			}
			if !s.transition(StateAwaitingHeader, StateAwaitingBody) {
				return
			}

		case StateAwaitingBody:
			if err = s.readFull(body[:n]); err != nil {
				return
			}
			if !s.transition(StateAwaitingBody, StateDispatch) {
				return
			}

		case StateDispatch:
			var f frame.Frame
			if f, err = frame.Encode(body[:n]); err != nil {
				return
			}
			metrics.FrameReceived(n)
			s.hub.Deliver(f)
			if !s.transition(StateDispatch, StateAwaitingHeader) {
				return
			}

		default:
			return
		}
	}
}

func (s *Session) readFull(buf []byte) error {
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	if _, err := io.ReadFull(s.conn, buf); err != nil {
		return &TransportError{Op: "read", Err: err}
	}
	return nil
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closing:
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if s.closed || len(s.queue) == 0 {
				s.writing = false
				s.mu.Unlock()
				break
			}
			head := s.queue[0]
			s.mu.Unlock()

			if s.cfg.WriteTimeout > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			}
			if _, err := s.conn.Write(head.Bytes()); err != nil {
				s.shutdown(&TransportError{Op: "write", Err: err})
				return
			}
			metrics.FrameSent()

			s.mu.Lock()
			if len(s.queue) > 0 {
				s.queue[0] = frame.Frame{}
				s.queue = s.queue[1:]
			}
			s.mu.Unlock()
		}
	}
}

// shutdown 只关闭流，离开集线器由读循环退出时完成
func (s *Session) shutdown(cause error) {
	if cause == nil {
		cause = ErrSessionClosed
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		if s.err == nil {
			s.err = cause
		}
		started := s.started
		s.mu.Unlock()

		s.state.Store(int32(StateClosed))
		close(s.closing)
		_ = s.conn.Close()

		if !started {
			close(s.done)
		}
	})
}

func (s *Session) finish(readErr error) {
	s.shutdown(readErr)
	s.hub.Leave(s.token)

	err := s.Err()
	reason := Classify(err)
	metrics.SessionClosed(reason)
	switch reason {
	case ReasonEOF, ReasonClosed:
		slog.Info("session closed", "session_id", s.id, "reason", reason)
	default:
		slog.Warn("session closed", "session_id", s.id, "reason", reason, "error", err)
	}

	if s.onClose != nil {
		s.onClose(s.id)
	}
	close(s.done)
}

func (s *Session) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Close 关闭连接，正在进行的读写会立即失败
func (s *Session) Close() {
	s.shutdown(ErrSessionClosed)
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Token() Token {
	return s.token
}

func (s *Session) State() State {
	return State(s.state.Load())
}

// Pending 出站队列长度
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Done 会话完全结束(已离开集线器)后关闭
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err 导致会话关闭的错误
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

var _ Participant = (*Session)(nil)
