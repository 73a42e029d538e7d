package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"gorelay/internal/bus"
	"gorelay/internal/frame"
	"gorelay/internal/metrics"
)

// Hub 广播集线器，成员表和历史环只在run goroutine中访问
type Hub struct {
	cfg    Config
	nodeID string

	cmds      chan func()
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	nextToken atomic.Uint64

	members map[Token]Participant
	history *history

	bus   bus.MessageBus
	relay *clusterRelay
}

// NewHub 创建集线器并启动事件循环，messageBus为nil时只在本节点广播
func NewHub(messageBus bus.MessageBus, cfg Config) *Hub {
	def := DefaultConfig()
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = def.CommandBuffer
	}
	// 负数关闭历史回放
	if cfg.HistorySize == 0 {
		cfg.HistorySize = def.HistorySize
	}

	h := &Hub{
		cfg:     cfg,
		nodeID:  uuid.NewString(),
		cmds:    make(chan func(), cfg.CommandBuffer),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		members: make(map[Token]Participant),
		history: newHistory(cfg.HistorySize),
		bus:     messageBus,
	}

	if messageBus != nil {
		h.relay = newClusterRelay(h, messageBus, cfg)
	}

	go h.run()
	if h.relay != nil {
		h.relay.start()
	}

	slog.Info("hub initialized", "node_id", h.nodeID, "history_size", cfg.HistorySize, "clustered", messageBus != nil)
	return h
}

func (h *Hub) run() {
	defer close(h.stopped)

	for {
		select {
		case <-h.done:
			return
		case fn := <-h.cmds:
			fn()
		}
	}
}

// exec 把命令投递到事件循环，集线器关闭后返回false
func (h *Hub) exec(fn func()) bool {
	select {
	case <-h.done:
		return false
	default:
	}

	select {
	case h.cmds <- fn:
		return true
	case <-h.done:
		return false
	}
}

// query 在事件循环中执行fn并等待其完成
func (h *Hub) query(fn func()) bool {
	reply := make(chan struct{})
	if !h.exec(func() {
		fn()
		close(reply)
	}) {
		return false
	}

	select {
	case <-reply:
		return true
	case <-h.stopped:
		return false
	}
}

// Join 加入成员并按从旧到新的顺序回放历史
func (h *Hub) Join(p Participant) Token {
	token := Token(h.nextToken.Add(1))
	h.exec(func() {
		h.members[token] = p
		replayed := h.history.len()
		h.history.each(p.Deliver)
		h.reportState()
		slog.Debug("participant joined", "token", token, "members", len(h.members), "replayed", replayed)
	})
	return token
}

// Leave 移除成员，不存在时什么也不做
func (h *Hub) Leave(token Token) {
	h.exec(func() {
		if _, ok := h.members[token]; !ok {
			return
		}
		delete(h.members, token)
		h.reportState()
		slog.Debug("participant left", "token", token, "members", len(h.members))
	})
}

// Deliver 记录到历史并发给所有成员，包括发送者自己
func (h *Hub) Deliver(f frame.Frame) {
	h.exec(func() {
		h.broadcast(f)
		if h.relay != nil {
			h.relay.enqueue(f)
		}
	})
}

// deliverRemote 处理其他节点转发来的帧，不再发布到总线
func (h *Hub) deliverRemote(f frame.Frame) {
	h.exec(func() {
		h.broadcast(f)
	})
}

func (h *Hub) broadcast(f frame.Frame) {
	h.history.push(f)
	for _, p := range h.members {
		p.Deliver(f)
	}
	metrics.Fanout(len(h.members))
	h.reportState()
}

func (h *Hub) reportState() {
	metrics.HubState(len(h.members), h.history.len())
}

// MemberCount 当前成员数
func (h *Hub) MemberCount() int {
	n := 0
	h.query(func() { n = len(h.members) })
	return n
}

// Contains 判断句柄是否仍是成员
func (h *Hub) Contains(token Token) bool {
	ok := false
	h.query(func() { _, ok = h.members[token] })
	return ok
}

// History 历史快照，从旧到新
func (h *Hub) History() []frame.Frame {
	var out []frame.Frame
	h.query(func() { out = h.history.snapshot() })
	return out
}

// HistorySize 历史环的实际容量，0表示不回放
func (h *Hub) HistorySize() int {
	return len(h.history.buf)
}

func (h *Hub) NodeID() string {
	return h.nodeID
}

// ClusterReady 集群订阅建立后关闭，未启用集群时直接返回已关闭的通道
func (h *Hub) ClusterReady() <-chan struct{} {
	if h.relay == nil {
		ready := make(chan struct{})
		close(ready)
		return ready
	}
	return h.relay.ready
}

// Close 停止事件循环和集群转发，并关闭消息总线
func (h *Hub) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		<-h.stopped

		if h.relay != nil {
			h.relay.stop()
		}
		if h.bus != nil {
			err = h.bus.Close()
		}
		slog.Info("hub closed", "node_id", h.nodeID)
	})
	return err
}
