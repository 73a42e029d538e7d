// Package memory 提供进程内的消息总线实现
//
// 同一个Network上的多个Bus互相可见，可以在单进程内模拟多节点集群。
package memory

import (
	"context"
	"sync"

	"gorelay/internal/bus"
)

const subscriberBuffer = 64

// Network 进程内的共享消息网络
type Network struct {
	mu   sync.Mutex
	subs map[string]map[*Bus][]chan []byte // topic -> bus -> channels
}

func NewNetwork() *Network {
	return &Network{subs: make(map[string]map[*Bus][]chan []byte)}
}

// NewBus 在网络上创建一个新节点的总线
func (n *Network) NewBus() *Bus {
	return &Bus{network: n}
}

// Bus 挂在Network上的一个总线端点
type Bus struct {
	network *Network

	mu     sync.Mutex
	closed bool
}

// New 创建一个独占网络的总线
func New() *Bus {
	return NewNetwork().NewBus()
}

// Publish 投递给网络上所有订阅者，订阅者通道满时丢弃
func (b *Bus) Publish(_ context.Context, topic string, data []byte) error {
	if b.isClosed() {
		return bus.ErrBusClosed
	}
	if topic == "" {
		return bus.ErrTopicEmpty
	}

	n := b.network
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, chans := range n.subs[topic] {
		for _, ch := range chans {
			dataCopy := make([]byte, len(data))
			copy(dataCopy, data)
			select {
			case ch <- dataCopy:
			default:
			}
		}
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	if b.isClosed() {
		return nil, bus.ErrBusClosed
	}
	if topic == "" {
		return nil, bus.ErrTopicEmpty
	}

	n := b.network
	n.mu.Lock()
	if n.subs[topic] == nil {
		n.subs[topic] = make(map[*Bus][]chan []byte)
	}
	ch := make(chan []byte, subscriberBuffer)
	n.subs[topic][b] = append(n.subs[topic][b], ch)
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.remove(topic, b, ch)
	}()

	return ch, nil
}

// Unsubscribe 关闭本总线在该主题上的所有订阅
func (b *Bus) Unsubscribe(topic string) error {
	if topic == "" {
		return bus.ErrTopicEmpty
	}
	b.network.remove(topic, b, nil)
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	n := b.network
	n.mu.Lock()
	topics := make([]string, 0, len(n.subs))
	for topic := range n.subs {
		topics = append(topics, topic)
	}
	n.mu.Unlock()

	for _, topic := range topics {
		n.remove(topic, b, nil)
	}
	return nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// remove 关闭并移除订阅，only为nil时移除该bus在主题上的全部订阅
func (n *Network) remove(topic string, b *Bus, only chan []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()

	chans := n.subs[topic][b]
	kept := chans[:0]
	for _, ch := range chans {
		if only == nil || ch == only {
			close(ch)
			continue
		}
		kept = append(kept, ch)
	}

	if len(kept) == 0 {
		delete(n.subs[topic], b)
		if len(n.subs[topic]) == 0 {
			delete(n.subs, topic)
		}
		return
	}
	n.subs[topic][b] = kept
}

var _ bus.MessageBus = (*Bus)(nil)
