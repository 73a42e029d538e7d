// Package nats 提供基于NATS的消息总线实现
package nats

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"gorelay/internal/bus"
	"gorelay/internal/metrics"
)

var ErrPublishTimeout = errors.New("publish timeout")

// Config NATS连接配置选项
type Config struct {
	// 连接地址，例如 nats://localhost:4222
	URLs []string `mapstructure:"urls"`

	// 连接名称，用于标识客户端
	Name string `mapstructure:"name"`

	// 重连等待时间
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`

	// 最大重连次数，-1表示无限重连
	MaxReconnects int `mapstructure:"max_reconnects"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// 发布超时
	OpTimeout time.Duration `mapstructure:"op_timeout"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		URLs:           []string{nats.DefaultURL},
		Name:           "gorelay",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
		OpTimeout:      500 * time.Millisecond,
	}
}

// NatsBus 基于NATS core pub/sub的消息总线
type NatsBus struct {
	conn   *nats.Conn
	cfg    Config
	mu     sync.RWMutex
	closed bool
	subs   map[string]*nats.Subscription
}

// New 连接NATS并创建总线
func New(cfg Config) (*NatsBus, error) {
	nb := &NatsBus{
		cfg:  cfg,
		subs: make(map[string]*nats.Subscription),
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			metrics.BusReconnect(bus.TypeNATS)
			slog.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			slog.Info("nats connection closed")
		}),
	}

	serverURL := nats.DefaultURL
	if len(cfg.URLs) > 0 {
		serverURL = strings.Join(cfg.URLs, ",")
	}

	nc, err := nats.Connect(serverURL, opts...)
	if err != nil {
		return nil, err
	}
	nb.conn = nc

	slog.Info("connected to nats", "urls", cfg.URLs)
	return nb, nil
}

// Publish 发布消息，超过OpTimeout仍未flush视为失败
func (n *NatsBus) Publish(ctx context.Context, topic string, data []byte) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return bus.ErrBusClosed
	}
	if topic == "" {
		return bus.ErrTopicEmpty
	}

	if err := n.conn.Publish(topic, data); err != nil {
		metrics.BusError(bus.TypeNATS, "publish")
		return errors.Join(bus.ErrPublishFailed, err)
	}

	flushCtx, cancel := context.WithTimeout(ctx, n.cfg.OpTimeout)
	defer cancel()
	if err := n.conn.FlushWithContext(flushCtx); err != nil {
		metrics.BusError(bus.TypeNATS, "publish")
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrPublishTimeout
		}
		return errors.Join(bus.ErrPublishFailed, err)
	}
	return nil
}

// Subscribe 订阅主题，同一主题重复订阅会替换旧订阅
func (n *NatsBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, bus.ErrBusClosed
	}
	if topic == "" {
		return nil, bus.ErrTopicEmpty
	}

	outCh := make(chan []byte, 100)
	msgCh := make(chan *nats.Msg, 100)
	sub, err := n.conn.ChanSubscribe(topic, msgCh)
	if err != nil {
		metrics.BusError(bus.TypeNATS, "subscribe")
		return nil, err
	}

	if old, ok := n.subs[topic]; ok {
		_ = old.Unsubscribe()
	}
	n.subs[topic] = sub

	done := make(chan struct{})
	go n.forward(topic, sub, msgCh, outCh, done)

	go func() {
		select {
		case <-ctx.Done():
			n.unsubscribe(topic, sub)
		case <-done:
		}
	}()

	slog.Info("subscribed to nats topic", "topic", topic)
	return outCh, nil
}

// forward 把NATS消息转到输出通道，订阅失效后关闭输出通道
func (n *NatsBus) forward(topic string, sub *nats.Subscription, msgCh <-chan *nats.Msg, outCh chan<- []byte, done chan<- struct{}) {
	defer close(done)
	defer close(outCh)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case msg := <-msgCh:
			data := make([]byte, len(msg.Data))
			copy(data, msg.Data)

			select {
			case outCh <- data:
			case <-time.After(n.cfg.OpTimeout):
				slog.Warn("timeout sending message to subscriber channel", "topic", topic)
				metrics.BusError(bus.TypeNATS, "subscribe")
			}
		case <-ticker.C:
			if !sub.IsValid() {
				return
			}
		}
	}
}

// Unsubscribe 取消订阅，对应的输出通道会关闭
func (n *NatsBus) Unsubscribe(topic string) error {
	if topic == "" {
		return bus.ErrTopicEmpty
	}

	n.mu.RLock()
	sub, exists := n.subs[topic]
	n.mu.RUnlock()
	if !exists {
		return nil
	}
	return n.unsubscribe(topic, sub)
}

func (n *NatsBus) unsubscribe(topic string, sub *nats.Subscription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if cur, ok := n.subs[topic]; ok && cur == sub {
		delete(n.subs, topic)
	}
	if !sub.IsValid() {
		return nil
	}
	return sub.Unsubscribe()
}

// Close 关闭所有订阅和连接
func (n *NatsBus) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true

	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.subs = make(map[string]*nats.Subscription)

	n.conn.Close()
	return nil
}

var _ bus.MessageBus = (*NatsBus)(nil)
