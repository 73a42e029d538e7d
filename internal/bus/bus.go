// Package bus 提供节点间消息传递机制
package bus

import (
	"context"
	"errors"
)

// 定义错误类型
var (
	ErrTopicEmpty    = errors.New("topic cannot be empty")
	ErrBusClosed     = errors.New("message bus is closed")
	ErrPublishFailed = errors.New("publish message failed")
)

// MessageBus 在节点间传播消息
type MessageBus interface {
	// Publish 发布消息到指定主题
	Publish(ctx context.Context, topic string, data []byte) error

	// Subscribe 订阅指定主题，返回接收channel，ctx取消时自动取消订阅
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)

	// Unsubscribe 取消订阅主题，对应的channel会被关闭
	Unsubscribe(topic string) error

	Close() error
}

// 主题常量
const (
	BroadcastTopic = "relay.broadcast" // 中继广播
)

// 总线类型
const (
	TypeNoop   = "noop"
	TypeMemory = "memory"
	TypeNATS   = "nats"
	TypeRedis  = "redis"
)
