package redis

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorelay/internal/bus"
	"gorelay/internal/metrics"
)

// Publish 通过PUBLISH发布消息
func (r *RedisBus) Publish(ctx context.Context, topic string, data []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return bus.ErrBusClosed
	}
	if topic == "" {
		return bus.ErrTopicEmpty
	}

	publishCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()

	// 没有订阅者也不算错误
	if err := r.client.Publish(publishCtx, r.formatKey(topic), data).Err(); err != nil {
		metrics.BusError(bus.TypeRedis, "publish")
		return errors.Join(bus.ErrPublishFailed, err)
	}
	return nil
}

// Subscribe 订阅Redis频道，断线后自动重新订阅
func (r *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, bus.ErrBusClosed
	}
	if topic == "" {
		r.mu.Unlock()
		return nil, bus.ErrTopicEmpty
	}
	if cancel, ok := r.subs[topic]; ok {
		cancel()
	}

	outCh := make(chan []byte, 100)
	subCtx, cancel := context.WithCancel(ctx)
	r.subs[topic] = cancel
	r.mu.Unlock()

	ready := make(chan struct{})
	go r.subscribeRoutine(subCtx, r.formatKey(topic), outCh, ready)

	// 等待首次订阅确认，避免紧随其后的Publish丢失
	select {
	case <-ready:
	case <-subCtx.Done():
	case <-time.After(r.cfg.DialTimeout):
		slog.Warn("redis subscription not confirmed yet", "topic", topic)
	}

	return outCh, nil
}

// Unsubscribe 取消订阅，goroutine退出时关闭输出通道
func (r *RedisBus) Unsubscribe(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if topic == "" {
		return bus.ErrTopicEmpty
	}
	if r.closed {
		return nil
	}

	if cancel, exists := r.subs[topic]; exists {
		cancel()
		delete(r.subs, topic)
	}
	return nil
}
