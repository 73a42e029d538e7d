package redis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"gorelay/internal/bus"
	"gorelay/internal/metrics"
)

// subscribeRoutine 维持对频道的订阅，直到ctx取消
func (r *RedisBus) subscribeRoutine(ctx context.Context, channel string, outCh chan<- []byte, ready chan<- struct{}) {
	defer close(outCh)

	var signalReady sync.Once
	markReady := func() { signalReady.Do(func() { close(ready) }) }
	defer markReady()

	retries := 0
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := r.client.Subscribe(ctx, channel)
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			retries++
			metrics.BusError(bus.TypeRedis, "subscribe")
			slog.Warn("failed to receive subscription confirmation",
				"channel", channel, "error", err, "attempt", retries)
			if !sleepCtx(ctx, r.cfg.RetryInterval) {
				return
			}
			continue
		}

		if retries > 0 {
			slog.Info("redis subscription recovered", "channel", channel, "after_retries", retries)
			retries = 0
		}
		markReady()

		r.pump(ctx, channel, pubsub.Channel(), outCh)
		_ = pubsub.Close()

		if ctx.Err() != nil {
			return
		}
		slog.Info("redis subscription disconnected, reconnecting", "channel", channel)
		metrics.BusReconnect(bus.TypeRedis)
		if !sleepCtx(ctx, r.cfg.RetryInterval) {
			return
		}
	}
}

func (r *RedisBus) pump(ctx context.Context, channel string, msgCh <-chan *redis.Message, outCh chan<- []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgCh:
			if !ok {
				return
			}
			select {
			case outCh <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.OpTimeout):
				slog.Warn("timeout sending message to subscriber channel", "channel", channel)
				metrics.BusError(bus.TypeRedis, "subscribe")
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
