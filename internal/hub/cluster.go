package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"gorelay/internal/bus"
	"gorelay/internal/frame"
	"gorelay/internal/metrics"
)

// envelope 节点间转发的帧
type envelope struct {
	ID     uuid.UUID `cbor:"1,keyasint"`
	Node   string    `cbor:"2,keyasint"`
	Body   []byte    `cbor:"3,keyasint"`
	SentAt int64     `cbor:"4,keyasint"` // unix纳秒
}

func encodeEnvelope(env envelope) ([]byte, error) {
	return cbor.Marshal(env)
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}

// clusterRelay 把本地帧发布到总线，并把其他节点的帧交给集线器
type clusterRelay struct {
	hub    *Hub
	bus    bus.MessageBus
	cfg    Config
	out    chan frame.Frame
	dedup  *deduplicator
	ready  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newClusterRelay(h *Hub, messageBus bus.MessageBus, cfg Config) *clusterRelay {
	def := DefaultConfig()
	if cfg.PublishBuffer <= 0 {
		cfg.PublishBuffer = def.PublishBuffer
	}
	if cfg.BusTimeout <= 0 {
		cfg.BusTimeout = def.BusTimeout
	}
	if cfg.SubscribeAttempts == 0 {
		cfg.SubscribeAttempts = def.SubscribeAttempts
	}
	if cfg.SubscribeDelay <= 0 {
		cfg.SubscribeDelay = def.SubscribeDelay
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = def.DedupWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &clusterRelay{
		hub:    h,
		bus:    messageBus,
		cfg:    cfg,
		out:    make(chan frame.Frame, cfg.PublishBuffer),
		dedup:  newDeduplicator(cfg.DedupWindow),
		ready:  make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *clusterRelay) start() {
	r.wg.Add(2)
	go r.publishLoop()
	go r.subscribeLoop()
}

func (r *clusterRelay) stop() {
	r.cancel()
	r.wg.Wait()
}

// enqueue 在集线器事件循环中调用，队列满时丢弃
func (r *clusterRelay) enqueue(f frame.Frame) {
	select {
	case r.out <- f:
	default:
		metrics.BusDropped()
		slog.Warn("cluster publish queue full, dropping frame", "size", f.Len())
	}
}

func (r *clusterRelay) publishLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case f := <-r.out:
			r.publish(f)
		}
	}
}

func (r *clusterRelay) publish(f frame.Frame) {
	data, err := encodeEnvelope(envelope{
		ID:     uuid.New(),
		Node:   r.hub.nodeID,
		Body:   f.Body(),
		SentAt: time.Now().UnixNano(),
	})
	if err != nil {
		slog.Error("failed to encode envelope", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.BusTimeout)
	defer cancel()

	if err := r.bus.Publish(ctx, bus.BroadcastTopic, data); err != nil {
		metrics.BusPublishFailed()
		slog.Warn("failed to publish broadcast via bus", "error", err)
		return
	}
	metrics.BusPublished()
}

func (r *clusterRelay) subscribeLoop() {
	defer r.wg.Done()

	var markReady sync.Once
	for {
		var ch <-chan []byte
		err := retry.Do(
			func() error {
				var err error
				ch, err = r.bus.Subscribe(r.ctx, bus.BroadcastTopic)
				return err
			},
			retry.Context(r.ctx),
			retry.Attempts(r.cfg.SubscribeAttempts),
			retry.Delay(r.cfg.SubscribeDelay),
			retry.MaxDelay(30*time.Second),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
			retry.OnRetry(func(n uint, err error) {
				slog.Warn("failed to subscribe to broadcast topic, retrying", "attempt", n+1, "error", err)
			}),
		)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			metrics.RecordCriticalError("failed_to_subscribe_broadcast")
			slog.Error("failed to subscribe to broadcast topic after max retries",
				"error", err, "attempts", r.cfg.SubscribeAttempts)
			return
		}

		slog.Info("subscribed to broadcast topic", "node_id", r.hub.nodeID)
		markReady.Do(func() { close(r.ready) })

		if !r.consume(ch) {
			return
		}
		slog.Warn("broadcast channel closed, resubscribing")
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(r.cfg.SubscribeDelay):
		}
	}
}

// consume 处理订阅通道，通道被关闭且需要重新订阅时返回true
func (r *clusterRelay) consume(ch <-chan []byte) bool {
	for {
		select {
		case <-r.ctx.Done():
			return false
		case data, ok := <-ch:
			if !ok {
				return r.ctx.Err() == nil
			}
			r.handle(data)
		}
	}
}

func (r *clusterRelay) handle(data []byte) {
	env, err := decodeEnvelope(data)
	if err != nil {
		metrics.BusError("envelope", "decode")
		slog.Warn("failed to decode bus envelope", "error", err)
		return
	}
	// 自己发布的帧已经在本地广播过
	if env.Node == r.hub.nodeID {
		return
	}
	if r.dedup.seen(env.ID) {
		metrics.BusError("envelope", "duplicate")
		slog.Debug("dropping duplicate envelope", "id", env.ID, "source_node", env.Node)
		return
	}

	f, err := frame.Encode(env.Body)
	if err != nil {
		slog.Warn("dropping oversized remote frame", "source_node", env.Node, "error", err)
		return
	}
	metrics.BusReceived()
	r.hub.deliverRemote(f)
	slog.Debug("processed bus broadcast", "id", env.ID, "source_node", env.Node)
}
