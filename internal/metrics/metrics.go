// Package metrics 提供监控指标收集功能
package metrics

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once           sync.Once
	registry       *prometheus.Registry
	defaultMetrics *Metrics
)

// Metrics 封装所有监控指标
type Metrics struct {
	// 会话指标
	ConnectedSessions prometheus.Gauge
	SessionsOpened    prometheus.Counter
	SessionsClosed    *prometheus.CounterVec

	// 帧指标
	FramesIn  prometheus.Counter
	FramesOut prometheus.Counter
	FrameSize prometheus.Histogram

	// 集线器指标
	HubMembers  prometheus.Gauge
	HistoryLen  prometheus.Gauge
	FanoutTotal prometheus.Counter

	// 集群总线指标
	BusPublished     prometheus.Counter
	BusPublishErrors prometheus.Counter
	BusReceived      prometheus.Counter
	BusDropped       prometheus.Counter
	BusErrors        *prometheus.CounterVec
	BusReconnects    *prometheus.CounterVec

	// 错误指标
	CriticalErrorsTotal *prometheus.CounterVec
}

// NewMetrics 创建新的Metrics实例，注册到独立的注册表
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ConnectedSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_sessions",
			Help:      "当前连接的会话数",
		}),
		SessionsOpened: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "建立的会话总数",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "关闭的会话总数，按原因分类",
		}, []string{"reason"}),

		FramesIn: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_in_total",
			Help:      "从客户端读取的帧总数",
		}),
		FramesOut: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_out_total",
			Help:      "写入客户端的帧总数",
		}),
		FrameSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_body_bytes",
			Help:      "入站帧消息体大小分布",
			Buckets:   []float64{0, 16, 64, 128, 256, 512},
		}),

		HubMembers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_members",
			Help:      "集线器当前成员数",
		}),
		HistoryLen: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_history_len",
			Help:      "历史环中的帧数",
		}),
		FanoutTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_fanout_total",
			Help:      "扇出投递次数",
		}),

		BusPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_published_total",
			Help:      "发布到集群总线的帧数",
		}),
		BusPublishErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publish_errors_total",
			Help:      "集群总线发布失败次数",
		}),
		BusReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_received_total",
			Help:      "从其他节点收到的帧数",
		}),
		BusDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "发布队列已满而丢弃的帧数",
		}),
		BusErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_errors_total",
			Help:      "总线实现层错误数，按总线类型和操作分类",
		}, []string{"bus", "op"}),
		BusReconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_reconnects_total",
			Help:      "总线重连次数",
		}, []string{"bus"}),

		CriticalErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "critical_errors_total",
			Help:      "严重错误总数",
		}, []string{"type"}),
	}
}

// GetRegistry 获取Prometheus注册表
func GetRegistry() *prometheus.Registry {
	Default()
	return registry
}

// Default 获取默认指标实例
func Default() *Metrics {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		defaultMetrics = NewMetrics("gorelay", registry)
	})
	return defaultMetrics
}

// 便捷方法，用于快速记录指标

// SessionOpened 记录会话建立
func SessionOpened() {
	m := Default()
	m.ConnectedSessions.Inc()
	m.SessionsOpened.Inc()
}

// SessionClosed 记录会话关闭
func SessionClosed(reason string) {
	m := Default()
	m.ConnectedSessions.Dec()
	m.SessionsClosed.WithLabelValues(reason).Inc()
}

// FrameReceived 记录入站帧
func FrameReceived(bodyLen int) {
	m := Default()
	m.FramesIn.Inc()
	m.FrameSize.Observe(float64(bodyLen))
}

// FrameSent 记录出站帧
func FrameSent() {
	Default().FramesOut.Inc()
}

// HubState 记录集线器成员数和历史长度
func HubState(members, history int) {
	m := Default()
	m.HubMembers.Set(float64(members))
	m.HistoryLen.Set(float64(history))
}

// Fanout 记录一次扇出的接收者数量
func Fanout(recipients int) {
	Default().FanoutTotal.Add(float64(recipients))
}

func BusPublished() {
	Default().BusPublished.Inc()
}

func BusPublishFailed() {
	Default().BusPublishErrors.Inc()
}

func BusReceived() {
	Default().BusReceived.Inc()
}

func BusDropped() {
	Default().BusDropped.Inc()
}

// BusError 记录总线实现层错误，op为publish或subscribe
func BusError(busType, op string) {
	Default().BusErrors.WithLabelValues(busType, op).Inc()
}

func BusReconnect(busType string) {
	Default().BusReconnects.WithLabelValues(busType).Inc()
}

// RecordCriticalError 记录严重错误
func RecordCriticalError(errorType string) {
	Default().CriticalErrorsTotal.WithLabelValues(errorType).Inc()

	// 记录在日志中，便于排查
	slog.Error("critical error encountered", "type", errorType)
}
