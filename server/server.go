package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"

	"gorelay/configs"
	"gorelay/internal/bus"
	"gorelay/internal/bus/memory"
	hubnats "gorelay/internal/bus/nats"
	"gorelay/internal/bus/noop"
	hubredis "gorelay/internal/bus/redis"
	"gorelay/internal/frame"
	"gorelay/internal/hub"
	"gorelay/internal/metrics"
	"gorelay/internal/websocket"
)

var ErrServerClosed = errors.New("server closed")

// Options 服务器配置选项
type Options struct {
	// TCP监听地址，默认 ":9000"
	Address string

	// HTTP监听地址(/ws、/metrics、/health)，为空时不启动
	HTTPAddress string

	// 是否启用集群模式，默认 false
	EnableCluster bool

	// 消息总线类型: "nats", "redis", "memory", "noop"，默认 "noop"
	BusType string

	// NATS配置，当BusType为"nats"时使用
	NATSConfig *hubnats.Config

	// Redis配置，当BusType为"redis"时使用
	RedisConfig *hubredis.Config

	// 已创建好的消息总线，非nil时忽略BusType
	MessageBus bus.MessageBus

	// 集线器和会话配置，nil使用默认配置；HistorySize为0时取默认容量，负数关闭回放
	Hub *hub.Config

	Version string
}

type Server struct {
	config *configs.Config
	hub    *hub.Hub

	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server

	sessions  sync.Map // key=id, value=*hub.Session
	wg        sync.WaitGroup
	closing   atomic.Bool
	startedAt time.Time
}

// NewServer 按选项创建服务器
func NewServer(opts *Options) (*Server, error) {
	if opts == nil {
		opts = &Options{}
	}
	config := buildConfig(opts)

	messageBus := opts.MessageBus
	if messageBus == nil && config.Cluster.Enabled {
		var err error
		if messageBus, err = createMessageBus(config.Cluster); err != nil {
			return nil, fmt.Errorf("failed to create message bus: %w", err)
		}
	}
	return newServer(config, messageBus), nil
}

// NewServerWithConfig 按加载好的配置创建服务器
func NewServerWithConfig(config configs.Config) (*Server, error) {
	var messageBus bus.MessageBus
	if config.Cluster.Enabled {
		var err error
		if messageBus, err = createMessageBus(config.Cluster); err != nil {
			return nil, fmt.Errorf("failed to create message bus: %w", err)
		}
	}
	return newServer(&config, messageBus), nil
}

func newServer(config *configs.Config, messageBus bus.MessageBus) *Server {
	return &Server{
		config: config,
		hub:    hub.NewHub(messageBus, config.Server.Hub),
	}
}

// Start 开始监听，监听失败时返回错误
func (s *Server) Start() error {
	// 初始化Prometheus指标
	metrics.Default()

	ln, err := net.Listen("tcp", s.config.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", s.config.Server.Addr, err)
	}
	s.listener = ln
	s.startedAt = time.Now()

	if s.config.Server.HTTPAddr != "" {
		hl, err := net.Listen("tcp", s.config.Server.HTTPAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen http %s: %w", s.config.Server.HTTPAddr, err)
		}
		s.httpListener = hl
		s.httpServer = &http.Server{
			Handler:           s.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(hl); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "error", err)
			}
		}()
		slog.Info("http listener started", "address", hl.Addr().String())
	}

	s.wg.Add(1)
	go s.acceptLoop()

	slog.Info("relay server started",
		"address", ln.Addr().String(),
		"node_id", s.hub.NodeID(),
		"cluster", s.config.Cluster.Enabled,
		"bus_type", s.config.Cluster.BusType)
	return nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/sessions", s.handleSessions)
	return mux
}

// acceptLoop 接受TCP连接，临时错误时退避重试
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			slog.Warn("accept failed, retrying", "error", err, "backoff_ms", backoff.Milliseconds())
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.startSession(conn, conn.RemoteAddr().String(), "tcp")
	}
}

// handleWebSocket 升级连接后按字节流建立会话
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Upgrade(w, r, s.config.Server.WebSocket)
	if err != nil {
		slog.Warn("failed to upgrade websocket", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	s.startSession(conn, r.RemoteAddr, "websocket")
}

func (s *Server) startSession(conn hub.Conn, remoteAddr, transport string) {
	if s.closing.Load() {
		_ = conn.Close()
		return
	}

	id := uuid.NewString()
	onClose := func(id string) {
		s.sessions.Delete(id)
		slog.Info("client disconnected", "session_id", id, "remote_addr", remoteAddr)
	}

	sess := hub.NewSession(id, conn, s.hub, s.config.Server.Hub, onClose)
	s.sessions.Store(id, sess)
	sess.Start()

	// Shutdown可能已经取过快照
	if s.closing.Load() {
		sess.Close()
		return
	}

	slog.Info("client connected", "session_id", id, "remote_addr", remoteAddr, "transport", transport)
}

// Sessions 当前会话快照
func (s *Server) Sessions() []*hub.Session {
	var out []*hub.Session
	s.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*hub.Session))
		return true
	})
	return out
}

// SessionCount 获取当前会话数量
func (s *Server) SessionCount() int {
	return len(s.Sessions())
}

func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Addr TCP监听的实际地址
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr HTTP监听的实际地址
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// handleHealth 处理健康检查
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	sessions := s.Sessions()

	clusterReady := false
	select {
	case <-s.hub.ClusterReady():
		clusterReady = true
	default:
	}

	status := "ok"
	if s.config.Cluster.Enabled && !clusterReady {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	response := map[string]any{
		"status":       status,
		"version":      s.config.Version,
		"node_id":      s.hub.NodeID(),
		"time":         time.Now().Format(time.RFC3339),
		"uptime":       time.Since(s.startedAt).Round(time.Second).String(),
		"sessions":     len(sessions),
		"pending":      lo.SumBy(sessions, func(sess *hub.Session) int { return sess.Pending() }),
		"members":      s.hub.MemberCount(),
		"history_len":  len(s.hub.History()),
		"history_size": s.hub.HistorySize(),
		"max_body_len": frame.MaxBodyLen,
		"cluster": map[string]any{
			"enabled":  s.config.Cluster.Enabled,
			"bus_type": s.config.Cluster.BusType,
			"ready":    clusterReady,
		},
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to write health check response", "error", err)
	}
}

type sessionInfo struct {
	ID      string `json:"id"`
	State   string `json:"state"`
	Pending int    `json:"pending"`
}

// handleSessions 列出当前会话
func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	infos := lo.Map(s.Sessions(), func(sess *hub.Session, _ int) sessionInfo {
		return sessionInfo{ID: sess.ID(), State: sess.State().String(), Pending: sess.Pending()}
	})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(infos); err != nil {
		slog.Error("failed to write sessions response", "error", err)
	}
}

// Shutdown 停止监听，关闭所有会话，然后关闭集线器和消息总线
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	slog.Info("shutting down relay server")

	var errs []error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	// 并发关闭，单个卡住的连接不拖慢其他会话
	sessions := s.Sessions()
	lo.ForEach(sessions, func(sess *hub.Session, _ int) { go sess.Close() })
wait:
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			slog.Warn("shutdown deadline reached before all sessions closed", "error", ctx.Err())
			errs = append(errs, ctx.Err())
			break wait
		}
	}

	// 超时也要关闭集线器和消息总线
	if err := s.hub.Close(); err != nil {
		slog.Error("failed to close hub", "error", err)
		errs = append(errs, err)
	}

	s.wg.Wait()
	slog.Info("relay server stopped", "closed_sessions", len(sessions))
	return errors.Join(errs...)
}

func buildConfig(opts *Options) *configs.Config {
	config := configs.NewDefaultConfig()

	if opts.Address != "" {
		config.Server.Addr = opts.Address
	}
	config.Server.HTTPAddr = opts.HTTPAddress
	if opts.Hub != nil {
		config.Server.Hub = *opts.Hub
	}

	config.Cluster.Enabled = opts.EnableCluster || opts.MessageBus != nil
	if opts.BusType != "" {
		config.Cluster.BusType = opts.BusType
	}
	if opts.NATSConfig != nil {
		config.Cluster.NATS = *opts.NATSConfig
	}
	if opts.RedisConfig != nil {
		config.Cluster.Redis = *opts.RedisConfig
	}
	if opts.Version != "" {
		config.Version = opts.Version
	}

	return &config
}

func createMessageBus(cluster configs.Cluster) (bus.MessageBus, error) {
	switch cluster.BusType {
	case bus.TypeNATS:
		return hubnats.New(cluster.NATS)
	case bus.TypeRedis:
		return hubredis.New(cluster.Redis)
	case bus.TypeMemory:
		return memory.New(), nil
	case bus.TypeNoop, "":
		return noop.New(), nil
	default:
		return nil, fmt.Errorf("unsupported bus type: %s", cluster.BusType)
	}
}

var _ hub.Conn = (*websocket.StreamConn)(nil)
var _ hub.Conn = (net.Conn)(nil)
