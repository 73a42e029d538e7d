// Package websocket 把WebSocket连接适配成帧协议使用的字节流
package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Config 定义WebSocket连接的配置选项
type Config struct {
	ReadBufferSize  int           `mapstructure:"read_buffer_size" json:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size" json:"write_buffer_size"`
	CloseTimeout    time.Duration `mapstructure:"close_timeout" json:"close_timeout"` // 发送关闭帧的超时
	AllowedOrigins  []string      `mapstructure:"allowed_origins" json:"allowed_origins"`
}

// DefaultConfig 返回默认的WebSocket配置
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  4 << 10, // 4KB
		WriteBufferSize: 4 << 10, // 4KB
		CloseTimeout:    time.Second,
	}
}

// NewUpgrader 按配置创建Upgrader，AllowedOrigins为空时不检查来源
func NewUpgrader(cfg Config) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			if len(cfg.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range cfg.AllowedOrigins {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
}
