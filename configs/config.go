package configs

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"gorelay/internal/bus"
	"gorelay/internal/bus/nats"
	"gorelay/internal/bus/redis"
	"gorelay/internal/hub"
	"gorelay/internal/websocket"
)

type Server struct {
	Addr      string           `mapstructure:"addr"`
	HTTPAddr  string           `mapstructure:"http_addr"` // 为空时不启动HTTP(/ws、/metrics、/health)
	Hub       hub.Config       `mapstructure:"hub"`
	WebSocket websocket.Config `mapstructure:"websocket"`
}

type Cluster struct {
	Enabled bool         `mapstructure:"enabled"`
	BusType string       `mapstructure:"bus_type"` // 消息总线类型: "nats", "redis", "memory", "noop"
	NATS    nats.Config  `mapstructure:"nats"`
	Redis   redis.Config `mapstructure:"redis"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text 或 json
}

type Config struct {
	Server  `mapstructure:"server"`
	Cluster `mapstructure:"cluster"`
	Log     `mapstructure:"log"`
	Version string `mapstructure:"version"`
}

// NewDefaultConfig creates a new Config with default values
func NewDefaultConfig() Config {
	config := Config{}

	// 服务器默认配置
	config.Server.Addr = ":9000"
	config.Server.HTTPAddr = ":9001"
	config.Server.Hub = hub.DefaultConfig()
	config.Server.WebSocket = websocket.DefaultConfig()

	// 集群默认关闭
	config.Cluster.Enabled = false
	config.Cluster.BusType = bus.TypeNoop
	config.Cluster.NATS = nats.DefaultConfig()
	config.Cluster.Redis = redis.DefaultConfig()

	// 日志默认配置
	config.Log.Level = "info"
	config.Log.Format = "text"

	config.Version = "dev"

	return config
}

// LoadConfig 读取配置文件并叠加GORELAY_前缀的环境变量
//
// configFile为空或文件不存在时使用默认配置；onChange非nil时监听文件变化，
// 每次重新解析成功后以新配置回调。
func LoadConfig(configFile string, onChange func(Config)) (Config, error) {
	v := viper.New()
	config := NewDefaultConfig()
	setDefaults(v, config)

	// 支持环境变量
	v.SetEnvPrefix("GORELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileLoaded := false
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return Config{}, err
			}
			slog.Warn("config file not found, using defaults", "file", configFile)
		} else {
			fileLoaded = true
		}
	}

	if err := v.Unmarshal(&config); err != nil {
		return Config{}, err
	}

	if fileLoaded && onChange != nil {
		SetupConfigHotReload(v, onChange)
	}
	return config, nil
}

// setDefaults 注册默认值，环境变量只覆盖viper已知的键
func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("server.addr", c.Server.Addr)
	v.SetDefault("server.http_addr", c.Server.HTTPAddr)
	v.SetDefault("server.hub.history_size", c.Server.Hub.HistorySize)
	v.SetDefault("server.hub.max_pending_frames", c.Server.Hub.MaxPendingFrames)
	v.SetDefault("server.hub.read_timeout", c.Server.Hub.ReadTimeout)
	v.SetDefault("server.hub.write_timeout", c.Server.Hub.WriteTimeout)
	v.SetDefault("server.hub.command_buffer", c.Server.Hub.CommandBuffer)
	v.SetDefault("server.hub.publish_buffer", c.Server.Hub.PublishBuffer)
	v.SetDefault("server.hub.bus_timeout", c.Server.Hub.BusTimeout)
	v.SetDefault("server.hub.subscribe_attempts", c.Server.Hub.SubscribeAttempts)
	v.SetDefault("server.hub.subscribe_delay", c.Server.Hub.SubscribeDelay)
	v.SetDefault("server.hub.dedup_window", c.Server.Hub.DedupWindow)
	v.SetDefault("cluster.enabled", c.Cluster.Enabled)
	v.SetDefault("cluster.bus_type", c.Cluster.BusType)
	v.SetDefault("cluster.nats.urls", c.Cluster.NATS.URLs)
	v.SetDefault("cluster.redis.addrs", c.Cluster.Redis.Addrs)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("version", c.Version)
}

// SetupConfigHotReload sets up hot reload for the configuration file
func SetupConfigHotReload(v *viper.Viper, onChange func(Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		slog.Info("config file changed", "file", e.Name, "op", e.Op.String())

		// 重新解析到新的结构，避免和正在读取配置的goroutine竞争
		updated := NewDefaultConfig()
		if err := v.Unmarshal(&updated); err != nil {
			slog.Error("failed to unmarshal updated config", "error", err)
			return
		}

		onChange(updated)
		slog.Info("config reloaded successfully")
	})
	v.WatchConfig()
}

// ShutdownTimeout 优雅关闭的等待时间
const ShutdownTimeout = 10 * time.Second
