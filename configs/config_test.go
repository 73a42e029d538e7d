package configs

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":7000"
  hub:
    history_size: 10
    max_pending_frames: 64
    write_timeout: 3s
cluster:
  enabled: true
  bus_type: redis
  redis:
    addrs: ["10.0.0.1:6379"]
log:
  level: debug
  format: json
`)

	cfg, err := LoadConfig(path, nil)
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, ":9001", cfg.Server.HTTPAddr)
	assert.Equal(t, 10, cfg.Server.Hub.HistorySize)
	assert.Equal(t, 64, cfg.Server.Hub.MaxPendingFrames)
	assert.Equal(t, 3*time.Second, cfg.Server.Hub.WriteTimeout)
	assert.Equal(t, 256, cfg.Server.Hub.CommandBuffer)
	assert.True(t, cfg.Cluster.Enabled)
	assert.Equal(t, "redis", cfg.Cluster.BusType)
	assert.Equal(t, []string{"10.0.0.1:6379"}, cfg.Cluster.Redis.Addrs)
	assert.Equal(t, "gorelay:", cfg.Cluster.Redis.KeyPrefix)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)

	def := NewDefaultConfig()
	assert.Equal(t, def.Server.Addr, cfg.Server.Addr)
	assert.Equal(t, def.Server.Hub, cfg.Server.Hub)
	assert.False(t, cfg.Cluster.Enabled)
}

func TestLoadConfig_Malformed(t *testing.T) {
	path := writeConfig(t, "server: [unclosed")

	_, err := LoadConfig(path, nil)
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("GORELAY_SERVER_ADDR", ":7100")
	t.Setenv("GORELAY_LOG_LEVEL", "warn")
	t.Setenv("GORELAY_SERVER_HUB_HISTORY_SIZE", "7")

	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":7100", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 7, cfg.Server.Hub.HistorySize)
}

func TestLoadConfig_HotReload(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")

	changed := make(chan Config, 4)
	_, err := LoadConfig(path, func(c Config) {
		select {
		case changed <- c:
		default:
		}
	})
	require.NoError(t, err)

	// 给watcher一点启动时间
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))

	// 截断和写入可能触发多次事件，等到看到新级别为止
	deadline := time.After(3 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Log.Level == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLogLevel(in), in)
	}
}

func TestSetupLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	level := SetupLogging(Log{Level: "warn", Format: "json"}, &buf)

	slog.Info("hidden")
	slog.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	level.Set(slog.LevelDebug)
	slog.Debug("now visible")
	assert.True(t, strings.Contains(buf.String(), "now visible"))
}
