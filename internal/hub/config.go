package hub

import "time"

type Config struct {
	// 历史环容量，新成员加入时回放；0使用默认值，负数关闭回放
	HistorySize int `mapstructure:"history_size" json:"history_size"`

	// 每个会话最多排队的出站帧数，0表示不限制，超出后断开会话
	MaxPendingFrames int `mapstructure:"max_pending_frames" json:"max_pending_frames"`

	// 读写超时，0表示不设置截止时间
	ReadTimeout  time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" json:"write_timeout"`

	// 集线器命令队列容量
	CommandBuffer int `mapstructure:"command_buffer" json:"command_buffer"`

	// 集群发布队列容量，满了直接丢弃
	PublishBuffer int           `mapstructure:"publish_buffer" json:"publish_buffer"`
	BusTimeout    time.Duration `mapstructure:"bus_timeout" json:"bus_timeout"`

	// 订阅广播主题的重试参数
	SubscribeAttempts uint          `mapstructure:"subscribe_attempts" json:"subscribe_attempts"`
	SubscribeDelay    time.Duration `mapstructure:"subscribe_delay" json:"subscribe_delay"`

	// 远端信封ID的去重窗口
	DedupWindow time.Duration `mapstructure:"dedup_window" json:"dedup_window"`
}

func DefaultConfig() Config {
	return Config{
		HistorySize:       100,
		CommandBuffer:     256,
		PublishBuffer:     256,
		BusTimeout:        5 * time.Second,
		SubscribeAttempts: 10,
		SubscribeDelay:    500 * time.Millisecond,
		DedupWindow:       30 * time.Second,
	}
}
