package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"orderbook-recorder/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env       string          `yaml:"env"`
	Log       logger.Config   `yaml:"log"`
	Feed      FeedConfig      `yaml:"feed"`
	Store     StoreConfig     `yaml:"store"`
	Replay    ReplayConfig    `yaml:"replay"`
	Mirror    MirrorConfig    `yaml:"mirror"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	HotReload HotReloadConfig `yaml:"hotReload"`
	Alert     AlertConfig     `yaml:"alert"`
}

// FeedConfig 上游行情 websocket 连接参数。
type FeedConfig struct {
	Enabled        bool     `yaml:"enabled"`
	URL            string   `yaml:"url"`
	ConnectTimeout Duration `yaml:"connectTimeout"` // 握手超时，不依赖 socket 默认值
	ReadTimeout    Duration `yaml:"readTimeout"`    // 超过该时间无消息视为断线
	ReconnectDelay Duration `yaml:"reconnectDelay"` // 固定重连间隔，可热更新
}

// StoreConfig 快照存储；driver: postgres | pebble | memory。
type StoreConfig struct {
	Driver       string   `yaml:"driver"`
	DSN          string   `yaml:"dsn"`
	Path         string   `yaml:"path"`
	Migrate      bool     `yaml:"migrate"`
	Timescale    bool     `yaml:"timescale"`
	Sync         bool     `yaml:"sync"`
	MaxConns     int32    `yaml:"maxConns"`
	WriteTimeout Duration `yaml:"writeTimeout"`
	QueryTimeout Duration `yaml:"queryTimeout"`
}

// ReplayConfig 回放服务参数。
type ReplayConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	PacingInterval Duration `yaml:"pacingInterval"` // 相邻两条快照之间的间隔，可热更新
	WriteTimeout   Duration `yaml:"writeTimeout"`
	MessageRate    float64  `yaml:"messageRate"`  // 每个连接每秒允许的配置消息数
	MessageBurst   int      `yaml:"messageBurst"` // 突发上限
}

// MirrorConfig 将入库成功的快照异步转发到 kafka；brokers 为空则关闭。
type MirrorConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // 留空则关闭
}

// AlertConfig 行情断线告警，写入日志。
type AlertConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Throttle         Duration `yaml:"throttle"`         // 同一条告警的最小间隔
	FailureThreshold int      `yaml:"failureThreshold"` // 连续拨号失败多少次升级为 ERROR
	CriticalAfter    Duration `yaml:"criticalAfter"`    // 断线持续多久升级为 CRITICAL，0 关闭
}

type HotReloadConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Cooldown Duration `yaml:"cooldown"`
}

// Duration 允许在 YAML 中写 "5s"、"250ms"。
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// DefaultFeedURL binance 现货 BTCUSDT top20 深度，1s 推送一次。
const DefaultFeedURL = "wss://stream.binance.com:9443/ws/btcusdt@depth20@1000ms"

// Default 返回带默认值的配置，Load 在此基础上覆盖。
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Log: logger.DefaultConfig(),
		Feed: FeedConfig{
			Enabled:        true,
			URL:            DefaultFeedURL,
			ConnectTimeout: Duration(10 * time.Second),
			ReadTimeout:    Duration(30 * time.Second),
			ReconnectDelay: Duration(5 * time.Second),
		},
		Store: StoreConfig{
			Driver:       "postgres",
			Path:         "data/snapshots",
			Sync:         true,
			MaxConns:     8,
			WriteTimeout: Duration(5 * time.Second),
			QueryTimeout: Duration(30 * time.Second),
		},
		Replay: ReplayConfig{
			Enabled:        true,
			Addr:           ":8080",
			PacingInterval: Duration(time.Second),
			WriteTimeout:   Duration(10 * time.Second),
			MessageRate:    2,
			MessageBurst:   10,
		},
		Mirror:    MirrorConfig{Topic: "orderbook.snapshots"},
		Metrics:   MetricsConfig{Addr: ":9100"},
		HotReload: HotReloadConfig{Enabled: true, Cooldown: Duration(2 * time.Second)},
		Alert:     AlertConfig{Enabled: true, Throttle: Duration(time.Minute), FailureThreshold: 3, CriticalAfter: Duration(5 * time.Minute)},
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	return cfg, Validate(cfg)
}

func read(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides deployment fields from env vars if present.
// 变量名沿用旧部署的 .env：DATABASE_URL、BACKTEST_PORT。
// 校验放在覆盖之后，DSN 可以只出现在环境变量里。
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	ApplyEnv(&cfg)
	return cfg, Validate(cfg)
}

// ApplyEnv 覆盖环境变量中出现的字段。
func ApplyEnv(cfg *AppConfig) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("BACKTEST_PORT"); v != "" {
		cfg.Replay.Addr = ":" + strings.TrimPrefix(v, ":")
	}
	if v := os.Getenv("FEED_URL"); v != "" {
		cfg.Feed.URL = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		cfg.Mirror.Brokers = brokers
	}
}
