package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"orderbook-recorder/config"
	"orderbook-recorder/gateway"
	"orderbook-recorder/infrastructure/alert"
	"orderbook-recorder/infrastructure/logger"
	"orderbook-recorder/infrastructure/monitor"
	internalconfig "orderbook-recorder/internal/config"
	"orderbook-recorder/internal/ingest"
	"orderbook-recorder/internal/replay"
	"orderbook-recorder/internal/server"
	"orderbook-recorder/internal/store"
)

const replayShutdownTimeout = 10 * time.Second

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 存储
	store store.Store

	// 录制链路
	mirror      ingest.Mirror
	coordinator *ingest.Coordinator
	feed        *gateway.FeedConnector

	// 回放
	replay *replay.Manager
	api    *server.Server

	// HTTP服务器
	replayServer  *httpServerComponent
	metricsServer *httpServerComponent

	reloader *internalconfig.HotReloader

	// 生命周期管理
	lifecycle *LifecycleManager
	stopOnce  sync.Once
	stopErr   error
}

// New 创建新的Container实例
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(cfg, configPath), nil
}

// NewWithConfig 使用已加载的配置；configPath 为空时不启用热更新。
func NewWithConfig(cfg config.AppConfig, configPath string) *Container {
	return &Container{
		cfg:        &cfg,
		configPath: configPath,
		lifecycle:  NewLifecycleManager(),
	}
}

// Build 构建所有组件；存储不可用时返回错误，进程应退出。
func (c *Container) Build(ctx context.Context) error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildStore(ctx); err != nil {
		return fmt.Errorf("build store failed: %w", err)
	}

	c.buildIngest()
	c.buildReplay()

	if err := c.buildHotReload(); err != nil {
		return fmt.Errorf("build hot reload failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully",
		zap.String("env", c.cfg.Env),
		zap.String("store", c.cfg.Store.Driver),
		zap.Bool("feed", c.cfg.Feed.Enabled),
		zap.Bool("replay", c.cfg.Replay.Enabled),
	)
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = monitor.New(monitor.DefaultConfig())
	if c.cfg.Alert.Enabled {
		c.alerts = alert.NewManager([]alert.Channel{alert.NewLogChannel("log", c.logger)}, c.cfg.Alert.Throttle.Std())
		c.logger.Info("alerting enabled", zap.Strings("channels", c.alerts.GetChannels()))
	}

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildStore(ctx context.Context) error {
	sc := c.cfg.Store
	st, err := store.Open(ctx, store.Config{
		Driver:    sc.Driver,
		DSN:       sc.DSN,
		Path:      sc.Path,
		Migrate:   sc.Migrate,
		Timescale: sc.Timescale,
		Sync:      sc.Sync,
		MaxConns:  sc.MaxConns,
	}, c.logger)
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"component": "store", "driver": sc.Driver})
		return err
	}
	c.store = store.NewInstrumented(st, c.monitor)
	return nil
}

func (c *Container) buildIngest() {
	if !c.cfg.Feed.Enabled {
		return
	}
	if len(c.cfg.Mirror.Brokers) > 0 {
		c.mirror = ingest.NewKafkaMirror(ingest.MirrorOptions{
			Brokers: c.cfg.Mirror.Brokers,
			Topic:   c.cfg.Mirror.Topic,
		}, c.logger, c.monitor)
	}
	c.coordinator = ingest.NewCoordinator(c.store, ingest.Options{
		WriteTimeout: c.cfg.Store.WriteTimeout.Std(),
		Mirror:       c.mirror,
	}, c.logger, c.monitor)

	fc := c.cfg.Feed
	c.feed = gateway.NewFeedConnector(gateway.FeedOptions{
		URL:            fc.URL,
		ConnectTimeout: fc.ConnectTimeout.Std(),
		ReadTimeout:    fc.ReadTimeout.Std(),
		ReconnectDelay: fc.ReconnectDelay.Std(),
	}, c.coordinator, c.logger, c.monitor)
	if c.alerts != nil {
		c.feed.SetEventSink(alert.NewFeedWatcher(c.alerts, c.cfg.Alert.FailureThreshold, c.cfg.Alert.CriticalAfter.Std()).OnEvent)
	}
}

func (c *Container) buildReplay() {
	if !c.cfg.Replay.Enabled {
		return
	}
	rc := c.cfg.Replay
	c.replay = replay.NewManager(c.store, replay.ManagerOptions{
		Pacing:       rc.PacingInterval.Std(),
		QueryTimeout: c.cfg.Store.QueryTimeout.Std(),
		WriteTimeout: rc.WriteTimeout.Std(),
		MessageRate:  rc.MessageRate,
		MessageBurst: rc.MessageBurst,
	}, c.logger, c.monitor)

	var probe server.FeedProbe
	if c.feed != nil {
		probe = c.feed
	}
	c.api = server.New(c.replay, c.store, probe, c.logger)
}

func (c *Container) buildHotReload() error {
	if c.configPath == "" || !c.cfg.HotReload.Enabled {
		return nil
	}
	reloader, err := internalconfig.NewHotReloader(c.configPath, internalconfig.HotReloadConfig{
		Enabled:      true,
		CooldownTime: c.cfg.HotReload.Cooldown.Std(),
	}, c.logger)
	if err != nil {
		return err
	}
	if c.replay != nil {
		reloader.RegisterApplier("replay_pacing", internalconfig.ApplierFunc(func(cfg config.AppConfig) error {
			c.replay.SetPacing(cfg.Replay.PacingInterval.Std())
			return nil
		}))
	}
	if c.feed != nil {
		reloader.RegisterApplier("feed_reconnect_delay", internalconfig.ApplierFunc(func(cfg config.AppConfig) error {
			c.feed.SetReconnectDelay(cfg.Feed.ReconnectDelay.Std())
			return nil
		}))
	}
	c.reloader = reloader
	return nil
}

// registerLifecycleComponents 按启动顺序注册，停止时逆序：
// 热更新 → 行情连接 → 回放广播关闭（并关闭存储）→ 回放端口 → 指标端口。
func (c *Container) registerLifecycleComponents() {
	if c.cfg.Metrics.Addr != "" {
		c.metricsServer = &httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Metrics.Addr,
			logger:  c.logger,
		}
		c.lifecycle.Register(c.metricsServer)
	}
	if c.replay != nil {
		c.replayServer = &httpServerComponent{
			name:    "replay_server",
			handler: c.api.Handler(),
			addr:    c.cfg.Replay.Addr,
			logger:  c.logger,
		}
		c.lifecycle.Register(c.replayServer)
		c.lifecycle.Register(&replayComponent{manager: c.replay})
	}
	if c.feed != nil {
		c.lifecycle.Register(&feedComponent{feed: c.feed, logger: c.logger})
	}
	if c.reloader != nil {
		c.lifecycle.Register(c.reloader)
	}
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Stop 停止所有组件并释放存储，可重复调用。
func (c *Container) Stop() error {
	c.stopOnce.Do(func() {
		c.logger.Info("stopping container...")

		if err := c.lifecycle.StopAll(); err != nil {
			c.logger.LogError(err, map[string]interface{}{"action": "stop"})
			c.stopErr = err
		}
		if c.mirror != nil {
			if err := c.mirror.Close(); err != nil {
				c.logger.LogError(err, map[string]interface{}{"action": "close_mirror"})
			}
		}
		// 回放关闭时已经关闭了存储
		if c.replay == nil && c.store != nil {
			if err := c.store.Close(); err != nil {
				c.logger.LogError(err, map[string]interface{}{"action": "close_store"})
				c.stopErr = errors.Join(c.stopErr, err)
			}
		}

		c.logger.Info("container stopped")
		_ = c.logger.Close()
	})
	return c.stopErr
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// ReplayAddr 回放服务实际监听地址，未启用时为空。
func (c *Container) ReplayAddr() string {
	if c.replayServer == nil {
		return ""
	}
	return c.replayServer.Addr()
}

// MetricsAddr 指标服务实际监听地址，未启用时为空。
func (c *Container) MetricsAddr() string {
	if c.metricsServer == nil {
		return ""
	}
	return c.metricsServer.Addr()
}

// feedComponent 行情连接组件
type feedComponent struct {
	feed   *gateway.FeedConnector
	logger *logger.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func (f *feedComponent) Name() string { return "feed" }

func (f *feedComponent) Start(ctx context.Context) error {
	// 由 Stop 控制退出，不跟随启动用的 ctx
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.cancel = cancel
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		if err := f.feed.Run(runCtx); err != nil {
			f.logger.LogError(err, map[string]interface{}{"component": "feed"})
		}
	}()
	return nil
}

func (f *feedComponent) Stop() error {
	if f.cancel == nil {
		return nil
	}
	f.cancel()
	f.feed.Stop()
	<-f.done
	return nil
}

func (f *feedComponent) Health() error {
	if s := f.feed.State(); s != gateway.StateConnected {
		return fmt.Errorf("feed %s", s)
	}
	return nil
}

// replayComponent 停止时向所有回放客户端广播关闭并关闭存储。
type replayComponent struct {
	manager *replay.Manager
}

func (r *replayComponent) Name() string { return "replay" }

func (r *replayComponent) Start(context.Context) error { return nil }

func (r *replayComponent) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), replayShutdownTimeout)
	defer cancel()
	return r.manager.Shutdown(ctx)
}

func (r *replayComponent) Health() error { return nil }
