package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	appconfig "orderbook-recorder/config"
	"orderbook-recorder/infrastructure/logger"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免编辑器多次写入触发多次重载
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: 2 * time.Second,
	}
}

// Applier 接收重新加载后的配置，只应用可在运行期调整的字段。
type Applier interface {
	ApplyConfig(cfg appconfig.AppConfig) error
}

// ApplierFunc 适配普通函数。
type ApplierFunc func(cfg appconfig.AppConfig) error

func (f ApplierFunc) ApplyConfig(cfg appconfig.AppConfig) error { return f(cfg) }

// HotReloader 配置热更新器
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	watcher    *fsnotify.Watcher
	appliers   map[string]Applier
	loader     func(path string) (appconfig.AppConfig, error)
	logger     *logger.Logger
	lastReload time.Time
	mu         sync.RWMutex
	stopOnce   sync.Once
	stopChan   chan struct{}
	doneChan   chan struct{}
}

// NewHotReloader 创建热更新器
func NewHotReloader(configPath string, cfg HotReloadConfig, log *logger.Logger) (*HotReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &HotReloader{
		config:     cfg,
		configPath: filepath.Clean(configPath),
		watcher:    watcher,
		appliers:   make(map[string]Applier),
		loader:     appconfig.LoadWithEnvOverrides,
		logger:     log,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// RegisterApplier 注册参数应用器
func (h *HotReloader) RegisterApplier(name string, applier Applier) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appliers[name] = applier
}

// Start 启动热更新监听
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		close(h.doneChan)
		return nil
	}

	// 监听所在目录：编辑器常以 rename 方式替换文件，直接监听文件会丢失后续事件
	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return fmt.Errorf("failed to watch config dir: %w", err)
	}

	go h.watch(ctx)

	return nil
}

// Stop 停止热更新
func (h *HotReloader) Stop() error {
	var err error
	h.stopOnce.Do(func() {
		close(h.stopChan)

		select {
		case <-h.doneChan:
		case <-time.After(1 * time.Second):
			// watch goroutine 未启动
		}

		err = h.watcher.Close()
	})
	return err
}

// Health 实现 container.Lifecycle。
func (h *HotReloader) Health() error { return nil }

func (h *HotReloader) Name() string { return "hot_reload" }

// watch 监听文件变化
func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != h.configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				h.handleConfigChange()
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			// 记录错误但继续监听
			h.logger.LogError(err, map[string]interface{}{"component": "hot_reload"})
		}
	}
}

// handleConfigChange 处理配置变化
func (h *HotReloader) handleConfigChange() {
	h.mu.Lock()
	if time.Since(h.lastReload) < h.config.CooldownTime {
		h.mu.Unlock()
		return
	}
	h.lastReload = time.Now()
	h.mu.Unlock()

	if err := h.Reload(); err != nil {
		h.logger.LogError(err, map[string]interface{}{"component": "hot_reload", "path": h.configPath})
	}
}

// Reload 重新读取配置并依次交给所有 applier；加载失败时保持旧参数。
func (h *HotReloader) Reload() error {
	cfg, err := h.loader(h.configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for name, applier := range h.appliers {
		if err := applier.ApplyConfig(cfg); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	h.logger.Info("config reloaded")
	return nil
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastReload
}
