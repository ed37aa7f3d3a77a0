package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器，每个实例独立 registry，测试之间互不干扰。
type Monitor struct {
	registry *prometheus.Registry

	// 行情连接指标
	feedConnected    prometheus.Gauge
	feedReconnects   prometheus.Counter
	feedMessages     prometheus.Counter
	feedDecodeErrors *prometheus.CounterVec

	// 入库指标
	snapshotsStored  prometheus.Counter
	snapshotsDropped *prometheus.CounterVec
	mirrorErrors     prometheus.Counter

	// 存储指标
	storeErrors  *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec

	// 回放指标
	sessionsActive prometheus.Gauge
	sessionsEnded  *prometheus.CounterVec
	ticksSent      prometheus.Counter
	clientsActive  prometheus.Gauge
	configRejects  prometheus.Counter
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
	// 是否注册 Go runtime 采集器
	GoCollector bool
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace:   "obrec",
		GoCollector: true,
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	if cfg.GoCollector {
		reg.MustRegister(collectors.NewGoCollector())
	}

	factory := promauto.With(reg)
	opts := func(subsystem, name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: cfg.Namespace, Subsystem: subsystem, Name: name, Help: help}
	}
	gauge := func(subsystem, name, help string) prometheus.GaugeOpts {
		return prometheus.GaugeOpts{Namespace: cfg.Namespace, Subsystem: subsystem, Name: name, Help: help}
	}

	return &Monitor{
		registry: reg,

		feedConnected:    factory.NewGauge(gauge("feed", "connected", "上游行情连接状态（1=已连接）")),
		feedReconnects:   factory.NewCounter(opts("feed", "reconnects_total", "重连尝试次数")),
		feedMessages:     factory.NewCounter(opts("feed", "messages_total", "收到的原始消息数")),
		feedDecodeErrors: factory.NewCounterVec(opts("feed", "decode_errors_total", "被丢弃的消息数"), []string{"reason"}),

		snapshotsStored:  factory.NewCounter(opts("ingest", "snapshots_stored_total", "成功写入的快照数")),
		snapshotsDropped: factory.NewCounterVec(opts("ingest", "snapshots_dropped_total", "丢弃的快照数"), []string{"reason"}),
		mirrorErrors:     factory.NewCounter(opts("ingest", "mirror_errors_total", "kafka 转发失败次数")),

		storeErrors: factory.NewCounterVec(opts("store", "errors_total", "存储操作错误"), []string{"op"}),
		storeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "store",
			Name:      "op_latency_seconds",
			Help:      "存储操作延迟（秒）",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}, []string{"op"}),

		sessionsActive: factory.NewGauge(gauge("replay", "sessions_active", "进行中的回放会话")),
		sessionsEnded:  factory.NewCounterVec(opts("replay", "sessions_ended_total", "结束的回放会话"), []string{"state"}),
		ticksSent:      factory.NewCounter(opts("replay", "ticks_sent_total", "已推送的快照数")),
		clientsActive:  factory.NewGauge(gauge("replay", "clients_active", "已连接的回放客户端")),
		configRejects:  factory.NewCounter(opts("replay", "config_rejects_total", "被拒绝的回放配置")),
	}
}

// 行情相关方法
func (m *Monitor) SetFeedConnected(connected bool) {
	if connected {
		m.feedConnected.Set(1)
		return
	}
	m.feedConnected.Set(0)
}

func (m *Monitor) RecordReconnect() {
	m.feedReconnects.Inc()
}

func (m *Monitor) RecordFeedMessage() {
	m.feedMessages.Inc()
}

func (m *Monitor) RecordDecodeError(reason string) {
	m.feedDecodeErrors.WithLabelValues(reason).Inc()
}

// 入库相关方法
func (m *Monitor) RecordSnapshotStored() {
	m.snapshotsStored.Inc()
}

func (m *Monitor) RecordSnapshotDropped(reason string) {
	m.snapshotsDropped.WithLabelValues(reason).Inc()
}

func (m *Monitor) RecordMirrorError() {
	m.mirrorErrors.Inc()
}

// 存储相关方法
func (m *Monitor) RecordStoreError(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

func (m *Monitor) RecordStoreLatency(op string, seconds float64) {
	m.storeLatency.WithLabelValues(op).Observe(seconds)
}

// 回放相关方法
func (m *Monitor) SessionStarted() {
	m.sessionsActive.Inc()
}

func (m *Monitor) SessionEnded(state string) {
	m.sessionsActive.Dec()
	m.sessionsEnded.WithLabelValues(state).Inc()
}

func (m *Monitor) RecordTickSent() {
	m.ticksSent.Inc()
}

func (m *Monitor) ClientConnected() {
	m.clientsActive.Inc()
}

func (m *Monitor) ClientDisconnected() {
	m.clientsActive.Dec()
}

func (m *Monitor) RecordConfigReject() {
	m.configRejects.Inc()
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
