package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"orderbook-recorder/infrastructure/logger"
	"orderbook-recorder/infrastructure/monitor"
	"orderbook-recorder/market"
)

// Mirror 入库成功后的旁路转发；Publish 不得阻塞入库。
type Mirror interface {
	Publish(snap market.Snapshot)
	Close() error
}

// MirrorOptions kafka 转发配置。
type MirrorOptions struct {
	Brokers      []string
	Topic        string
	Key          string // 同一 key 落同一分区，保持顺序
	BatchTimeout time.Duration
}

// KafkaMirror 用异步 writer 转发快照，投递结果在 Completion 回调里统计。
type KafkaMirror struct {
	writer  *kafka.Writer
	key     []byte
	logger  *logger.Logger
	monitor *monitor.Monitor
}

func NewKafkaMirror(opts MirrorOptions, log *logger.Logger, mon *monitor.Monitor) *KafkaMirror {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.Key == "" {
		opts.Key = "orderbook"
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = 50 * time.Millisecond
	}
	m := &KafkaMirror{
		key:     []byte(opts.Key),
		logger:  log,
		monitor: mon,
	}
	m.writer = &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: opts.BatchTimeout,
		Completion:   m.completion,
	}
	return m
}

// Publish 异步写入，立即返回。
func (m *KafkaMirror) Publish(snap market.Snapshot) {
	msg, err := m.encode(snap)
	if err != nil {
		m.monitor.RecordMirrorError()
		m.logger.LogError(err, map[string]interface{}{"component": "kafka_mirror"})
		return
	}
	if err := m.writer.WriteMessages(context.Background(), msg); err != nil {
		m.monitor.RecordMirrorError()
		m.logger.LogError(err, map[string]interface{}{"component": "kafka_mirror"})
	}
}

func (m *KafkaMirror) Close() error {
	return m.writer.Close()
}

func (m *KafkaMirror) encode(snap market.Snapshot) (kafka.Message, error) {
	value, err := json.Marshal(snap)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: m.key, Value: value, Time: snap.Timestamp}, nil
}

func (m *KafkaMirror) completion(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	for range messages {
		m.monitor.RecordMirrorError()
	}
	m.logger.LogError(err, map[string]interface{}{
		"component": "kafka_mirror",
		"topic":     m.writer.Topic,
		"messages":  len(messages),
	})
}
