package alert

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"orderbook-recorder/infrastructure/logger"
)

// LogChannel 把告警写入结构化日志，level 映射到 zap 级别。
type LogChannel struct {
	logger *logger.Logger
	name   string
}

func NewLogChannel(name string, log *logger.Logger) *LogChannel {
	if log == nil {
		log = logger.NewNop()
	}
	return &LogChannel{logger: log, name: name}
}

func (c *LogChannel) Send(a Alert) error {
	fields := make([]zap.Field, 0, len(a.Fields)+4)
	fields = append(fields,
		zap.String("event", "alert"),
		zap.String("level_name", string(a.Level)),
		zap.String("source", a.Source),
		zap.Time("alert_time", a.Timestamp),
	)
	for k, v := range a.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	if ce := c.logger.Check(zapLevel(a.Level), a.Message); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

func (c *LogChannel) Name() string {
	return c.name
}

func zapLevel(l Level) zapcore.Level {
	switch l {
	case LevelWarning:
		return zapcore.WarnLevel
	case LevelError, LevelCritical:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// MockChannel 记录收到的告警，测试用。
type MockChannel struct {
	name      string
	mu        sync.Mutex
	alerts    []Alert
	shouldErr bool
}

func NewMockChannel(name string) *MockChannel {
	return &MockChannel{name: name}
}

func (c *MockChannel) Send(a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return errors.New("mock error")
	}
	c.alerts = append(c.alerts, a)
	return nil
}

func (c *MockChannel) Name() string {
	return c.name
}

func (c *MockChannel) GetAlerts() []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.alerts...)
}

func (c *MockChannel) SetShouldError(shouldErr bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shouldErr = shouldErr
}

func (c *MockChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

// WaitCount 等待至少 n 条告警，超时返回 false。
func (c *MockChannel) WaitCount(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Count() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c.Count() >= n
}
