package alert

import (
	"fmt"
	"sync"
	"time"
)

// Level 告警级别
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Alert 告警信息
type Alert struct {
	Level     Level
	Source    string // 产生告警的组件，如 feed、store
	Message   string
	Timestamp time.Time
	Fields    map[string]interface{}
}

// Channel 告警通道接口
type Channel interface {
	Send(alert Alert) error
	Name() string
}

// Throttler 同一个 key 在 interval 内只放行一次。
type Throttler struct {
	lastSent map[string]time.Time
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
}

func NewThrottler(interval time.Duration) *Throttler {
	return &Throttler{
		lastSent: make(map[string]time.Time),
		interval: interval,
		now:      time.Now,
	}
}

// Allow 检查是否允许发送
func (t *Throttler) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	last, ok := t.lastSent[key]
	if !ok || now.Sub(last) >= t.interval {
		t.lastSent[key] = now
		return true
	}
	return false
}

// Reset 清掉某个 key，下一次立即放行。
func (t *Throttler) Reset(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSent, key)
}

// Manager 告警管理器，按 level+source+message 限流后分发到所有通道。
// 通道在创建时确定，之后只读。
type Manager struct {
	channels []Channel
	throttle *Throttler
}

func NewManager(channels []Channel, throttleInterval time.Duration) *Manager {
	return &Manager{
		channels: channels,
		throttle: NewThrottler(throttleInterval),
	}
}

func throttleKey(a Alert) string {
	return fmt.Sprintf("%s:%s:%s", a.Level, a.Source, a.Message)
}

// SendAlert 发送告警；被限流时静默返回 nil，全部通道失败时返回最后一个错误。
func (m *Manager) SendAlert(a Alert) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if !m.throttle.Allow(throttleKey(a)) {
		return nil
	}

	var lastErr error
	ok := 0
	for _, ch := range m.channels {
		if err := ch.Send(a); err != nil {
			lastErr = fmt.Errorf("channel %s failed: %w", ch.Name(), err)
			continue
		}
		ok++
	}
	if ok == 0 && lastErr != nil {
		return lastErr
	}
	return nil
}

func (m *Manager) SendInfo(source, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelInfo, Source: source, Message: message, Fields: fields})
}

func (m *Manager) SendWarning(source, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelWarning, Source: source, Message: message, Fields: fields})
}

func (m *Manager) SendError(source, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelError, Source: source, Message: message, Fields: fields})
}

func (m *Manager) SendCritical(source, message string, fields map[string]interface{}) error {
	return m.SendAlert(Alert{Level: LevelCritical, Source: source, Message: message, Fields: fields})
}

// Resolve 故障恢复后调用，清掉该条告警的限流记录，下次故障立即告警。
func (m *Manager) Resolve(level Level, source, message string) {
	m.throttle.Reset(throttleKey(Alert{Level: level, Source: source, Message: message}))
}

func (m *Manager) GetChannels() []string {
	names := make([]string, 0, len(m.channels))
	for _, ch := range m.channels {
		names = append(names, ch.Name())
	}
	return names
}
