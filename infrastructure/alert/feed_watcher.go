package alert

import (
	"sync"
	"time"
)

const (
	msgFeedDisconnected = "feed disconnected"
	msgFeedUnreachable  = "feed unreachable"
	msgFeedRecovered    = "feed recovered"
	msgFeedDownTooLong  = "feed down too long"
	sourceFeed          = "feed"
)

// FeedWatcher 把行情连接事件转换成告警：
// 断线发 WARNING，连续拨号失败达到阈值发 ERROR，断线持续超过 criticalAfter 发 CRITICAL，
// 恢复后发 INFO 并解除限流。
type FeedWatcher struct {
	manager       *Manager
	threshold     int
	criticalAfter time.Duration
	now           func() time.Time

	mu       sync.Mutex
	failures int
	downAt   time.Time
}

// NewFeedWatcher criticalAfter<=0 时不发 CRITICAL。
func NewFeedWatcher(m *Manager, failureThreshold int, criticalAfter time.Duration) *FeedWatcher {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	return &FeedWatcher{manager: m, threshold: failureThreshold, criticalAfter: criticalAfter, now: time.Now}
}

// OnEvent 签名与 FeedConnector.SetEventSink 一致。
func (w *FeedWatcher) OnEvent(event string, fields map[string]interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch event {
	case "feed_disconnected":
		if w.downAt.IsZero() {
			w.downAt = w.now()
		}
		_ = w.manager.SendWarning(sourceFeed, msgFeedDisconnected, fields)
	case "feed_dial_failed":
		if w.downAt.IsZero() {
			w.downAt = w.now()
		}
		w.failures++
		downFor := w.now().Sub(w.downAt)
		if w.failures >= w.threshold {
			out := copyFields(fields)
			out["consecutive_failures"] = w.failures
			out["down_for"] = downFor.String()
			_ = w.manager.SendError(sourceFeed, msgFeedUnreachable, out)
		}
		if w.criticalAfter > 0 && downFor >= w.criticalAfter {
			out := copyFields(fields)
			out["down_for"] = downFor.String()
			_ = w.manager.SendCritical(sourceFeed, msgFeedDownTooLong, out)
		}
	case "feed_connected":
		wasDown := !w.downAt.IsZero()
		downFor := w.now().Sub(w.downAt)
		w.failures = 0
		w.downAt = time.Time{}
		if !wasDown {
			return
		}
		w.manager.Resolve(LevelWarning, sourceFeed, msgFeedDisconnected)
		w.manager.Resolve(LevelError, sourceFeed, msgFeedUnreachable)
		w.manager.Resolve(LevelCritical, sourceFeed, msgFeedDownTooLong)
		out := copyFields(fields)
		out["down_for"] = downFor.String()
		_ = w.manager.SendInfo(sourceFeed, msgFeedRecovered, out)
		w.manager.Resolve(LevelInfo, sourceFeed, msgFeedRecovered)
	}
}

func copyFields(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
