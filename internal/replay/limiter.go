package replay

import (
	"sync"
	"time"
)

// tokenBucket 每个客户端一个，限制配置消息的频率；超出时直接拒绝，不阻塞读循环。
type tokenBucket struct {
	rate   float64
	burst  int
	tokens float64
	last   time.Time
	now    func() time.Time
	mu     sync.Mutex
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:   rate,
		burst:  burst,
		tokens: float64(burst),
		last:   time.Now(),
		now:    time.Now,
	}
}

// Allow 取一个令牌，没有时返回 false。
func (l *tokenBucket) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	l.last = now
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
