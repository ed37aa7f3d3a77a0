package store

import (
	"context"
	"sort"
	"sync"

	"orderbook-recorder/market"
)

// Memory 进程内存储，按时间有序；同一时间戳保持写入顺序。
type Memory struct {
	mu     sync.RWMutex
	snaps  []market.Snapshot
	closed bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(ctx context.Context, snap market.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	// 插入到最后一个 <= ts 的元素之后
	idx := sort.Search(len(m.snaps), func(i int) bool {
		return m.snaps[i].Timestamp.After(snap.Timestamp)
	})
	m.snaps = append(m.snaps, market.Snapshot{})
	copy(m.snaps[idx+1:], m.snaps[idx:])
	m.snaps[idx] = snap
	return nil
}

func (m *Memory) QueryRange(ctx context.Context, r market.TimeRange) ([]market.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	lo := sort.Search(len(m.snaps), func(i int) bool {
		return !m.snaps[i].Timestamp.Before(r.Start)
	})
	hi := sort.Search(len(m.snaps), func(i int) bool {
		return m.snaps[i].Timestamp.After(r.End)
	})
	out := make([]market.Snapshot, 0, max(hi-lo, 0))
	if lo < hi {
		out = append(out, m.snaps[lo:hi]...)
	}
	return out, nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
