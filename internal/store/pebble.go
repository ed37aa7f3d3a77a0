package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"

	"orderbook-recorder/market"
)

// key: "snap/" + ts(8, 保序编码) + seq(8)
var pebblePrefix = []byte("snap/")

const pebbleKeyLen = 5 + 8 + 8

type pebbleValue struct {
	Bids []market.PriceLevel `json:"bids"`
	Asks []market.PriceLevel `json:"asks"`
}

// Pebble 嵌入式存储，key 按时间有序，区间查询即有界迭代。
type Pebble struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	seq       atomic.Uint64

	// mu 保护 db 的关闭：读写持读锁，Close 持写锁，关闭后不再触碰 db。
	mu       sync.RWMutex
	closed   bool
	closeErr error
}

// OpenPebble 打开（或创建）目录 dir 下的数据库；sync=false 时写入不等待 fsync。
func OpenPebble(dir string, sync bool) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	p := &Pebble{db: db, writeOpts: pebble.NoSync}
	if sync {
		p.writeOpts = pebble.Sync
	}
	// 序号从当前纳秒起步，重启后同一时间戳的新写入也不会覆盖旧 key
	p.seq.Store(uint64(time.Now().UnixNano()))
	return p, nil
}

var (
	minKeyTime = time.Unix(0, math.MinInt64)
	maxKeyTime = time.Unix(0, math.MaxInt64)
)

// clampKeyTime 把时间限制在 int64 纳秒可表示的范围内（约 1677 至 2262 年）。
func clampKeyTime(t time.Time) time.Time {
	if t.Before(minKeyTime) {
		return minKeyTime
	}
	if t.After(maxKeyTime) {
		return maxKeyTime
	}
	return t
}

// encodeTime 翻转符号位，使负的纳秒时间戳也按字节序排序。
func encodeTime(t time.Time) uint64 {
	return uint64(clampKeyTime(t).UnixNano()) ^ (1 << 63)
}

func pebbleKey(ts uint64, seq uint64) []byte {
	k := make([]byte, pebbleKeyLen)
	copy(k, pebblePrefix)
	binary.BigEndian.PutUint64(k[5:13], ts)
	binary.BigEndian.PutUint64(k[13:21], seq)
	return k
}

func (p *Pebble) Append(ctx context.Context, snap market.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	val, err := json.Marshal(pebbleValue{Bids: snap.Bids, Asks: snap.Asks})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	key := pebbleKey(encodeTime(snap.Timestamp), p.seq.Add(1))
	return p.db.Set(key, val, p.writeOpts)
}

func (p *Pebble) QueryRange(ctx context.Context, r market.TimeRange) ([]market.Snapshot, error) {
	if r.Start.After(maxKeyTime) || r.End.Before(minKeyTime) {
		return []market.Snapshot{}, nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	lower := pebbleKey(encodeTime(r.Start), 0)
	upper := pebbleKey(encodeTime(r.End), math.MaxUint64)
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]market.Snapshot, 0)
	for valid := iter.First(); valid; valid = iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := iter.Key()
		if len(key) != pebbleKeyLen {
			continue
		}
		nanos := int64(binary.BigEndian.Uint64(key[5:13]) ^ (1 << 63))
		var v pebbleValue
		if err := json.Unmarshal(iter.Value(), &v); err != nil {
			return nil, fmt.Errorf("decode snapshot at %d: %w", nanos, err)
		}
		out = append(out, market.Snapshot{
			Timestamp: time.Unix(0, nanos).UTC(),
			Bids:      v.Bids,
			Asks:      v.Asks,
		})
	}
	// UpperBound 为开区间，End 时刻序号为 MaxUint64 的 key 不会被写入
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pebble) Ping(context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	return nil
}

// Close 等待进行中的读写结束后关闭，可重复调用。
func (p *Pebble) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.closeErr = p.db.Close()
	}
	return p.closeErr
}
