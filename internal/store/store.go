// Package store 持久化盘口快照，并按时间区间读回。
//
// 后端的并发安全由各自实现保证（pgxpool / pebble / RWMutex），调用方无需额外加锁。
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"orderbook-recorder/infrastructure/logger"
	"orderbook-recorder/market"
)

var ErrClosed = errors.New("store is closed")

// Store 快照存储。
type Store interface {
	// Append 写入一条快照，单行原子。
	Append(ctx context.Context, snap market.Snapshot) error
	// QueryRange 返回 [Start, End] 闭区间内的快照，按时间升序；无数据返回空切片而非错误。
	QueryRange(ctx context.Context, r market.TimeRange) ([]market.Snapshot, error)
	Ping(ctx context.Context) error
	// Close 可重复调用。
	Close() error
}

// Config 存储配置（与 config.StoreConfig 对应）。
type Config struct {
	Driver    string
	DSN       string
	Path      string
	Migrate   bool
	Timescale bool
	Sync      bool
	MaxConns  int32
}

// Open 按 driver 打开存储并确认可用；失败时调用方应终止进程。
func Open(ctx context.Context, cfg Config, log *logger.Logger) (Store, error) {
	if log == nil {
		log = logger.NewNop()
	}
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "postgres":
		s, err = OpenPostgres(ctx, PostgresOptions{
			DSN:       cfg.DSN,
			MaxConns:  cfg.MaxConns,
			Migrate:   cfg.Migrate,
			Timescale: cfg.Timescale,
		})
	case "pebble":
		s, err = OpenPebble(cfg.Path, cfg.Sync)
	case "memory":
		s = NewMemory()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Driver, err)
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ping %s store: %w", cfg.Driver, err)
	}
	log.Info("snapshot store connected", zap.String("driver", cfg.Driver))
	return s, nil
}

// Recorder 记录存储操作耗时与错误，由 monitor.Monitor 实现。
type Recorder interface {
	RecordStoreLatency(op string, seconds float64)
	RecordStoreError(op string)
}

// Instrumented 为任意 Store 增加指标。
type Instrumented struct {
	Store
	rec Recorder
}

func NewInstrumented(s Store, rec Recorder) *Instrumented {
	return &Instrumented{Store: s, rec: rec}
}

func (i *Instrumented) Append(ctx context.Context, snap market.Snapshot) error {
	start := time.Now()
	err := i.Store.Append(ctx, snap)
	i.observe("append", start, err)
	return err
}

func (i *Instrumented) QueryRange(ctx context.Context, r market.TimeRange) ([]market.Snapshot, error) {
	start := time.Now()
	out, err := i.Store.QueryRange(ctx, r)
	i.observe("query_range", start, err)
	return out, err
}

func (i *Instrumented) observe(op string, start time.Time, err error) {
	i.rec.RecordStoreLatency(op, time.Since(start).Seconds())
	if err != nil {
		i.rec.RecordStoreError(op)
	}
}
