// Package ingest 把行情连接器解析出的快照写入存储。
package ingest

import (
	"context"
	"fmt"
	"time"

	"orderbook-recorder/infrastructure/logger"
	"orderbook-recorder/infrastructure/monitor"
	"orderbook-recorder/internal/store"
	"orderbook-recorder/market"
)

const defaultWriteTimeout = 5 * time.Second

// Options Coordinator 可选参数。
type Options struct {
	WriteTimeout time.Duration
	Mirror       Mirror // 可为 nil
}

// Coordinator 每条快照同步写一次存储，失败即丢弃（至多一次）。
type Coordinator struct {
	store        store.Store
	mirror       Mirror
	writeTimeout time.Duration
	logger       *logger.Logger
	monitor      *monitor.Monitor
}

func NewCoordinator(st store.Store, opts Options, log *logger.Logger, mon *monitor.Monitor) *Coordinator {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Coordinator{
		store:        st,
		mirror:       opts.Mirror,
		writeTimeout: opts.WriteTimeout,
		logger:       log.WithFields(map[string]interface{}{"component": "ingest"}),
		monitor:      mon,
	}
}

// Record 校验并写入一条快照，错误显式返回给调用方。
func (c *Coordinator) Record(ctx context.Context, snap market.Snapshot) error {
	if err := snap.Validate(); err != nil {
		c.monitor.RecordSnapshotDropped("invalid")
		return fmt.Errorf("validate snapshot: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := c.store.Append(wctx, snap); err != nil {
		c.monitor.RecordSnapshotDropped("store")
		return fmt.Errorf("append snapshot at %s: %w", snap.Timestamp.Format(time.RFC3339Nano), err)
	}
	c.monitor.RecordSnapshotStored()
	if c.mirror != nil {
		c.mirror.Publish(snap)
	}
	return nil
}

// OnSnapshot 实现 gateway.SnapshotHandler；写入失败只记日志，继续接收后续消息。
func (c *Coordinator) OnSnapshot(ctx context.Context, snap market.Snapshot) {
	if err := c.Record(ctx, snap); err != nil {
		c.logger.LogWarn("snapshot_dropped", map[string]interface{}{
			"timestamp": snap.Timestamp.Format(time.RFC3339Nano),
			"error":     err.Error(),
		})
	}
}
