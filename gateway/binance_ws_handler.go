package gateway

import (
	"context"

	"orderbook-recorder/market"
)

// SnapshotHandler 接收解析完成的深度快照；在连接器的读 goroutine 上同步调用。
type SnapshotHandler interface {
	OnSnapshot(ctx context.Context, snap market.Snapshot)
}

// SnapshotHandlerFunc 让普通函数满足 SnapshotHandler。
type SnapshotHandlerFunc func(ctx context.Context, snap market.Snapshot)

func (f SnapshotHandlerFunc) OnSnapshot(ctx context.Context, snap market.Snapshot) {
	f(ctx, snap)
}
