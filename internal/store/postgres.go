package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderbook-recorder/market"
)

const (
	createTableSQL = `
CREATE TABLE IF NOT EXISTS orderbook_snapshots (
	timestamp TIMESTAMPTZ NOT NULL,
	bids      JSONB       NOT NULL,
	asks      JSONB       NOT NULL
)`
	createIndexSQL = `CREATE INDEX IF NOT EXISTS orderbook_snapshots_timestamp_idx ON orderbook_snapshots (timestamp)`
	hypertableSQL  = `SELECT create_hypertable('orderbook_snapshots', 'timestamp', if_not_exists => TRUE)`

	insertSnapshotSQL = `INSERT INTO orderbook_snapshots (timestamp, bids, asks) VALUES ($1, $2, $3)`
	queryRangeSQL     = `
SELECT timestamp, bids, asks
FROM orderbook_snapshots
WHERE timestamp BETWEEN $1 AND $2
ORDER BY timestamp ASC`
)

// PostgresOptions TimescaleDB / Postgres 连接参数。
type PostgresOptions struct {
	DSN       string
	MaxConns  int32
	Migrate   bool // 建表与索引
	Timescale bool // 转为 hypertable，需要 timescaledb 扩展
}

// Postgres 基于 pgxpool 的快照存储，表结构与旧版 ingestion 一致。
// 关闭后的调用返回 ErrClosed；与 Close 并发的调用由 pgxpool 返回连接池已关闭的错误。
type Postgres struct {
	pool      *pgxpool.Pool
	closeOnce sync.Once
	closed    atomic.Bool
}

func OpenPostgres(ctx context.Context, opts PostgresOptions) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	p := &Postgres{pool: pool}
	if opts.Migrate {
		if err := p.migrate(ctx, opts.Timescale); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context, timescale bool) error {
	stmts := []string{createTableSQL, createIndexSQL}
	if timescale {
		stmts = append(stmts, hypertableSQL)
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", describePgError(err))
		}
	}
	return nil
}

func (p *Postgres) Append(ctx context.Context, snap market.Snapshot) error {
	if p.closed.Load() {
		return ErrClosed
	}
	bids, err := json.Marshal(snap.Bids)
	if err != nil {
		return fmt.Errorf("encode bids: %w", err)
	}
	asks, err := json.Marshal(snap.Asks)
	if err != nil {
		return fmt.Errorf("encode asks: %w", err)
	}
	if _, err := p.pool.Exec(ctx, insertSnapshotSQL, snap.Timestamp, bids, asks); err != nil {
		return fmt.Errorf("insert snapshot: %w", describePgError(err))
	}
	return nil
}

func (p *Postgres) QueryRange(ctx context.Context, r market.TimeRange) ([]market.Snapshot, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := p.pool.Query(ctx, queryRangeSQL, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", describePgError(err))
	}
	defer rows.Close()

	out := make([]market.Snapshot, 0)
	for rows.Next() {
		var (
			snap       market.Snapshot
			bids, asks []byte
		)
		if err := rows.Scan(&snap.Timestamp, &bids, &asks); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if err := json.Unmarshal(bids, &snap.Bids); err != nil {
			return nil, fmt.Errorf("decode bids at %s: %w", snap.Timestamp, err)
		}
		if err := json.Unmarshal(asks, &snap.Asks); err != nil {
			return nil, fmt.Errorf("decode asks at %s: %w", snap.Timestamp, err)
		}
		snap.Timestamp = snap.Timestamp.UTC()
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", describePgError(err))
	}
	return out, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.pool.Close()
	})
	return nil
}

// describePgError 附带 SQLSTATE，便于在日志中区分约束/连接类错误。
func describePgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%w (sqlstate %s)", err, pgErr.Code)
	}
	return err
}
