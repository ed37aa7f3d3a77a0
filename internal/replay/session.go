package replay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"orderbook-recorder/infrastructure/logger"
	"orderbook-recorder/infrastructure/monitor"
	"orderbook-recorder/market"
)

// State 回放会话状态。
type State int32

const (
	StateAwaitingConfig State = iota
	StateFetching
	StateStreaming
	StateCompleted
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingConfig:
		return "awaiting_config"
	case StateFetching:
		return "fetching"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal 终态之后不再发送任何消息。
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateFailed
}

// ClientConn 会话只通过它和客户端交互。
type ClientConn interface {
	Send(v any) error
	Closed() bool
}

// Querier 会话只需要区间查询。
type Querier interface {
	QueryRange(ctx context.Context, r market.TimeRange) ([]market.Snapshot, error)
}

// SessionOptions 可选参数。
type SessionOptions struct {
	// Pacing 每次发送前读取，允许运行中调整。
	Pacing       func() time.Duration
	QueryTimeout time.Duration
	Remote       string
}

// Session 把一个时间区间内的快照按时间顺序逐条推送给客户端。
type Session struct {
	id      string
	remote  string
	client  ClientConn
	store   Querier
	opts    SessionOptions
	logger  *logger.Logger
	monitor *monitor.Monitor

	state  atomic.Int32
	cursor atomic.Int64
	total  atomic.Int64
	rng    atomic.Pointer[market.TimeRange]
}

func NewSession(client ClientConn, st Querier, opts SessionOptions, log *logger.Logger, mon *monitor.Monitor) *Session {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.Pacing == nil {
		opts.Pacing = func() time.Duration { return time.Second }
	}
	return &Session{
		id:      uuid.NewString(),
		remote:  opts.Remote,
		client:  client,
		store:   st,
		opts:    opts,
		logger:  log,
		monitor: mon,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Progress 返回已发送条数与总条数。
func (s *Session) Progress() (sent, total int) {
	return int(s.cursor.Load()), int(s.total.Load())
}

// Range 返回会话的查询区间；未开始时为零值。
func (s *Session) Range() market.TimeRange {
	if r := s.rng.Load(); r != nil {
		return *r
	}
	return market.TimeRange{}
}

// Run 查询并推送 r 内的快照，返回终态。每个会话只能运行一次。
// ctx 取消或客户端关闭后立即进入 Aborted，不再发送任何消息。
func (s *Session) Run(ctx context.Context, r market.TimeRange) State {
	if !s.state.CompareAndSwap(int32(StateAwaitingConfig), int32(StateFetching)) {
		return s.State()
	}
	s.rng.Store(&r)
	s.monitor.SessionStarted()
	s.logger.LogSession("fetching", s.id, map[string]interface{}{
		"remote": s.remote,
		"start":  formatTime(r.Start),
		"end":    formatTime(r.End),
	})

	rows, err := s.query(ctx, r)
	if err != nil {
		if !s.alive(ctx) {
			return s.finish(StateAborted, nil)
		}
		s.logger.LogError(err, map[string]interface{}{"session_id": s.id, "op": "query_range"})
		_ = s.client.Send(streamingFailedMessage())
		return s.finish(StateFailed, err)
	}
	if len(rows) == 0 {
		if !s.alive(ctx) {
			return s.finish(StateAborted, nil)
		}
		if err := s.client.Send(noDataMessage()); err != nil {
			return s.finish(StateAborted, err)
		}
		return s.finish(StateCompleted, nil)
	}

	total := len(rows)
	s.total.Store(int64(total))
	s.logger.LogSession("started", s.id, map[string]interface{}{
		"remote":    s.remote,
		"total":     total,
		"first_mid": rows[0].Mid().String(),
		"last_mid":  rows[total-1].Mid().String(),
	})
	s.state.Store(int32(StateStreaming))
	if !s.alive(ctx) {
		return s.finish(StateAborted, nil)
	}
	if err := s.client.Send(startedMessage(total, r)); err != nil {
		return s.finish(StateAborted, err)
	}

	for i := range rows {
		if i > 0 && !sleepCtx(ctx, s.opts.Pacing()) {
			return s.finish(StateAborted, nil)
		}
		if !s.alive(ctx) {
			return s.finish(StateAborted, nil)
		}
		snap := rows[i]
		rows[i] = market.Snapshot{}
		tick := TickMessage{
			Timestamp: formatTime(snap.Timestamp),
			Bids:      snap.Bids,
			Asks:      snap.Asks,
			Progress:  fmt.Sprintf("%d/%d", i+1, total),
		}
		if err := s.client.Send(tick); err != nil {
			return s.finish(StateAborted, err)
		}
		s.cursor.Store(int64(i + 1))
		s.monitor.RecordTickSent()
	}

	if !s.alive(ctx) {
		return s.finish(StateAborted, nil)
	}
	if err := s.client.Send(completedMessage()); err != nil {
		return s.finish(StateAborted, err)
	}
	return s.finish(StateCompleted, nil)
}

func (s *Session) query(ctx context.Context, r market.TimeRange) ([]market.Snapshot, error) {
	if s.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.QueryTimeout)
		defer cancel()
	}
	return s.store.QueryRange(ctx, r)
}

func (s *Session) alive(ctx context.Context) bool {
	return ctx.Err() == nil && !s.client.Closed()
}

func (s *Session) finish(state State, err error) State {
	s.state.Store(int32(state))
	s.monitor.SessionEnded(state.String())
	sent, total := s.Progress()
	fields := map[string]interface{}{
		"remote":   s.remote,
		"state":    state.String(),
		"progress": fmt.Sprintf("%d/%d", sent, total),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	s.logger.LogSession("finished", s.id, fields)
	return state
}

// sleepCtx 可取消的等待；d<=0 时只检查 ctx。
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
