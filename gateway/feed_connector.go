package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"orderbook-recorder/infrastructure/logger"
	"orderbook-recorder/infrastructure/monitor"
	"orderbook-recorder/market"
)

// ErrAlreadyRunning Run 只允许同时存在一个连接循环。
var ErrAlreadyRunning = errors.New("feed connector already running")

// FeedState 连接状态。
type FeedState int32

const (
	StateDisconnected FeedState = iota
	StateConnecting
	StateConnected
)

func (s FeedState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// FeedOptions 连接参数；零值字段使用默认值。
type FeedOptions struct {
	URL            string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	ReconnectDelay time.Duration
	Dialer         *websocket.Dialer
}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultReconnectDelay = 5 * time.Second
	maxLoggedPayload      = 256
)

// FeedConnector 维护到上游深度流的单一 websocket 连接，断线后按固定间隔无限重连。
type FeedConnector struct {
	url            string
	connectTimeout time.Duration
	readTimeout    time.Duration
	reconnectDelay atomic.Int64
	dialer         websocket.Dialer

	handler SnapshotHandler
	logger  *logger.Logger
	monitor *monitor.Monitor
	now     func() time.Time

	state   atomic.Int32
	running atomic.Bool

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	done      chan struct{}
	eventSink func(string, map[string]interface{})
}

// NewFeedConnector 创建连接器，调用 Run 后才会建立连接。
func NewFeedConnector(opts FeedOptions, handler SnapshotHandler, log *logger.Logger, mon *monitor.Monitor) *FeedConnector {
	if log == nil {
		log = logger.NewNop()
	}
	f := &FeedConnector{
		url:            opts.URL,
		connectTimeout: opts.ConnectTimeout,
		readTimeout:    opts.ReadTimeout,
		handler:        handler,
		logger:         log.WithFields(map[string]interface{}{"component": "feed"}),
		monitor:        mon,
		now:            time.Now,
	}
	if f.connectTimeout <= 0 {
		f.connectTimeout = defaultConnectTimeout
	}
	if opts.Dialer != nil {
		f.dialer = *opts.Dialer
	} else {
		f.dialer = *websocket.DefaultDialer
	}
	f.dialer.HandshakeTimeout = f.connectTimeout
	f.SetReconnectDelay(opts.ReconnectDelay)
	return f
}

// SetEventSink 设置事件回调（连接、断开、拨号失败、重连），告警和测试用。
func (f *FeedConnector) SetEventSink(fn func(string, map[string]interface{})) {
	f.mu.Lock()
	f.eventSink = fn
	f.mu.Unlock()
}

// SetReconnectDelay 修改重连间隔，下一次等待生效；<=0 时回落到默认 5s。
func (f *FeedConnector) SetReconnectDelay(d time.Duration) {
	if d <= 0 {
		d = defaultReconnectDelay
	}
	f.reconnectDelay.Store(int64(d))
}

func (f *FeedConnector) ReconnectDelay() time.Duration {
	return time.Duration(f.reconnectDelay.Load())
}

// State 返回当前连接状态。
func (f *FeedConnector) State() FeedState {
	return FeedState(f.state.Load())
}

// Run 阻塞运行连接循环，直到 ctx 取消或 Stop 被调用；传输错误不会让它返回。
func (f *FeedConnector) Run(ctx context.Context) error {
	if !f.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	f.mu.Lock()
	f.cancel = cancel
	f.done = done
	f.mu.Unlock()
	defer func() {
		cancel()
		f.setState(StateDisconnected)
		close(done)
		f.running.Store(false)
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		if attempt > 0 {
			f.monitor.RecordReconnect()
			f.logger.LogFeed("reconnecting", map[string]interface{}{"attempt": attempt, "url": f.url})
			f.emit("feed_reconnecting", map[string]interface{}{"attempt": attempt})
		}
		attempt++

		conn, err := f.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			f.setState(StateDisconnected)
			f.logger.LogWarn("feed_dial_failed", map[string]interface{}{
				"url":   f.url,
				"error": err.Error(),
				"retry": f.ReconnectDelay().String(),
			})
			f.emit("feed_dial_failed", map[string]interface{}{"url": f.url, "error": err.Error()})
		} else {
			f.serve(ctx, conn)
		}

		if !sleepCtx(ctx, f.ReconnectDelay()) {
			return nil
		}
	}
}

// Stop 关闭当前连接并结束 Run 循环，等待其退出。
func (f *FeedConnector) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	done := f.done
	if f.conn != nil {
		_ = f.conn.Close()
	}
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (f *FeedConnector) dial(ctx context.Context) (*websocket.Conn, error) {
	f.setState(StateConnecting)
	dctx, cancel := context.WithTimeout(ctx, f.connectTimeout)
	defer cancel()
	conn, resp, err := f.dialer.DialContext(dctx, f.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", f.url, err)
	}
	return conn, nil
}

// serve 持有连接直到读失败或 ctx 取消。
func (f *FeedConnector) serve(ctx context.Context, conn *websocket.Conn) {
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.setState(StateConnected)
	f.monitor.SetFeedConnected(true)
	f.logger.LogFeed("connected", map[string]interface{}{"url": f.url})
	f.emit("feed_connected", map[string]interface{}{"url": f.url})

	// ReadMessage 不感知 ctx，取消时由这里关闭连接打断阻塞读
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	err := f.readLoop(ctx, conn)
	close(stop)

	f.mu.Lock()
	f.conn = nil
	f.mu.Unlock()
	f.setState(StateDisconnected)
	f.monitor.SetFeedConnected(false)
	fields := map[string]interface{}{"url": f.url}
	if err != nil && ctx.Err() == nil {
		fields["error"] = err.Error()
	}
	f.logger.LogFeed("disconnected", fields)
	f.emit("feed_disconnected", fields)
}

// readLoop 读取消息直到出错；每条消息和 pong 都会刷新读超时。
func (f *FeedConnector) readLoop(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()
	f.extendDeadline(conn)
	conn.SetPongHandler(func(string) error {
		f.extendDeadline(conn)
		return nil
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.extendDeadline(conn)
		f.onMessage(ctx, msg)
	}
}

func (f *FeedConnector) extendDeadline(conn *websocket.Conn) {
	if f.readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(f.readTimeout))
	}
}

// onMessage 解析失败只记录并丢弃，连接保持。
func (f *FeedConnector) onMessage(ctx context.Context, raw []byte) {
	received := f.now().UTC()
	f.monitor.RecordFeedMessage()
	bids, asks, err := ParseDepthSnapshot(raw)
	if err != nil {
		f.monitor.RecordDecodeError(decodeReason(err))
		payload := raw
		if len(payload) > maxLoggedPayload {
			payload = payload[:maxLoggedPayload]
		}
		f.logger.LogWarn("feed_message_dropped", map[string]interface{}{
			"reason":  decodeReason(err),
			"error":   err.Error(),
			"payload": string(payload),
		})
		return
	}
	if f.handler == nil {
		return
	}
	f.handler.OnSnapshot(ctx, market.Snapshot{Timestamp: received, Bids: bids, Asks: asks})
}

func (f *FeedConnector) setState(s FeedState) {
	f.state.Store(int32(s))
}

func (f *FeedConnector) emit(event string, fields map[string]interface{}) {
	f.mu.Lock()
	sink := f.eventSink
	f.mu.Unlock()
	if sink != nil {
		sink(event, fields)
	}
}

// sleepCtx 等待 d，ctx 取消时提前返回 false。
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
