package replay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"orderbook-recorder/infrastructure/logger"
	"orderbook-recorder/infrastructure/monitor"
	"orderbook-recorder/internal/store"
)

var errClientClosed = errors.New("replay client closed")

// ManagerOptions 回放服务参数；零值使用默认。
type ManagerOptions struct {
	Pacing       time.Duration
	QueryTimeout time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	// 每个连接的配置消息限速（条/秒）与突发上限。
	MessageRate  float64
	MessageBurst int
}

const (
	defaultPacing       = time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 64 << 10
	defaultMessageRate  = 2
	defaultMessageBurst = 10
)

// SessionInfo /sessions 返回的单条记录。
type SessionInfo struct {
	ID       string `json:"id"`
	Remote   string `json:"remote"`
	State    string `json:"state"`
	Progress string `json:"progress"`
	Start    string `json:"startTime,omitempty"`
	End      string `json:"endTime,omitempty"`
}

// Manager 管理所有回放客户端；每个连接同一时间最多一个会话。
type Manager struct {
	store    store.Store
	opts     ManagerOptions
	pacing   atomic.Int64
	upgrader websocket.Upgrader
	logger   *logger.Logger
	monitor  *monitor.Monitor

	mu      sync.Mutex
	clients map[*client]struct{}
	closing bool
	wg      sync.WaitGroup

	shutdownOnce sync.Once
	shutdownErr  error
}

func NewManager(st store.Store, opts ManagerOptions, log *logger.Logger, mon *monitor.Monitor) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.MessageRate <= 0 {
		opts.MessageRate = defaultMessageRate
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = defaultMessageBurst
	}
	m := &Manager{
		store:   st,
		opts:    opts,
		logger:  log.WithFields(map[string]interface{}{"component": "replay"}),
		monitor: mon,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	m.SetPacing(opts.Pacing)
	return m
}

// SetPacing 调整相邻两条快照的间隔，对运行中的会话同样生效。
func (m *Manager) SetPacing(d time.Duration) {
	if d <= 0 {
		d = defaultPacing
	}
	m.pacing.Store(int64(d))
}

func (m *Manager) Pacing() time.Duration {
	return time.Duration(m.pacing.Load())
}

// ServeHTTP 升级为 websocket 并在当前 goroutine 上读取该客户端消息，直到断开。
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	closing := m.closing
	m.mu.Unlock()
	if closing {
		http.Error(w, textShutdown, http.StatusServiceUnavailable)
		return
	}
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.LogWarn("ws_upgrade_failed", map[string]interface{}{"remote": r.RemoteAddr, "error": err.Error()})
		return
	}
	c := newClient(conn, r.RemoteAddr, m.opts.WriteTimeout)
	c.limiter = newTokenBucket(m.opts.MessageRate, m.opts.MessageBurst)
	m.serveClient(c)
}

func (m *Manager) serveClient(c *client) {
	if !m.register(c) {
		c.close()
		return
	}
	m.monitor.ClientConnected()
	m.logger.Info("replay client connected", zap.String("remote", c.remote))
	defer func() {
		m.unregister(c)
		c.close()
		m.monitor.ClientDisconnected()
		m.logger.Info("replay client disconnected", zap.String("remote", c.remote))
		m.wg.Done()
	}()

	if err := c.Send(connectedMessage()); err != nil {
		return
	}
	c.conn.SetReadLimit(m.opts.ReadLimit)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		m.onClientMessage(c, msg)
	}
}

// onClientMessage 配置无效时回复 {error} 并保持连接，客户端可以重试。
func (m *Manager) onClientMessage(c *client, raw []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		m.monitor.RecordConfigReject()
		_ = c.Send(ErrorMessage{Error: textRateLimited})
		return
	}
	r, err := ParseConfig(raw)
	if err != nil {
		m.monitor.RecordConfigReject()
		m.logger.LogWarn("replay_config_rejected", map[string]interface{}{"remote": c.remote, "error": err.Error()})
		_ = c.Send(ErrorMessage{Error: configReply(err)})
		return
	}

	c.mu.Lock()
	if c.session != nil && !c.session.State().Terminal() {
		c.mu.Unlock()
		m.monitor.RecordConfigReject()
		_ = c.Send(ErrorMessage{Error: textSessionActive})
		return
	}
	sess := NewSession(c, m.store, SessionOptions{
		Pacing:       m.Pacing,
		QueryTimeout: m.opts.QueryTimeout,
		Remote:       c.remote,
	}, m.logger, m.monitor)
	c.session = sess
	c.mu.Unlock()

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.wg.Done()
		sess.Run(c.ctx, r)
	}()
}

func (m *Manager) register(c *client) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.clients[c] = struct{}{}
	m.wg.Add(1)
	return true
}

func (m *Manager) unregister(c *client) {
	m.mu.Lock()
	delete(m.clients, c)
	m.mu.Unlock()
}

// Sessions 返回尚未结束的会话。
func (m *Manager) Sessions() []SessionInfo {
	m.mu.Lock()
	clients := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	out := make([]SessionInfo, 0, len(clients))
	for _, c := range clients {
		c.mu.Lock()
		sess := c.session
		c.mu.Unlock()
		if sess == nil || sess.State().Terminal() {
			continue
		}
		sent, total := sess.Progress()
		info := SessionInfo{
			ID:       sess.ID(),
			Remote:   c.remote,
			State:    sess.State().String(),
			Progress: fmt.Sprintf("%d/%d", sent, total),
		}
		if r := sess.Range(); !r.Start.IsZero() {
			info.Start = formatTime(r.Start)
			info.End = formatTime(r.End)
		}
		out = append(out, info)
	}
	return out
}

// Clients 当前连接数。
func (m *Manager) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Shutdown 只执行一次：向所有客户端广播关闭通知并断开，等待会话退出，最后关闭存储。
// 重复调用返回第一次的结果。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.closing = true
		clients := make([]*client, 0, len(m.clients))
		for c := range m.clients {
			clients = append(clients, c)
		}
		m.mu.Unlock()

		m.logger.Info("replay shutdown broadcast", zap.Int("clients", len(clients)))
		var bw sync.WaitGroup
		for _, c := range clients {
			bw.Add(1)
			go func(c *client) {
				defer bw.Done()
				c.shutdown(shutdownMessage())
			}(c)
		}
		bw.Wait()

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			m.shutdownErr = fmt.Errorf("wait replay sessions: %w", ctx.Err())
		}

		if m.store != nil {
			if err := m.store.Close(); err != nil {
				m.shutdownErr = errors.Join(m.shutdownErr, fmt.Errorf("close store: %w", err))
			}
		}
	})
	return m.shutdownErr
}

// client 一个 websocket 连接；写操作串行化，带写超时。
type client struct {
	conn         *websocket.Conn
	remote       string
	writeTimeout time.Duration
	limiter      *tokenBucket

	ctx    context.Context
	cancel context.CancelFunc

	wmu    sync.Mutex
	closed atomic.Bool

	mu      sync.Mutex
	session *Session
}

func newClient(conn *websocket.Conn, remote string, writeTimeout time.Duration) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		conn:         conn,
		remote:       remote,
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Send 实现 ClientConn。
func (c *client) Send(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return errClientClosed
	}
	return c.writeLocked(v)
}

func (c *client) writeLocked(v any) error {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteJSON(v)
}

func (c *client) Closed() bool {
	return c.closed.Load()
}

// close 标记关闭、取消会话并关闭底层连接，可重复调用。
func (c *client) close() {
	c.closed.Store(true)
	c.cancel()
	_ = c.conn.Close()
}

// shutdown 发送关闭通知和 close 帧后断开；会话此后的 Send 都会失败。
func (c *client) shutdown(notice StatusMessage) {
	c.wmu.Lock()
	if !c.closed.Load() {
		_ = c.writeLocked(notice)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, textShutdown),
			time.Now().Add(time.Second))
	}
	c.closed.Store(true)
	c.wmu.Unlock()
	c.close()
}
