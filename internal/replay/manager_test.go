package replay

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderbook-recorder/infrastructure/monitor"
	"orderbook-recorder/internal/store"
)

// countingStore 统计 Close 调用次数。
type countingStore struct {
	store.Store
	closes atomic.Int32
}

func (c *countingStore) Close() error {
	c.closes.Add(1)
	return c.Store.Close()
}

func startManager(t *testing.T, st store.Store, pacing time.Duration) (*Manager, string) {
	t.Helper()
	m := NewManager(st, ManagerOptions{Pacing: pacing, WriteTimeout: time.Second}, nil, monitor.New(monitor.DefaultConfig()))
	srv := httptest.NewServer(m)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
		srv.Close()
	})
	return m, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func sendJSON(t *testing.T, conn *websocket.Conn, v string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(v)))
}

func TestManagerExampleScenario(t *testing.T) {
	mem := seededStore(t, 0, time.Second)
	_, url := startManager(t, mem, 50*time.Millisecond)
	conn := dial(t, url)

	hello := readJSON(t, conn)
	assert.Equal(t, "connected", hello["status"])
	assert.Equal(t, textConnected, hello["message"])

	sendJSON(t, conn, `{"startDate":"2024-01-01T10:00:00Z","endDate":"2024-01-01T10:00:01Z"}`)

	started := readJSON(t, conn)
	assert.Equal(t, "started", started["status"])
	assert.EqualValues(t, 2, started["totalSnapshots"])
	assert.Equal(t, "2024-01-01T10:00:00.000Z", started["startTime"])

	first := readJSON(t, conn)
	t0 := time.Now()
	assert.Equal(t, "2024-01-01T10:00:00.000Z", first["timestamp"])
	assert.Equal(t, "1/2", first["progress"])
	assert.Equal(t, []any{[]any{"100", "1"}}, first["bids"])

	second := readJSON(t, conn)
	assert.GreaterOrEqual(t, time.Since(t0), 40*time.Millisecond)
	assert.Equal(t, "2024-01-01T10:00:01.000Z", second["timestamp"])
	assert.Equal(t, "2/2", second["progress"])

	done := readJSON(t, conn)
	assert.Equal(t, map[string]any{"status": "completed", "message": textCompleted}, done)
}

func TestManagerInvalidConfigKeepsConnection(t *testing.T) {
	mem := seededStore(t, 0)
	_, url := startManager(t, mem, time.Millisecond)
	conn := dial(t, url)
	readJSON(t, conn)

	sendJSON(t, conn, `not json`)
	assert.Equal(t, map[string]any{"error": textInvalidConfig}, readJSON(t, conn))

	sendJSON(t, conn, `{"startDate":"2024-01-01"}`)
	assert.Equal(t, map[string]any{"error": textDatesRequired}, readJSON(t, conn))

	sendJSON(t, conn, `{"startDate":"2024-01-02","endDate":"2024-01-03"}`)
	assert.Equal(t, map[string]any{"status": "error", "message": textNoData}, readJSON(t, conn))

	sendJSON(t, conn, `{"startDate":"2024-01-01T10:00:00Z","endDate":"2024-01-01T10:00:00Z"}`)
	assert.Equal(t, "started", readJSON(t, conn)["status"])
	assert.Equal(t, "1/1", readJSON(t, conn)["progress"])
	assert.Equal(t, "completed", readJSON(t, conn)["status"])
}

func TestManagerRejectsSecondConfigWhileStreaming(t *testing.T) {
	mem := seededStore(t, 0, time.Second)
	m, url := startManager(t, mem, time.Hour)
	conn := dial(t, url)
	readJSON(t, conn)

	cfg := `{"startDate":"2024-01-01T10:00:00Z","endDate":"2024-01-01T10:00:01Z"}`
	sendJSON(t, conn, cfg)
	assert.Equal(t, "started", readJSON(t, conn)["status"])
	assert.Equal(t, "1/2", readJSON(t, conn)["progress"])

	sendJSON(t, conn, cfg)
	assert.Equal(t, map[string]any{"error": textSessionActive}, readJSON(t, conn))

	sessions := m.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "streaming", sessions[0].State)
	assert.Equal(t, "1/2", sessions[0].Progress)
	assert.Equal(t, "2024-01-01T10:00:00.000Z", sessions[0].Start)
}

func TestManagerDisconnectAbortsSession(t *testing.T) {
	mem := seededStore(t, 0, time.Second, 2*time.Second)
	m, url := startManager(t, mem, 20*time.Millisecond)
	conn := dial(t, url)
	readJSON(t, conn)

	sendJSON(t, conn, `{"startDate":"2024-01-01T10:00:00Z","endDate":"2024-01-01T10:00:02Z"}`)
	readJSON(t, conn)
	assert.Equal(t, "1/3", readJSON(t, conn)["progress"])
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return m.Clients() == 0 && len(m.Sessions()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestManagerShutdownBroadcastsOnce(t *testing.T) {
	st := &countingStore{Store: seededStore(t, 0, time.Second)}
	m, url := startManager(t, st, time.Hour)

	a := dial(t, url)
	b := dial(t, url)
	readJSON(t, a)
	readJSON(t, b)
	sendJSON(t, a, `{"startDate":"2024-01-01T10:00:00Z","endDate":"2024-01-01T10:00:01Z"}`)
	readJSON(t, a)
	readJSON(t, a)
	require.Eventually(t, func() bool { return m.Clients() == 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	require.NoError(t, m.Shutdown(ctx))

	for _, conn := range []*websocket.Conn{a, b} {
		assert.Equal(t, map[string]any{"status": "shutdown", "message": textShutdown}, readJSON(t, conn))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err)
	}
	assert.EqualValues(t, 1, st.closes.Load())
	assert.Equal(t, 0, m.Clients())
}

func TestManagerShutdownWithoutClients(t *testing.T) {
	st := &countingStore{Store: store.NewMemory()}
	m := NewManager(st, ManagerOptions{}, nil, monitor.New(monitor.DefaultConfig()))

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.EqualValues(t, 1, st.closes.Load())
	assert.Equal(t, time.Second, m.Pacing())
}

func TestManagerRefusesUpgradeAfterShutdown(t *testing.T) {
	m, url := startManager(t, store.NewMemory(), time.Millisecond)
	require.NoError(t, m.Shutdown(context.Background()))

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestManagerSetPacing(t *testing.T) {
	m := NewManager(store.NewMemory(), ManagerOptions{Pacing: 10 * time.Millisecond}, nil, monitor.New(monitor.DefaultConfig()))
	assert.Equal(t, 10*time.Millisecond, m.Pacing())
	m.SetPacing(2 * time.Second)
	assert.Equal(t, 2*time.Second, m.Pacing())
	m.SetPacing(-1)
	assert.Equal(t, time.Second, m.Pacing())
}

func TestManagerRateLimitsConfigMessages(t *testing.T) {
	m := NewManager(store.NewMemory(), ManagerOptions{Pacing: time.Millisecond, MessageRate: 0.001, MessageBurst: 2},
		nil, monitor.New(monitor.DefaultConfig()))
	srv := httptest.NewServer(m)
	t.Cleanup(func() {
		_ = m.Shutdown(context.Background())
		srv.Close()
	})
	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	readJSON(t, conn)

	sendJSON(t, conn, `{}`)
	assert.Equal(t, map[string]any{"error": textDatesRequired}, readJSON(t, conn))
	sendJSON(t, conn, `{}`)
	assert.Equal(t, map[string]any{"error": textDatesRequired}, readJSON(t, conn))
	sendJSON(t, conn, `{}`)
	assert.Equal(t, map[string]any{"error": textRateLimited}, readJSON(t, conn))
}
