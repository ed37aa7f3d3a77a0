package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderbook-recorder/gateway"
	"orderbook-recorder/infrastructure/monitor"
	"orderbook-recorder/internal/replay"
	"orderbook-recorder/internal/store"
)

type stubFeed struct{ state gateway.FeedState }

func (s stubFeed) State() gateway.FeedState { return s.state }

func setup(t *testing.T, st store.Store, feed FeedProbe) (*Server, *replay.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mgr := replay.NewManager(st, replay.ManagerOptions{Pacing: time.Hour}, nil, monitor.New(monitor.DefaultConfig()))
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return New(mgr, st, feed, nil), mgr
}

func getJSON(t *testing.T, h http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func TestHealthz(t *testing.T) {
	srv, _ := setup(t, store.NewMemory(), stubFeed{state: gateway.StateConnected})

	code, resp := getJSON(t, srv.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, "connected", resp["feed"])
	assert.EqualValues(t, 0, resp["clients"])
}

func TestHealthzStoreDown(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.Close())
	srv, _ := setup(t, mem, nil)

	code, resp := getJSON(t, srv.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", resp["status"])
	assert.Equal(t, store.ErrClosed.Error(), resp["store"])
	assert.Equal(t, "disabled", resp["feed"])
}

func TestWebsocketRoutesAndSessions(t *testing.T) {
	mem := store.NewMemory()
	srv, mgr := setup(t, mem, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	code, resp := getJSON(t, srv.Handler(), "/sessions")
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, resp["sessions"])

	for _, path := range []string{"/", "/ws"} {
		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+path, nil)
		require.NoError(t, err, path)
		var hello map[string]string
		require.NoError(t, conn.ReadJSON(&hello))
		assert.Equal(t, "connected", hello["status"], path)
		_ = conn.Close()
	}
	require.Eventually(t, func() bool { return mgr.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestPlainRequestToReplayRoute(t *testing.T) {
	srv, _ := setup(t, store.NewMemory(), nil)
	req, _ := http.NewRequest(http.MethodGet, "/ws", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
