package monitor

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedMetrics(t *testing.T) {
	m := New(Config{Namespace: "test"})

	m.SetFeedConnected(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.feedConnected))
	m.SetFeedConnected(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.feedConnected))

	m.RecordReconnect()
	m.RecordReconnect()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.feedReconnects))

	m.RecordDecodeError("malformed")
	m.RecordDecodeError("missing_side")
	m.RecordDecodeError("malformed")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.feedDecodeErrors.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.feedDecodeErrors.WithLabelValues("missing_side")))
}

func TestSessionMetrics(t *testing.T) {
	m := New(Config{Namespace: "test"})

	m.SessionStarted()
	m.SessionStarted()
	m.SessionEnded("completed")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsEnded.WithLabelValues("completed")))

	m.RecordTickSent()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ticksSent))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordSnapshotStored()
	m.RecordStoreLatency("append", 0.002)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "obrec_ingest_snapshots_stored_total 1")
	assert.Contains(t, string(body), `obrec_store_op_latency_seconds_count{op="append"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}
