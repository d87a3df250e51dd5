package listener

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/metrics"
	"github.com/vcon-dev/conserver-testsuite/internal/testsuite/tracker"
)

func startListener(t *testing.T, track *tracker.Tracker, m *metrics.Metrics) (*Listener, string, context.CancelFunc) {
	t.Helper()
	lst := New("127.0.0.1:0", track, m)
	require.NoError(t, lst.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = lst.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return lst, "http://" + lst.Addr(), cancel
}

func postWebhook(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url+"/webhook", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestWebhookConfirmsRegisteredItem(t *testing.T) {
	track := tracker.New()
	m := metrics.New()
	require.True(t, track.Register("vcon-1"))
	_, url, _ := startListener(t, track, m)

	resp := postWebhook(t, url, []byte(`{"uuid": "vcon-1", "dialog": []}`))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 0, track.PendingConfirmations(tracker.ConfirmationCallback))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CallbacksReceived))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ConfirmationsOrphaned))
}

func TestWebhookAcceptsAlternateIdentifierKeys(t *testing.T) {
	track := tracker.New()
	require.True(t, track.Register("a"))
	require.True(t, track.Register("b"))
	_, url, _ := startListener(t, track, metrics.New())

	postWebhook(t, url, []byte(`{"vcon_id": "a"}`))
	postWebhook(t, url, []byte(`{"id": "b"}`))
	assert.Equal(t, 0, track.PendingConfirmations(tracker.ConfirmationCallback))
}

func TestWebhookForUnknownItemIsOrphaned(t *testing.T) {
	track := tracker.New()
	m := metrics.New()
	_, url, _ := startListener(t, track, m)

	// Well-formed but referencing nothing the dispatcher sent.
	resp := postWebhook(t, url, []byte(`{"uuid": "never-dispatched"}`))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, int64(1), track.Orphaned())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConfirmationsOrphaned))
}

func TestMalformedWebhookIsRejectedNotFatal(t *testing.T) {
	track := tracker.New()
	m := metrics.New()
	require.True(t, track.Register("vcon-1"))
	_, url, _ := startListener(t, track, m)

	resp := postWebhook(t, url, []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CallbacksMalformed))

	// The listener keeps serving after a malformed payload.
	resp = postWebhook(t, url, []byte(`{"uuid": "vcon-1"}`))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, track.PendingConfirmations(tracker.ConfirmationCallback))
}

func TestWebhookRejectsNonPost(t *testing.T) {
	_, url, _ := startListener(t, tracker.New(), metrics.New())
	resp, err := http.Get(url + "/webhook")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestReceivedWebhooksAreQueryable(t *testing.T) {
	track := tracker.New()
	require.True(t, track.Register("vcon-1"))
	_, url, _ := startListener(t, track, metrics.New())

	postWebhook(t, url, []byte(`{"uuid": "vcon-1"}`))

	resp, err := http.Get(url + "/webhooks")
	require.NoError(t, err)
	defer resp.Body.Close()
	var body struct {
		Count    int                      `json:"count"`
		Webhooks []map[string]interface{} `json:"webhooks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Webhooks, 1)
	assert.Equal(t, "vcon-1", body.Webhooks[0]["uuid"])
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	_, url, _ := startListener(t, tracker.New(), metrics.New())

	resp, err := http.Get(url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(url + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListenerWorksWithoutMetrics(t *testing.T) {
	track := tracker.New()
	require.True(t, track.Register("vcon-1"))
	_, url, _ := startListener(t, track, nil)

	resp := postWebhook(t, url, []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postWebhook(t, url, []byte(`{"uuid": "vcon-1"}`))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = postWebhook(t, url, []byte(`{"uuid": "unknown"}`))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 0, track.PendingConfirmations(tracker.ConfirmationCallback))

	// Without metrics there is no /metrics route either.
	metricsResp, err := http.Get(url + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, metricsResp.StatusCode)
}

func TestShutdownIsGraceful(t *testing.T) {
	track := tracker.New()
	lst := New("127.0.0.1:0", track, metrics.New())
	require.NoError(t, lst.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lst.Run(ctx) }()

	// Give the server a moment to start accepting.
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lst.Addr() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(shutdownGrace + time.Second):
		t.Fatal("listener did not shut down")
	}
}
