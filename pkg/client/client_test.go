package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(url, token string) *Client {
	return New(&ConnectionDetails{
		ConserverUrl:   url,
		ApiToken:       token,
		RequestTimeout: 5 * time.Second,
	})
}

func TestCreateVconReturnsAssignedUuid(t *testing.T) {
	var gotAuth, gotLegacy, gotContentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/vcon", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotLegacy = r.Header.Get("x-conserver-api-token")
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewEncoder(w).Encode(map[string]string{"uuid": "vcon-1"})
	}))
	defer server.Close()

	id, err := newClient(server.URL, "secret").CreateVcon(context.Background(), []byte(`{"dialog": []}`))
	require.NoError(t, err)
	assert.Equal(t, "vcon-1", id)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "secret", gotLegacy)
	assert.Equal(t, "application/json", gotContentType)
}

func TestCreateVconRejectsMissingUuid(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer server.Close()

	_, err := newClient(server.URL, "").CreateVcon(context.Background(), []byte(`{}`))
	assert.Error(t, err)
}

func TestNonSuccessStatusIsErrStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newClient(server.URL, "").CreateVcon(context.Background(), []byte(`{}`))
	require.Error(t, err)
	var statusErr *ErrStatus
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.Contains(t, statusErr.Body, "queue full")
}

func TestEnqueueVconPostsIdListToIngressList(t *testing.T) {
	var gotQuery, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/vcon/ingress", r.URL.Path)
		gotQuery = r.URL.Query().Get("ingress_list")
		var ids []string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ids))
		require.Len(t, ids, 1)
		gotBody = ids[0]
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := newClient(server.URL, "").EnqueueVcon(context.Background(), "vcon-1", "load_test_list")
	require.NoError(t, err)
	assert.Equal(t, "load_test_list", gotQuery)
	assert.Equal(t, "vcon-1", gotBody)
}

func TestGetConfigRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "starting up", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"chains": map[string]interface{}{}})
	}))
	defer server.Close()

	config, err := newClient(server.URL, "").GetConfig(context.Background())
	require.NoError(t, err)
	assert.Contains(t, config, "chains")
	assert.Equal(t, int64(3), calls.Load())
}

func TestConfigCallsDoNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer server.Close()

	// An auth failure won't heal on retry; the error surfaces immediately.
	_, err := newClient(server.URL, "wrong").GetConfig(context.Background())
	require.Error(t, err)
	var statusErr *ErrStatus
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.Code)
	assert.Equal(t, int64(1), calls.Load())
}

func TestConfigRetriesStopOnCancelledContext(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newClient(server.URL, "").ReplaceConfig(ctx, map[string]interface{}{})
	require.Error(t, err)
	// No retries once the context is gone.
	assert.LessOrEqual(t, calls.Load(), int64(1))
}

func TestDispatchCallsAreNeverRetried(t *testing.T) {
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newClient(server.URL, "")
	_, err := c.CreateVcon(context.Background(), []byte(`{}`))
	require.Error(t, err)
	require.Error(t, c.EnqueueVcon(context.Background(), "vcon-1", "list"))
	assert.Equal(t, int64(2), calls.Load())
}

func TestErrStatusFormatting(t *testing.T) {
	err := errors.WithStack(&ErrStatus{Code: 503, Body: "queue full"})
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "queue full")
}
