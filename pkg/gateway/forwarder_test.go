package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/observability"
)

func newTestForwarder(t *testing.T) (*Forwarder, *observability.Metrics) {
	t.Helper()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f := NewForwarder(Config{
		MaxTries:        3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		RequestTimeout:  time.Second,
	}, observability.NewLogger(observability.ErrorLevel, io.Discard), metrics)
	return f, metrics
}

func TestForwardSuccess(t *testing.T) {
	var got *http.Request
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	f, metrics := newTestForwarder(t)
	header := http.Header{}
	header.Set("Content-Type", "application/json")

	resp, err := f.Forward(context.Background(), http.MethodPost, upstream.URL, header, []byte(`{"q":1}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	require.NotNil(t, got)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, `{"q":1}`, string(gotBody))

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.GatewayForwardsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.GatewayRetriesTotal))
}

func TestForwardRetriesTransientStatus(t *testing.T) {
	attempts := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	f, metrics := newTestForwarder(t)

	resp, err := f.Forward(context.Background(), http.MethodPost, upstream.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.GatewayRetriesTotal))
}

func TestForwardExhaustsRetries(t *testing.T) {
	attempts := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	f, metrics := newTestForwarder(t)

	_, err := f.Forward(context.Background(), http.MethodPost, upstream.URL, nil, nil)
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.GatewayForwardsTotal.WithLabelValues("failure")))
}

func TestForwardErrorStatusPassesThrough(t *testing.T) {
	attempts := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer upstream.Close()

	f, _ := newTestForwarder(t)

	// 500 is the upstream's answer, not a transport failure; it is
	// returned to the caller without retrying.
	resp, err := f.Forward(context.Background(), http.MethodPost, upstream.URL, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "boom", string(resp.Body))
	assert.Equal(t, 1, attempts)
}

func TestForwardTimeoutRetried(t *testing.T) {
	attempts := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		time.Sleep(200 * time.Millisecond)
	}))
	defer upstream.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	f := NewForwarder(Config{
		MaxTries:        2,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		RequestTimeout:  20 * time.Millisecond,
	}, observability.NewLogger(observability.ErrorLevel, io.Discard), metrics)

	_, err := f.Forward(context.Background(), http.MethodPost, upstream.URL, nil, nil)
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestForwardBadEndpoint(t *testing.T) {
	f, _ := newTestForwarder(t)

	_, err := f.Forward(context.Background(), http.MethodPost, "http://127.0.0.1:1/nothing-listens-here", nil, nil)
	assert.Error(t, err)
}

func TestRetryableStatus(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusGatewayTimeout, true},
		{http.StatusOK, false},
		{http.StatusNotFound, false},
		{http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, retryableStatus(tt.code), "status %d", tt.code)
	}
}

func TestForwardHeaders(t *testing.T) {
	in := http.Header{}
	in.Set("Content-Type", "application/json")
	in.Set("Accept", "application/json")
	in.Set("X-Request-Id", "req-1")
	in.Set("Authorization", "Bearer secret")
	in.Set("Cookie", "session=abc")

	out := forwardHeaders(in)
	assert.Equal(t, "application/json", out.Get("Content-Type"))
	assert.Equal(t, "application/json", out.Get("Accept"))
	assert.Equal(t, "req-1", out.Get("X-Request-Id"))
	assert.Empty(t, out.Get("Authorization"), "caller credentials never reach the upstream")
	assert.Empty(t, out.Get("Cookie"))
}
