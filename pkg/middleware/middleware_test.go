package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/wardenhq/warden/pkg/observability"
)

func TestRequestID(t *testing.T) {
	t.Run("generates when absent", func(t *testing.T) {
		var got string
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = observability.GetRequestID(r.Context())
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, got)
		assert.Equal(t, got, rec.Header().Get("X-Request-Id"))
	})

	t.Run("honors upstream header", func(t *testing.T) {
		var got string
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = observability.GetRequestID(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-Id", "upstream-id")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "upstream-id", got)
		assert.Equal(t, "upstream-id", rec.Header().Get("X-Request-Id"))
	})
}

func TestLogging(t *testing.T) {
	logger := observability.NewLogger(observability.InfoLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(Logging(logger, metrics))
	router.HandleFunc("/orgs/{org_id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orgs/1", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestRecover(t *testing.T) {
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	router := mux.NewRouter()
	router.Use(Recover(logger))
	router.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		panic("something broke")
	})
	router.HandleFunc("/fine", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fine", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{
			name:       "remote addr",
			remoteAddr: "10.0.0.5:54321",
			want:       "10.0.0.5",
		},
		{
			name:       "forwarded for",
			remoteAddr: "10.0.0.5:54321",
			forwarded:  "203.0.113.9",
			want:       "203.0.113.9",
		},
		{
			name:       "forwarded chain keeps first hop",
			remoteAddr: "10.0.0.5:54321",
			forwarded:  "203.0.113.9, 10.0.0.1",
			want:       "203.0.113.9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, clientIP(req))
		})
	}
}
