package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	if metrics == nil {
		t.Fatal("Expected non-nil metrics")
	}

	// Registering twice on the same registry would panic; a fresh
	// registry per instance must not.
	NewMetrics(prometheus.NewRegistry())
}

func TestObserveHTTPRequest(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.ObserveHTTPRequest("GET", "/orgs/{org_id}", 200, 42*time.Millisecond)

	count := testutil.CollectAndCount(metrics.HTTPRequestsTotal)
	if count != 1 {
		t.Errorf("Expected 1 metric, got %d", count)
	}

	expected := `
		# HELP warden_http_requests_total Total number of HTTP requests
		# TYPE warden_http_requests_total counter
		warden_http_requests_total{method="GET",path="/orgs/{org_id}",status="200"} 1
	`
	if err := testutil.CollectAndCompare(metrics.HTTPRequestsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("Unexpected metric value: %v", err)
	}
}

func TestDecisionMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.DecisionsTotal.WithLabelValues("allow").Inc()
	metrics.DecisionsTotal.WithLabelValues("deny").Inc()
	metrics.DecisionsTotal.WithLabelValues("deny").Inc()

	if got := testutil.ToFloat64(metrics.DecisionsTotal.WithLabelValues("deny")); got != 2 {
		t.Errorf("Expected 2 deny decisions, got %f", got)
	}

	metrics.StoreErrorsTotal.Inc()
	if got := testutil.ToFloat64(metrics.StoreErrorsTotal); got != 1 {
		t.Errorf("Expected 1 store error, got %f", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.SnapshotHitsTotal.Inc()

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "warden_allowlist_snapshot_hits_total 1") {
		t.Error("Expected snapshot hit counter in metrics output")
	}
}
