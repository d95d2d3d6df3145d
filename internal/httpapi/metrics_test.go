package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"memcoord/internal/errs"
)

func scrape(t *testing.T) []byte {
	t.Helper()
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status=%d", rr.Code)
	}
	return rr.Body.Bytes()
}

// The mux mounts MetricsMiddleware inside the router, so samples carry the
// route pattern rather than the concrete path.
func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	h := NewMux(&mockService{})
	if w := do(t, h, http.MethodDelete, "/cache/some-model.gguf", ""); w.Code != http.StatusNoContent {
		t.Fatalf("status=%d", w.Code)
	}
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/cache/{model}", http.MethodDelete, "204"))
	do(t, h, http.MethodDelete, "/cache/other.gguf", "")
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/cache/{model}", http.MethodDelete, "204"))
	if after != before+1 {
		t.Fatalf("expected counter to grow by one, got %v -> %v", before, after)
	}
	if bytes.Contains(scrape(t), []byte("other.gguf")) {
		t.Fatal("concrete path leaked into metric labels")
	}
}

func TestMetricsMiddleware_FallsBackToPath(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	rr := httptest.NewRecorder()
	MetricsMiddleware(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/plain", nil))
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/plain", http.MethodGet, "418")); got < 1 {
		t.Fatalf("expected a sample for /plain, got %v", got)
	}
	if !bytes.Contains(scrape(t), []byte("memcoord_http_requests_total")) {
		t.Fatal("expected memcoord_http_requests_total in scrape")
	}
}

func TestRejectionsCountedByKind(t *testing.T) {
	c := rejectionsTotal.WithLabelValues(string(errs.KindEvictionBlocked))
	before := testutil.ToFloat64(c)
	svc := &mockService{evictErr: errs.New(errs.KindEvictionBlocked, "loaded")}
	do(t, NewMux(svc), http.MethodDelete, "/cache/m", "")
	if got := testutil.ToFloat64(c); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}
}
