package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace, metricsSubsystem = "memcoord", "http"

var routeLabels = []string{"path", "method", "status"}

var (
	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace, Subsystem: metricsSubsystem,
		Name: "requests_total",
		Help: "HTTP requests by route pattern, method and status.",
	}, routeLabels)

	httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace, Subsystem: metricsSubsystem,
		Name: "request_duration_seconds",
		Help: "HTTP request latency. Ensure requests include worker round trips.",
		// ensure can wait on a load for tens of seconds
		Buckets: []float64{.005, .025, .1, .5, 1, 2.5, 5, 10, 30, 60},
	}, routeLabels)

	httpResponseBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace, Subsystem: metricsSubsystem,
		Name:    "response_bytes",
		Help:    "Response body sizes.",
		Buckets: prometheus.ExponentialBuckets(64, 4, 8),
	}, []string{"path"})

	httpInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace, Subsystem: metricsSubsystem,
		Name: "inflight_requests",
		Help: "HTTP requests being served.",
	})

	rejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace, Subsystem: metricsSubsystem,
		Name: "rejections_total",
		Help: "Requests answered with a coordinator error, by error kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpResponseBytes, httpInflight, rejectionsTotal)
}

// MetricsMiddleware instruments requests for Prometheus. Mounted inside a chi
// router it labels by route pattern, which is only known once routing ran.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInflight.Inc()
		defer httpInflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		path := routePatternOrPath(r)
		status := strconv.Itoa(code)
		httpRequestsTotal.WithLabelValues(path, r.Method, status).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, status).Observe(time.Since(start).Seconds())
		httpResponseBytes.WithLabelValues(path).Observe(float64(ww.BytesWritten()))
	})
}

// routePatternOrPath labels by chi route pattern so ids in the URL don't
// explode cardinality. Unrouted requests fall back to the raw path.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
