package cache

import "github.com/prometheus/client_golang/prometheus"

var (
	hitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "memcoord",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Cache requests for an already cached model",
	})
	missesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "memcoord",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Cache requests that required an admission",
	})
	evictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memcoord",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Evicted entries by reason",
	}, []string{"reason"})
	usedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "memcoord",
		Subsystem: "cache",
		Name:      "used_bytes",
		Help:      "Bytes held by cache entries",
	})
)

func init() {
	prometheus.MustRegister(hitsTotal, missesTotal, evictionsTotal, usedBytes)
}
