package coord

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memcoord",
			Subsystem: "coord",
			Name:      "requests_total",
			Help:      "Resolved coordination requests by action and outcome",
		},
		[]string{"action", "result"},
	)
	requestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "memcoord",
			Subsystem: "coord",
			Name:      "request_seconds",
			Help:      "Time from send to resolution",
			Buckets:   []float64{0.01, 0.05, 0.25, 1, 5, 15, 30, 60, 120},
		},
		[]string{"action"},
	)
	timeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memcoord",
			Subsystem: "coord",
			Name:      "timeouts_total",
			Help:      "Exchanges that hit their deadline",
		},
		[]string{"action"},
	)
	staleTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "memcoord",
		Subsystem: "coord",
		Name:      "stale_responses_total",
		Help:      "Responses discarded because their request id was unknown",
	})
	malformedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "memcoord",
		Subsystem: "coord",
		Name:      "malformed_lines_total",
		Help:      "Worker output lines that were not valid responses",
	})
	inconsistenciesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "memcoord",
		Subsystem: "coord",
		Name:      "inconsistencies_total",
		Help:      "Local phases corrected to the worker's report",
	})
	inflightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "memcoord",
		Subsystem: "coord",
		Name:      "inflight",
		Help:      "Unresolved load, unload and optimize requests",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestSeconds, timeoutsTotal, staleTotal,
		malformedTotal, inconsistenciesTotal, inflightGauge)
}
