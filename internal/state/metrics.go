package state

import "github.com/prometheus/client_golang/prometheus"

var transitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "memcoord",
		Subsystem: "state",
		Name:      "transitions_total",
		Help:      "Applied model phase transitions by event",
	},
	[]string{"event"},
)

func init() {
	prometheus.MustRegister(transitionsTotal)
}
