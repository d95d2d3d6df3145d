package memory

import "github.com/prometheus/client_golang/prometheus"

var (
	allocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memcoord",
			Subsystem: "memory",
			Name:      "allocations_total",
			Help:      "Allocation attempts by device, purpose and result",
		},
		[]string{"device", "purpose", "result"},
	)

	deallocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memcoord",
			Subsystem: "memory",
			Name:      "deallocations_total",
			Help:      "Deallocation attempts by device and result",
		},
		[]string{"device", "result"},
	)

	usedBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "memcoord",
			Subsystem: "memory",
			Name:      "used_bytes",
			Help:      "Bytes tracked as allocated per device",
		},
		[]string{"device"},
	)

	defragReclaimedBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "memcoord",
			Subsystem: "memory",
			Name:      "defrag_reclaimed_bytes_total",
			Help:      "Growth of the largest free block produced by defragmentation",
		},
		[]string{"device"},
	)
)

func init() {
	prometheus.MustRegister(allocationsTotal, deallocationsTotal, usedBytes, defragReclaimedBytes)
}
