package pressure

import "github.com/prometheus/client_golang/prometheus"

var (
	pressureRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "memcoord",
			Subsystem: "pressure",
			Name:      "usage_ratio",
			Help:      "Used/total ratio from the latest snapshot",
		},
		[]string{"device"},
	)

	pressureLevel = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "memcoord",
			Subsystem: "pressure",
			Name:      "level",
			Help:      "Pressure level from the latest snapshot (0=low .. 3=critical)",
		},
		[]string{"device"},
	)
)

func init() {
	prometheus.MustRegister(pressureRatio, pressureLevel)
}
