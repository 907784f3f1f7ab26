package status

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "status_running",
		Help: "Set to 1 when the range test is running.",
	})

	pcg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "status_ping_count",
		Help: "The number of completed pings.",
	})
)

// MetricsSink exposes the status as Prometheus gauges.
type MetricsSink struct{}

// Update implements Sink.
func (MetricsSink) Update(s Status) {
	if s.Running {
		rg.Set(1)
	} else {
		rg.Set(0)
	}
	pcg.Set(float64(s.PingCount))
}
