package supervisor

import "github.com/prometheus/client_golang/prometheus"

var (
	serverStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localllm",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Inference server start attempts by outcome",
		},
		[]string{"outcome"},
	)

	serverStartupSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "localllm",
			Subsystem: "server",
			Name:      "startup_seconds",
			Help:      "Time from start request to readiness",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		},
	)

	serverRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "localllm",
			Subsystem: "server",
			Name:      "running",
			Help:      "1 while the inference server is running",
		},
	)
)

func init() {
	prometheus.MustRegister(serverStartsTotal, serverStartupSeconds, serverRunning)
}
