package chatapi

import "github.com/prometheus/client_golang/prometheus"

var (
	chatRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localllm",
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Chat completion requests served by the local endpoint",
		},
		[]string{"mode", "outcome"},
	)

	chatDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "localllm",
			Subsystem: "chat",
			Name:      "request_duration_seconds",
			Help:      "Duration of chat completion requests in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"mode"},
	)
)

func init() {
	prometheus.MustRegister(chatRequestsTotal, chatDuration)
}
