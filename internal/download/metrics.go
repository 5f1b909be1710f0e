package download

import "github.com/prometheus/client_golang/prometheus"

var (
	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "localllm",
			Name:      "downloads_total",
			Help:      "Finished artifact downloads by outcome",
		},
		[]string{"outcome"},
	)

	downloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "localllm",
			Name:      "download_bytes_total",
			Help:      "Bytes written by artifact downloads",
		},
	)
)

func init() {
	prometheus.MustRegister(downloadsTotal, downloadBytesTotal)
}
