package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curral_http_requests_total",
		Help: "Requests served by the agent's local API",
	}, []string{"method", "path", "status_code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "curral_http_request_duration_seconds",
		Help:    "Duration of local API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)
