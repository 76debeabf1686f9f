package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"service", "method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)

	DevicePairingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_pairings_total",
			Help: "Pairing flow attempts by stage.",
		},
		[]string{"service", "stage", "result"},
	)

	DeviceTokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_tokens_issued_total",
			Help: "Device tokens issued or rotated.",
		},
		[]string{"service", "flow", "result"},
	)

	ResourceWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "resource_writes_total",
			Help: "Resource upsert attempts.",
		},
		[]string{"service", "result"},
	)

	AuthenticationAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authentication_attempts_total",
			Help: "Credential resolutions at the gateway.",
		},
		[]string{"service", "kind", "result"},
	)
)

func MustRegister(serviceName string) {
	HTTPRequestsTotal = HTTPRequestsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	HTTPRequestDurationSeconds = HTTPRequestDurationSeconds.MustCurryWith(prometheus.Labels{"service": serviceName}).(*prometheus.HistogramVec)
	DevicePairingsTotal = DevicePairingsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	DeviceTokensIssuedTotal = DeviceTokensIssuedTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	ResourceWritesTotal = ResourceWritesTotal.MustCurryWith(prometheus.Labels{"service": serviceName})
	AuthenticationAttemptsTotal = AuthenticationAttemptsTotal.MustCurryWith(prometheus.Labels{"service": serviceName})

	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		DevicePairingsTotal,
		DeviceTokensIssuedTotal,
		ResourceWritesTotal,
		AuthenticationAttemptsTotal,
	)
}
