package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric exported by the link. A dedicated registry keeps
// tests independent of the global default registry.
var Registry = prometheus.NewRegistry()

var (
	FramesDecoded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imu_frames_total",
		Help: "Frames decoded from the serial stream.",
	})

	FramingErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "imu_framing_errors_total",
		Help: "Frames discarded because they failed to decode.",
	})

	UnknownHeaders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imu_unknown_headers_total",
			Help: "Packets with no registered handler, by whether a fallback consumed them.",
		},
		[]string{"fallback"},
	)

	UnmatchedAcks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imu_unmatched_acks_total",
			Help: "Bus acknowledgements with no outstanding request.",
		},
		[]string{"op"},
	)

	BusRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imu_bus_requests_total",
			Help: "Bus transactions by operation and outcome.",
		},
		[]string{"op", "result"},
	)

	EstimatorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imu_estimator_failures_total",
			Help: "Rejected estimator steps by step kind.",
		},
		[]string{"step"},
	)

	Calibrating = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "imu_calibrating",
		Help: "1 while the fusion manager is buffering calibration samples.",
	})
)

func init() {
	Registry.MustRegister(
		FramesDecoded,
		FramingErrors,
		UnknownHeaders,
		UnmatchedAcks,
		BusRequests,
		EstimatorFailures,
		Calibrating,
	)
}

// Handler serves the metrics in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
