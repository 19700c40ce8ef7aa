// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts trades folded into the live renderer, by source.
	TradesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trades_total", Help: "Trades folded into the live bucket"},
		[]string{"source"},
	)

	// TradesDropped counts stale trades dropped for arriving behind the
	// live bucket.
	TradesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "trades_dropped_total", Help: "Trades dropped as older than the live bucket"},
		[]string{"source"},
	)

	// BucketsClosed counts bucket boundary crossings.
	BucketsClosed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "buckets_closed_total", Help: "Closed aggregation buckets"},
	)

	// SeriesErrors counts validation errors surfaced per series.
	SeriesErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "series_errors_total", Help: "Series compile and runtime validation errors"},
		[]string{"series"},
	)

	// FlowVolume reports the trailing buy/sell volume from the sliding
	// window counters.
	FlowVolume = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "flow_volume", Help: "Trailing window volume by side"},
		[]string{"side"},
	)
)

func init() {
	prometheus.MustRegister(TradesTotal, TradesDropped, BucketsClosed, SeriesErrors, FlowVolume)
}

// Serve starts the /metrics endpoint on addr and returns the server so the
// caller can shut it down.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
