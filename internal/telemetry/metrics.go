package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsAdded        = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_jobs_added_total", Help: "Jobs persisted by add"})
	JobsRemoved      = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_jobs_removed_total", Help: "Jobs deleted by remove"})
	Dispatches       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "queue_dispatches_total", Help: "Jobs published to topic handlers"}, []string{"origin"})
	Acks             = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "queue_acks_total", Help: "Handler acknowledgments by kind and result"}, []string{"kind", "result"})
	QueueErrors      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "queue_errors_total", Help: "Store failures surfaced as queue errors"}, []string{"op"})
	SweepRecords     = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "queue_sweep_records", Help: "Records found per sweep", Buckets: prometheus.ExponentialBuckets(1, 4, 8)}, []string{"sweep"})
	EngineStarted    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "queue_engine_started", Help: "1 while the engine is started"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "queue_rate_limit_rejects_total", Help: "Add requests rejected by the rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsAdded,
			JobsRemoved,
			Dispatches,
			Acks,
			QueueErrors,
			SweepRecords,
			EngineStarted,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
