package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsIngested    = prometheus.NewCounter(prometheus.CounterOpts{Name: "social_events_ingested_total", Help: "Lifecycle events accepted by the ingest endpoint"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "social_ingest_rate_limit_rejects_total", Help: "Ingest requests rejected by the rate limiter"})
	PublishSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "social_publish_success_total", Help: "Jobs published (or deleted) successfully"})
	PublishFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "social_publish_failed_total", Help: "Jobs that failed and were scheduled for retry"})
	PublishSkipped    = prometheus.NewCounter(prometheus.CounterOpts{Name: "social_publish_skipped_total", Help: "Jobs skipped because auto-publish is disabled"})
	DeadLettered      = prometheus.NewCounter(prometheus.CounterOpts{Name: "social_dead_letter_total", Help: "Jobs moved to the dead-letter list"})
	ReadyDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "social_queue_ready_depth", Help: "Ready queue depth"})
	DelayedDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "social_queue_delayed_depth", Help: "Delayed set depth"})
	DeadDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "social_queue_dead_depth", Help: "Dead-letter list depth"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsIngested,
			RateLimitRejects,
			PublishSuccess,
			PublishFailures,
			PublishSkipped,
			DeadLettered,
			ReadyDepthGauge,
			DelayedDepthGauge,
			DeadDepthGauge,
		)
	})
	return promhttp.Handler()
}
