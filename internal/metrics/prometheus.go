package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus is a Sink backed by a private registry.
type Prometheus struct {
	reg *prometheus.Registry

	processed     prometheus.Counter
	failed        prometheus.Counter
	deadLettered  prometheus.Counter
	notifications prometheus.Counter
	processing    prometheus.Histogram
	lag           prometheus.Histogram
	backlog       prometheus.Gauge
}

// NewPrometheus registers the worker collectors plus the Go and process
// collectors. An empty namespace keeps the bare metric names.
func NewPrometheus(namespace string) *Prometheus {
	reg := prometheus.NewRegistry()
	p := &Prometheus{
		reg: reg,
		processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Events that reached processed_at through the normal path.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_failed_total",
			Help:      "Processing attempts that ended in an error.",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dead_lettered_total",
			Help:      "Events quarantined after exhausting retries.",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_created_total",
			Help:      "Notification rows actually inserted.",
		}),
		processing: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_duration_seconds",
			Help:      "Wall time of one successful processing transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		lag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_lag_seconds",
			Help:      "Time between event creation and the start of processing.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}),
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_backlog",
			Help:      "Unprocessed events seen by the last reconciliation pass.",
		}),
	}
	reg.MustRegister(
		p.processed, p.failed, p.deadLettered, p.notifications,
		p.processing, p.lag, p.backlog,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return p
}

func (p *Prometheus) Registry() *prometheus.Registry { return p.reg }

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

func (p *Prometheus) EventProcessed()            { p.processed.Inc() }
func (p *Prometheus) EventFailed()               { p.failed.Inc() }
func (p *Prometheus) EventDeadLettered()         { p.deadLettered.Inc() }
func (p *Prometheus) NotificationsCreated(n int) { p.notifications.Add(float64(n)) }
func (p *Prometheus) SetBacklog(n int)           { p.backlog.Set(float64(n)) }

func (p *Prometheus) ObserveProcessing(d time.Duration) { p.processing.Observe(d.Seconds()) }

func (p *Prometheus) ObserveLag(d time.Duration) {
	if d < 0 {
		d = 0
	}
	p.lag.Observe(d.Seconds())
}
