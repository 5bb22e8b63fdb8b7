// Package metrics
package metrics

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lukeed/quicklink/packages/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	LinksEvaluated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quicklink_links_evaluated_total",
			Help: "Total number of visible links evaluated by a listener.",
		},
	)
	LinksSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quicklink_links_skipped_total",
			Help: "Total number of visible links not dispatched, labeled by reason.",
		},
		[]string{"reason"},
	)
	PrefetchDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quicklink_prefetch_dispatched_total",
			Help: "Total number of URLs handed to the prefetcher, labeled by priority and mode.",
		},
		[]string{"priority", "mode"},
	)
	PrefetchRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quicklink_prefetch_requests_total",
			Help: "Total number of prefetch requests issued, labeled by status code.",
		},
		[]string{"status_code"},
	)
	PrefetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quicklink_prefetch_duration_seconds",
			Help:    "Duration of prefetch requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
	PrefetchDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quicklink_prefetch_dropped_total",
			Help: "Total number of prefetch requests dropped before reaching the network, labeled by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(LinksEvaluated)
	prometheus.MustRegister(LinksSkipped)
	prometheus.MustRegister(PrefetchDispatched)
	prometheus.MustRegister(PrefetchRequests)
	prometheus.MustRegister(PrefetchDuration)
	prometheus.MustRegister(PrefetchDropped)
}

// Observer counts listener decisions.
type Observer struct{}

func (Observer) Observe(ev domain.Event) {
	priority := "low"
	if ev.HighPriority {
		priority = "high"
	}

	switch ev.Outcome {
	case domain.Dispatched:
		LinksEvaluated.Inc()
		PrefetchDispatched.WithLabelValues(priority, "scan").Inc()
	case domain.BulkDispatched:
		PrefetchDispatched.WithLabelValues(priority, "bulk").Inc()
	case domain.Declined, domain.SkippedOrigin, domain.SkippedIgnored:
		LinksEvaluated.Inc()
		LinksSkipped.WithLabelValues(string(ev.Outcome)).Inc()
	case domain.BulkDeclined:
		LinksSkipped.WithLabelValues(string(ev.Outcome)).Inc()
	}
}

// StatusLabel renders a response code, or "error" when no response arrived.
func StatusLabel(code int) string {
	if code == 0 {
		return "error"
	}
	return strconv.Itoa(code)
}

func ExposeMetrics(addr string) {
	slog.Info("Exposing Prometheus metrics", "address", addr)
	http.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, nil); err != nil {
		slog.Error("Failed to start Prometheus metrics server", "error", err)
	}
}
