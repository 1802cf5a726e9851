// Package metrics holds the Prometheus collectors for the feed service. Each
// Collector owns its own registry, so tests can build as many as they need.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feed"

type Collector struct {
	registry *prometheus.Registry

	Events              *prometheus.CounterVec
	ClassifierResults   *prometheus.CounterVec
	CacheEntries        *prometheus.GaugeVec
	ChangeFeedConnected prometheus.Gauge
	ChangeFeedReconnect prometheus.Counter
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        *prometheus.HistogramVec
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Change events and local instructions applied to the feed cache, by outcome.",
			},
			[]string{"kind", "outcome"},
		),
		ClassifierResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifier_results_total",
				Help:      "Emotion classifier calls by result.",
			},
			[]string{"result"},
		),
		CacheEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Entries held by the feed cache, by kind.",
			},
			[]string{"kind"},
		),
		ChangeFeedConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "changefeed_connected",
				Help:      "1 while the change feed stream is established.",
			},
		),
		ChangeFeedReconnect: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "changefeed_reconnects_total",
				Help:      "Change feed reconnect attempts after a dropped stream.",
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	registry.MustRegister(
		c.Events,
		c.ClassifierResults,
		c.CacheEntries,
		c.ChangeFeedConnected,
		c.ChangeFeedReconnect,
		c.HTTPRequests,
		c.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveEvent satisfies feedcache.Observer.
func (c *Collector) ObserveEvent(kind, outcome string) {
	c.Events.WithLabelValues(kind, outcome).Inc()
}

// IncClassifierResult satisfies sentiment.Metrics.
func (c *Collector) IncClassifierResult(result string) {
	c.ClassifierResults.WithLabelValues(result).Inc()
}

func (c *Collector) SetCacheEntries(kind string, n int) {
	c.CacheEntries.WithLabelValues(kind).Set(float64(n))
}

func (c *Collector) SetChangeFeedConnected(up bool) {
	if up {
		c.ChangeFeedConnected.Set(1)
		return
	}
	c.ChangeFeedConnected.Set(0)
}

func (c *Collector) IncChangeFeedReconnects() {
	c.ChangeFeedReconnect.Inc()
}

func (c *Collector) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
