// Package metrics exports clio's observability surface (spec §2's
// "observability collaborator") via prometheus/client_golang.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns every metric the ETL load balancer and feed engine publish.
type Collector struct {
	registry *prometheus.Registry

	sourcesConnected   prometheus.Gauge
	sourceRangeLow     *prometheus.GaugeVec
	sourceRangeHigh    *prometheus.GaugeVec
	forwardingSource   *prometheus.GaugeVec
	ledgersFetched     prometheus.Counter
	fetchRetries       prometheus.Counter
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	forwardLatency     prometheus.Histogram
	forwardFailures    prometheus.Counter
	subscriberCount    *prometheus.GaugeVec
	publishDuplicatesAvoided prometheus.Counter
}

// NewCollector builds and registers every metric on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		sourcesConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "clio_sources_connected",
			Help: "Number of upstream sources currently connected",
		}),
		sourceRangeLow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clio_source_range_low",
			Help: "Lowest advertised ledger per source",
		}, []string{"source"}),
		sourceRangeHigh: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clio_source_range_high",
			Help: "Highest advertised ledger per source",
		}, []string{"source"}),
		forwardingSource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clio_forwarding_source",
			Help: "1 if this source is the designated forwarder",
		}, []string{"source"}),
		ledgersFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clio_ledgers_fetched_total",
			Help: "Total ledgers fetched from upstream sources",
		}),
		fetchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clio_fetch_retries_total",
			Help: "Total retry iterations in LoadBalancer.execute",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clio_forwarding_cache_hits_total",
			Help: "Forwarding cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clio_forwarding_cache_misses_total",
			Help: "Forwarding cache misses",
		}),
		forwardLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clio_forward_latency_seconds",
			Help:    "Latency of forwardToRippled calls",
			Buckets: prometheus.DefBuckets,
		}),
		forwardFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clio_forward_failures_total",
			Help: "forwardToRippled calls that exhausted all sources",
		}),
		subscriberCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clio_feed_subscribers",
			Help: "Live subscriber count per topic",
		}, []string{"topic"}),
		publishDuplicatesAvoided: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clio_feed_dedup_total",
			Help: "Deliveries skipped by per-publish de-duplication",
		}),
	}

	registry.MustRegister(
		c.sourcesConnected, c.sourceRangeLow, c.sourceRangeHigh, c.forwardingSource,
		c.ledgersFetched, c.fetchRetries, c.cacheHits, c.cacheMisses,
		c.forwardLatency, c.forwardFailures, c.subscriberCount, c.publishDuplicatesAvoided,
	)
	return c
}

func (c *Collector) SetSourcesConnected(n int)                 { c.sourcesConnected.Set(float64(n)) }
func (c *Collector) SetSourceRange(source string, lo, hi uint32) {
	c.sourceRangeLow.WithLabelValues(source).Set(float64(lo))
	c.sourceRangeHigh.WithLabelValues(source).Set(float64(hi))
}
func (c *Collector) SetForwarding(source string, isForwarding bool) {
	v := 0.0
	if isForwarding {
		v = 1.0
	}
	c.forwardingSource.WithLabelValues(source).Set(v)
}
func (c *Collector) IncLedgersFetched()  { c.ledgersFetched.Inc() }
func (c *Collector) IncFetchRetry()      { c.fetchRetries.Inc() }
func (c *Collector) IncCacheHit()        { c.cacheHits.Inc() }
func (c *Collector) IncCacheMiss()       { c.cacheMisses.Inc() }
func (c *Collector) IncForwardFailure()  { c.forwardFailures.Inc() }
func (c *Collector) ObserveForward(d time.Duration) { c.forwardLatency.Observe(d.Seconds()) }
func (c *Collector) SetSubscribers(topic string, n int) {
	c.subscriberCount.WithLabelValues(topic).Set(float64(n))
}
func (c *Collector) IncDedupAvoided() { c.publishDuplicatesAvoided.Inc() }

// Handler returns the HTTP handler to mount at /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
