package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Requests         *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec
	RateLimitDenials *prometheus.CounterVec
	CacheLookups     *prometheus.CounterVec
	CacheAnomalies   *prometheus.CounterVec
	UpstreamAttempts *prometheus.CounterVec
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_proxy_requests_total",
				Help: "Total number of generate requests by outcome.",
			},
			[]string{"outcome"},
		),
		RequestLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ai_proxy_request_duration_seconds",
				Help:    "Latency of generate requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"cached"},
		),
		RateLimitDenials: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_proxy_rate_limit_denials_total",
				Help: "Requests denied by a rate-limit tier.",
			},
			[]string{"tier"},
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_proxy_cache_lookups_total",
				Help: "Fingerprint cache lookups by result.",
			},
			[]string{"result"},
		),
		CacheAnomalies: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_proxy_cache_anomalies_total",
				Help: "Cache serialization or remote-store failures.",
			},
			[]string{"op"},
		),
		UpstreamAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ai_proxy_upstream_attempts_total",
				Help: "Upstream call attempts by classified outcome.",
			},
			[]string{"outcome"},
		),
	}
}

// RecordRequest records the final outcome of a generate request.
func (m *Metrics) RecordRequest(outcome string, cached bool, d time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if cached {
		label = "true"
	}
	m.Requests.WithLabelValues(outcome).Inc()
	m.RequestLatency.WithLabelValues(label).Observe(d.Seconds())
}

// RecordRateLimitDenial records a denial attributed to tier.
func (m *Metrics) RecordRateLimitDenial(tier string) {
	if m == nil {
		return
	}
	m.RateLimitDenials.WithLabelValues(tier).Inc()
}

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

// RecordCacheAnomaly records a non-fatal cache failure for op.
func (m *Metrics) RecordCacheAnomaly(op string) {
	if m == nil {
		return
	}
	m.CacheAnomalies.WithLabelValues(op).Inc()
}

// RecordUpstreamAttempt records one upstream attempt.
func (m *Metrics) RecordUpstreamAttempt(outcome string) {
	if m == nil {
		return
	}
	m.UpstreamAttempts.WithLabelValues(outcome).Inc()
}
