// Package observability holds the Prometheus instruments of the relay.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes recorded on gemish_relay_turns_total.
const (
	OutcomeCompleted       = "completed"
	OutcomeUpstreamFailure = "upstream_failure"
	OutcomePersistFailure  = "persistence_failure"
)

// Metrics groups the relay instruments. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	turns           *prometheus.CounterVec
	rejected        *prometheus.CounterVec
	fragments       *prometheus.CounterVec
	firstFragment   prometheus.Histogram
	turnDuration    *prometheus.HistogramVec
	activeTurns     prometheus.Gauge
	detaches        prometheus.Counter
	persistFailures prometheus.Counter
	cacheLookups    *prometheus.CounterVec
}

// NewMetrics registers the relay instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		// turns counts finished turns by variant and outcome
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gemish_relay_turns_total",
			Help: "Total relay turns by model variant and outcome",
		}, []string{"variant", "outcome"}),

		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gemish_relay_rejected_total",
			Help: "Turns rejected before streaming, by reason",
		}, []string{"reason"}),

		fragments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gemish_relay_fragments_total",
			Help: "Provider fragments relayed, by kind",
		}, []string{"kind"}),

		firstFragment: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gemish_relay_time_to_first_fragment_seconds",
			Help:    "Latency between turn start and the first provider fragment",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),

		turnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gemish_relay_turn_duration_seconds",
			Help:    "Wall time of a relay turn including persistence",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"variant"}),

		activeTurns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gemish_relay_active_turns",
			Help: "Background turns currently streaming or persisting",
		}),

		detaches: factory.NewCounter(prometheus.CounterOpts{
			Name: "gemish_relay_client_detaches_total",
			Help: "Turns whose client went away before the stream ended",
		}),

		persistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "gemish_relay_persistence_failures_total",
			Help: "Final exchange writes that failed",
		}),

		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gemish_store_cache_lookups_total",
			Help: "Message store cache lookups by key space and result",
		}, []string{"space", "result"}),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.activeTurns.Inc()
}

func (m *Metrics) TurnFinished(variant, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.activeTurns.Dec()
	m.turns.WithLabelValues(variant, outcome).Inc()
	m.turnDuration.WithLabelValues(variant).Observe(elapsed.Seconds())
	if outcome == OutcomePersistFailure {
		m.persistFailures.Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Fragment(kind string) {
	if m == nil {
		return
	}
	m.fragments.WithLabelValues(kind).Inc()
}

func (m *Metrics) FirstFragment(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.firstFragment.Observe(elapsed.Seconds())
}

func (m *Metrics) ClientDetached() {
	if m == nil {
		return
	}
	m.detaches.Inc()
}

// CacheLookup records a hit or miss in the named key space.
func (m *Metrics) CacheLookup(space string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(space, result).Inc()
}
