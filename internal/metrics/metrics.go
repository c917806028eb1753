// Package metrics defines the Prometheus instruments of the request layer.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storefront"

type Metrics struct {
	Calls           *prometheus.CounterVec
	CallDuration    prometheus.Histogram
	NetworkAttempts prometheus.Counter
	Retries         prometheus.Counter
	CacheHits       prometheus.Counter
	DedupJoins      prometheus.Counter
	Refreshes       *prometheus.CounterVec
}

// New creates the instruments and registers them with reg. A nil reg
// leaves them unregistered, which is what most tests want.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Gateway calls by outcome.",
		}, []string{"outcome"}),
		CallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "Time from Call to settled result, including retries and refreshes.",
			Buckets:   prometheus.DefBuckets,
		}),
		NetworkAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "network_attempts_total",
			Help:      "HTTP requests actually sent to the API.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "retries_total",
			Help:      "Attempts repeated after a transient failure.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "cache_hits_total",
			Help:      "Reads answered from the response cache.",
		}),
		DedupJoins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "dedup_joins_total",
			Help:      "Calls that attached to an identical in-flight call.",
		}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "refreshes_total",
			Help:      "Refresh network calls by result.",
		}, []string{"result"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.Calls, m.CallDuration, m.NetworkAttempts, m.Retries, m.CacheHits, m.DedupJoins, m.Refreshes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}
	return m, nil
}

// Nop returns unregistered instruments.
func Nop() *Metrics {
	m, _ := New(nil)
	return m
}
