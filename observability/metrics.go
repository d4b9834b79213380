// Package observability bundles the hub's Prometheus registries and the
// structured logging setup. Registries are lazily initialised singletons so
// engines can record without carrying a handle.
package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	paymentMetricsOnce sync.Once
	paymentRegistry    *PaymentMetrics

	routingMetricsOnce sync.Once
	routingRegistry    *RoutingMetrics

	clearingMetricsOnce sync.Once
	clearingRegistry    *ClearingMetrics
)

// PaymentMetrics tracks the two-phase payment engine.
type PaymentMetrics struct {
	committed *prometheus.CounterVec
	aborted   *prometheus.CounterVec
	sweeps    *prometheus.CounterVec
	prepare   prometheus.Histogram
	commit    prometheus.Histogram
}

// Payments returns the payment engine metrics registry.
func Payments() *PaymentMetrics {
	paymentMetricsOnce.Do(func() {
		paymentRegistry = &PaymentMetrics{
			committed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "geohub",
				Subsystem: "payments",
				Name:      "committed_total",
				Help:      "Count of payments reaching COMMITTED segmented by equivalent.",
			}, []string{"equivalent"}),
			aborted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "geohub",
				Subsystem: "payments",
				Name:      "aborted_total",
				Help:      "Count of payments reaching ABORTED segmented by equivalent and reason code.",
			}, []string{"equivalent", "reason"}),
			sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "geohub",
				Subsystem: "payments",
				Name:      "recovery_sweeps_total",
				Help:      "Count of recovery actions segmented by kind (expired_lock, stale_new, orphan_lock).",
			}, []string{"kind"}),
			prepare: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "geohub",
				Subsystem: "payments",
				Name:      "prepare_duration_seconds",
				Help:      "Latency distribution for the prepare phase.",
				Buckets:   prometheus.DefBuckets,
			}),
			commit: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "geohub",
				Subsystem: "payments",
				Name:      "commit_duration_seconds",
				Help:      "Latency distribution for the commit phase.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			paymentRegistry.committed,
			paymentRegistry.aborted,
			paymentRegistry.sweeps,
			paymentRegistry.prepare,
			paymentRegistry.commit,
		)
	})
	return paymentRegistry
}

// RecordCommitted increments the committed counter for an equivalent.
func (m *PaymentMetrics) RecordCommitted(equivalent string) {
	if m == nil {
		return
	}
	m.committed.WithLabelValues(labelEquivalent(equivalent)).Inc()
}

// RecordAborted increments the aborted counter for an equivalent and reason.
func (m *PaymentMetrics) RecordAborted(equivalent, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.aborted.WithLabelValues(labelEquivalent(equivalent), reason).Inc()
}

// RecordSweep increments the recovery counter for the supplied kind.
func (m *PaymentMetrics) RecordSweep(kind string) {
	if m == nil {
		return
	}
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "unspecified"
	}
	m.sweeps.WithLabelValues(kind).Inc()
}

// ObservePrepare records one prepare phase duration.
func (m *PaymentMetrics) ObservePrepare(d time.Duration) {
	if m == nil {
		return
	}
	m.prepare.Observe(d.Seconds())
}

// ObserveCommit records one commit phase duration.
func (m *PaymentMetrics) ObserveCommit(d time.Duration) {
	if m == nil {
		return
	}
	m.commit.Observe(d.Seconds())
}

// RoutingMetrics tracks path search behaviour.
type RoutingMetrics struct {
	searches *prometheus.CounterVec
	latency  prometheus.Histogram
}

// Routing returns the router metrics registry.
func Routing() *RoutingMetrics {
	routingMetricsOnce.Do(func() {
		routingRegistry = &RoutingMetrics{
			searches: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "geohub",
				Subsystem: "routing",
				Name:      "searches_total",
				Help:      "Count of route searches segmented by outcome (planned, infeasible, timed_out_partial).",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "geohub",
				Subsystem: "routing",
				Name:      "search_duration_seconds",
				Help:      "Latency distribution for route searches.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			}),
		}
		prometheus.MustRegister(routingRegistry.searches, routingRegistry.latency)
	})
	return routingRegistry
}

// ObserveSearch records one search and its outcome.
func (m *RoutingMetrics) ObserveSearch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "planned"
	}
	m.searches.WithLabelValues(outcome).Inc()
	m.latency.Observe(d.Seconds())
}

// ClearingMetrics tracks cycle discovery and netting.
type ClearingMetrics struct {
	applied *prometheus.CounterVec
	skipped *prometheus.CounterVec
	runtime prometheus.Histogram
}

// Clearing returns the clearing engine metrics registry.
func Clearing() *ClearingMetrics {
	clearingMetricsOnce.Do(func() {
		clearingRegistry = &ClearingMetrics{
			applied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "geohub",
				Subsystem: "clearing",
				Name:      "cycles_applied_total",
				Help:      "Count of netted cycles segmented by equivalent and cycle length.",
			}, []string{"equivalent", "length"}),
			skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "geohub",
				Subsystem: "clearing",
				Name:      "cycles_skipped_total",
				Help:      "Count of candidate cycles skipped segmented by reason.",
			}, []string{"reason"}),
			runtime: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "geohub",
				Subsystem: "clearing",
				Name:      "run_duration_seconds",
				Help:      "Latency distribution for clearing passes.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			clearingRegistry.applied,
			clearingRegistry.skipped,
			clearingRegistry.runtime,
		)
	})
	return clearingRegistry
}

// RecordApplied increments the applied counter for an equivalent and length.
func (m *ClearingMetrics) RecordApplied(equivalent string, length int) {
	if m == nil {
		return
	}
	label := "other"
	switch length {
	case 3:
		label = "3"
	case 4:
		label = "4"
	case 5:
		label = "5"
	case 6:
		label = "6"
	}
	m.applied.WithLabelValues(labelEquivalent(equivalent), label).Inc()
}

// RecordSkipped increments the skipped counter for the supplied reason.
func (m *ClearingMetrics) RecordSkipped(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.skipped.WithLabelValues(reason).Inc()
}

// ObserveRun records one clearing pass duration.
func (m *ClearingMetrics) ObserveRun(d time.Duration) {
	if m == nil {
		return
	}
	m.runtime.Observe(d.Seconds())
}

func labelEquivalent(code string) string {
	trimmed := strings.TrimSpace(strings.ToUpper(code))
	if trimmed == "" {
		return "UNKNOWN"
	}
	return trimmed
}
