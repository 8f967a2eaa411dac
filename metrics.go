// metrics.go: Prometheus instrumentation for chainload passes
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package chainloader

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects chainload counters on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	modulesScanned     prometheus.Counter
	discoveryFailures  *prometheus.CounterVec
	descriptorsFound   prometheus.Counter
	resolutionOutcomes *prometheus.CounterVec
	pluginResults      *prometheus.CounterVec
	chainloadDuration  prometheus.Histogram
	hookState          prometheus.Gauge
}

// NewMetrics creates and registers the chainload metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		modulesScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "modules_scanned_total",
			Help:      "Total number of candidate modules whose metadata was read.",
		}),
		discoveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_failures_total",
			Help:      "Modules or types skipped during discovery, by error code.",
		}, []string{"code"}),
		descriptorsFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "descriptors_discovered_total",
			Help:      "Total number of plugin descriptors accepted by discovery.",
		}),
		resolutionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolution_outcomes_total",
			Help:      "Resolution outcomes per descriptor.",
		}, []string{"outcome"}),
		pluginResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_results_total",
			Help:      "Per-plugin load results.",
		}, []string{"result"}),
		chainloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chainload_duration_seconds",
			Help:      "Duration of complete Execute passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		hookState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "safe_point_hook_state",
			Help:      "Current safe-point hook state (0 not installed, 1 installed, 2 triggered, 3 removed).",
		}),
	}

	m.registry.MustRegister(
		m.modulesScanned,
		m.discoveryFailures,
		m.descriptorsFound,
		m.resolutionOutcomes,
		m.pluginResults,
		m.chainloadDuration,
		m.hookState,
	)
	return m
}

// Registry returns the registry holding the chainload metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) moduleScanned() {
	if m == nil {
		return
	}
	m.modulesScanned.Inc()
}

func (m *Metrics) discoveryFailure(code string) {
	if m == nil {
		return
	}
	m.discoveryFailures.WithLabelValues(code).Inc()
}

func (m *Metrics) descriptorDiscovered() {
	if m == nil {
		return
	}
	m.descriptorsFound.Inc()
}

func (m *Metrics) resolutionOutcome(outcome Outcome) {
	if m == nil {
		return
	}
	m.resolutionOutcomes.WithLabelValues(outcome.String()).Inc()
}

func (m *Metrics) pluginResult(status PluginStatus) {
	if m == nil {
		return
	}
	m.pluginResults.WithLabelValues(status.String()).Inc()
}

func (m *Metrics) observeChainload(d time.Duration) {
	if m == nil {
		return
	}
	m.chainloadDuration.Observe(d.Seconds())
}

func (m *Metrics) setHookState(state HookState) {
	if m == nil {
		return
	}
	m.hookState.Set(float64(state))
}
