// metrics.go: Prometheus metrics for resolution and reloads
//
// Each Manager owns a private registry so several managers (and tests) never
// collide on registration. Hosts expose it through Metrics().Registry().
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package pythia

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "pythia"

// Metrics holds the collectors updated by a Manager.
type Metrics struct {
	registry *prometheus.Registry

	Resolutions     *prometheus.CounterVec
	Missing         prometheus.Counter
	ProviderErrors  prometheus.Counter
	Reloads         *prometheus.CounterVec
	ReloadDuration  prometheus.Histogram
	SnapshotVersion prometheus.Gauge
	CacheLookups    *prometheus.CounterVec
	Violations      *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		Resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "resolutions_total",
				Help:      "Resolved keys by provenance",
			},
			[]string{"provenance"},
		),
		Missing: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "missing_configuration_total",
				Help:      "Resolutions that ended in MissingConfiguration",
			},
		),
		ProviderErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "suggestion_provider_errors_total",
				Help:      "Suggestion provider failures treated as no suggestion",
			},
		),
		Reloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reloads_total",
				Help:      "Reload attempts by outcome",
			},
			[]string{"outcome"},
		),
		ReloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "reload_duration_seconds",
				Help:      "Time from reload start to publish or rejection",
				Buckets:   prometheus.DefBuckets,
			},
		),
		SnapshotVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "snapshot_version",
				Help:      "Version of the published snapshot",
			},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "suggestion_cache_lookups_total",
				Help:      "Suggestion cache lookups by result",
			},
			[]string{"result"},
		),
		Violations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "snapshot_violations",
				Help:      "Violations reported for the published snapshot by severity",
			},
			[]string{"severity"},
		),
	}

	registry.MustRegister(
		m.Resolutions,
		m.Missing,
		m.ProviderErrors,
		m.Reloads,
		m.ReloadDuration,
		m.SnapshotVersion,
		m.CacheLookups,
		m.Violations,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) recordResolution(kind ProvenanceKind) {
	m.Resolutions.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) recordReload(outcome string, started time.Time) {
	m.Reloads.WithLabelValues(outcome).Inc()
	m.ReloadDuration.Observe(time.Since(started).Seconds())
}

func (m *Metrics) recordPublish(snap *Snapshot) {
	m.SnapshotVersion.Set(float64(snap.Version()))
	report := snap.Report()
	m.Violations.WithLabelValues(string(SeverityError)).Set(float64(report.HardCount()))
	m.Violations.WithLabelValues(string(SeverityWarning)).Set(float64(len(report.Warnings())))
}

func (m *Metrics) recordCacheLookup(hit bool) {
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}
