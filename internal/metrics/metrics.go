// Package metrics holds this daemon's own introspection counters, distinct
// from the external statistics-logger pipeline named out-of-scope in §1/§6
// (internal/stats talks to that collaborator). These are registered on a
// private prometheus registry and exposed only if a config option enables
// an HTTP listener — never on by default.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge this daemon exports.
type Metrics struct {
	Registry *prometheus.Registry

	KillsTotal       *prometheus.CounterVec
	RegistrySize     prometheus.Gauge
	LastKillRSSKB    prometheus.Gauge
	SkippedWakeups   prometheus.Counter
	PollingIntervalMs prometheus.Gauge
}

// New constructs and registers every metric on a fresh, private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		KillsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lowmemkilld_kills_total",
			Help: "Number of processes killed, by kill reason.",
		}, []string{"reason"}),
		RegistrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lowmemkilld_registry_size",
			Help: "Number of records currently held in the process registry.",
		}),
		LastKillRSSKB: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lowmemkilld_last_kill_rss_kb",
			Help: "RSS, in kB, of the most recently killed process.",
		}),
		SkippedWakeups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lowmemkilld_skipped_wakeups_total",
			Help: "Number of decision-engine wakeups skipped while a kill was pending.",
		}),
		PollingIntervalMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lowmemkilld_polling_interval_ms",
			Help: "Current polling interval, in milliseconds, or 0 when not polling.",
		}),
	}

	reg.MustRegister(
		m.KillsTotal,
		m.RegistrySize,
		m.LastKillRSSKB,
		m.SkippedWakeups,
		m.PollingIntervalMs,
	)
	return m
}
