// Package metrics exposes Prometheus instrumentation for both services.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registry and the instruments shared by the controller
// and the agent. Each binary creates one and registers only what it drives.
type Metrics struct {
	registry *prometheus.Registry

	DeploysTotal     *prometheus.CounterVec
	RunningApps      prometheus.Gauge
	FreePorts        prometheus.Gauge
	ReservedVRAM     *prometheus.GaugeVec
	HeartbeatsTotal  prometheus.Counter
	WatchdogExpiries prometheus.Counter
}

// New creates a metrics set backed by a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		DeploysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hangar_deploys_total",
			Help: "Deployments by workload kind and outcome.",
		}, []string{"kind", "outcome"}),
		RunningApps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hangar_running_apps",
			Help: "Apps currently in the running state.",
		}),
		FreePorts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hangar_free_ports",
			Help: "Ports available in the allocation pool.",
		}),
		ReservedVRAM: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hangar_reserved_vram_mib",
			Help: "Logically reserved VRAM per GPU, in MiB.",
		}, []string{"gpu"}),
		HeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hangar_heartbeats_total",
			Help: "Heartbeat updates accepted from the agent.",
		}),
		WatchdogExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hangar_watchdog_expiries_total",
			Help: "Apps downgraded to error after missing heartbeats.",
		}),
	}
	reg.MustRegister(
		m.DeploysTotal,
		m.RunningApps,
		m.FreePorts,
		m.ReservedVRAM,
		m.HeartbeatsTotal,
		m.WatchdogExpiries,
	)
	return m
}

// SetReservedVRAM replaces the per-GPU reservation gauge with the given table.
func (m *Metrics) SetReservedVRAM(reserved map[int]int) {
	m.ReservedVRAM.Reset()
	for gpu, mib := range reserved {
		m.ReservedVRAM.WithLabelValues(strconv.Itoa(gpu)).Set(float64(mib))
	}
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
