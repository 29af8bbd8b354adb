// Package metrics exposes the engine's Prometheus instruments. A single
// Metrics value is constructed per process and passed to each component;
// the registry backs the admin /metrics endpoint.
package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "buildwatch"

// Metrics holds all engine instruments. A nil *Metrics is valid and
// records nothing, so tests can pass nil.
type Metrics struct {
	registry *prom.Registry

	statusPolls    *prom.CounterVec
	diagRefreshes  *prom.CounterVec
	reloads        *prom.CounterVec
	buildCommands  *prom.CounterVec
	debouncedFiles prom.Counter
	workspaces     prom.Gauge
}

// New creates and registers all instruments on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prom.NewRegistry(),
		statusPolls: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace, Name: "status_polls_total",
			Help: "Status polls issued to the build server, by result",
		}, []string{"result"}),
		diagRefreshes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace, Name: "diagnostics_refreshes_total",
			Help: "Diagnostics refreshes, by mode (silent/explicit) and result",
		}, []string{"mode", "result"}),
		reloads: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace, Name: "project_reloads_total",
			Help: "Debounced project reloads, by result",
		}, []string{"result"}),
		buildCommands: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace, Name: "build_commands_total",
			Help: "User-invoked build commands, by outcome",
		}, []string{"outcome"}),
		debouncedFiles: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace, Name: "file_events_total",
			Help: "Build-relevant file change events observed",
		}),
		workspaces: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace, Name: "workspaces",
			Help: "Workspaces currently tracked",
		}),
	}

	m.registry.MustRegister(
		m.statusPolls, m.diagRefreshes, m.reloads, m.buildCommands,
		m.debouncedFiles, m.workspaces,
		promcollect.NewGoCollector(),
		promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) StatusPoll(result string) {
	if m == nil {
		return
	}
	m.statusPolls.WithLabelValues(result).Inc()
}

func (m *Metrics) DiagnosticsRefresh(mode, result string) {
	if m == nil {
		return
	}
	m.diagRefreshes.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) Reload(result string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(result).Inc()
}

func (m *Metrics) BuildCommand(outcome string) {
	if m == nil {
		return
	}
	m.buildCommands.WithLabelValues(outcome).Inc()
}

func (m *Metrics) FileEvent() {
	if m == nil {
		return
	}
	m.debouncedFiles.Inc()
}

func (m *Metrics) SetWorkspaces(n int) {
	if m == nil {
		return
	}
	m.workspaces.Set(float64(n))
}
