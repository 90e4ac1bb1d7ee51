package process

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsCollector implements MetricsCollector on a private registry.
type PrometheusMetricsCollector struct {
	registry *prometheus.Registry

	spawns       *prometheus.CounterVec
	spawnErrors  *prometheus.CounterVec
	exits        *prometheus.CounterVec
	respawns     *prometheus.CounterVec
	forcedExits  *prometheus.CounterVec
	workersAlive *prometheus.GaugeVec
}

// NewPrometheusMetricsCollector creates a collector with the given namespace.
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	pmc := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
	}

	pmc.spawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawns_total",
			Help:      "Total number of successful worker spawns",
		},
		[]string{"worker"},
	)

	pmc.spawnErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_spawn_errors_total",
			Help:      "Total number of failed worker spawns",
		},
		[]string{"worker"},
	)

	pmc.exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exits_total",
			Help:      "Total number of worker terminations",
		},
		[]string{"worker", "state"},
	)

	pmc.respawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_respawns_total",
			Help:      "Total number of respawns triggered by a worker exit",
		},
		[]string{"worker"},
	)

	pmc.forcedExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_forced_exits_total",
			Help:      "Total number of forced worker terminations",
		},
		[]string{"worker"},
	)

	pmc.workersAlive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_alive",
			Help:      "Number of worker processes currently running",
		},
		[]string{"worker"},
	)

	pmc.registry.MustRegister(
		pmc.spawns,
		pmc.spawnErrors,
		pmc.exits,
		pmc.respawns,
		pmc.forcedExits,
		pmc.workersAlive,
	)

	return pmc
}

// WorkerSpawned records a successful spawn.
func (pmc *PrometheusMetricsCollector) WorkerSpawned(worker string) {
	pmc.spawns.WithLabelValues(worker).Inc()
	pmc.workersAlive.WithLabelValues(worker).Inc()
}

// WorkerSpawnFailed records a failed spawn.
func (pmc *PrometheusMetricsCollector) WorkerSpawnFailed(worker string) {
	pmc.spawnErrors.WithLabelValues(worker).Inc()
}

// WorkerExited records a worker termination.
func (pmc *PrometheusMetricsCollector) WorkerExited(worker string, status Status) {
	pmc.exits.WithLabelValues(worker, status.State.String()).Inc()
	pmc.workersAlive.WithLabelValues(worker).Dec()
}

// WorkerRespawned records a respawn.
func (pmc *PrometheusMetricsCollector) WorkerRespawned(worker string) {
	pmc.respawns.WithLabelValues(worker).Inc()
}

// WorkerForceExited records a forced termination request.
func (pmc *PrometheusMetricsCollector) WorkerForceExited(worker string) {
	pmc.forcedExits.WithLabelValues(worker).Inc()
}

// Registry returns the Prometheus registry for HTTP handler setup
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return pmc.registry
}

var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)
