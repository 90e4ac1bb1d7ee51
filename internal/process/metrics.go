package process

// MetricsCollector receives supervisor lifecycle measurements.
type MetricsCollector interface {
	// WorkerSpawned records a successful spawn.
	WorkerSpawned(worker string)

	// WorkerSpawnFailed records a failed spawn.
	WorkerSpawnFailed(worker string)

	// WorkerExited records a worker termination.
	WorkerExited(worker string, status Status)

	// WorkerRespawned records a respawn triggered by an exit.
	WorkerRespawned(worker string)

	// WorkerForceExited records a forced termination request.
	WorkerForceExited(worker string)
}

type noopMetricsCollector struct{}

func (noopMetricsCollector) WorkerSpawned(string) {}
func (noopMetricsCollector) WorkerSpawnFailed(string) {}
func (noopMetricsCollector) WorkerExited(string, Status) {}
func (noopMetricsCollector) WorkerRespawned(string) {}
func (noopMetricsCollector) WorkerForceExited(string) {}

// NewNoopMetricsCollector returns a collector that discards everything.
func NewNoopMetricsCollector() MetricsCollector {
	return noopMetricsCollector{}
}
